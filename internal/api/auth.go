package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	types "github.com/sebas/callbridge/api/types/v1"
)

const bearerPrefix = "Bearer "

// RequireHomeserverToken rejects requests that do not carry the homeserver
// token, either as access_token or as a bearer token.
func RequireHomeserverToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.Query("access_token")
		if got == "" {
			if raw := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(raw, bearerPrefix) {
				got = strings.TrimPrefix(raw, bearerPrefix)
			}
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.MatrixError{ErrCode: ErrCodeUnauthorized, Error: "missing token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, types.MatrixError{ErrCode: ErrCodeForbidden, Error: "invalid token"})
			return
		}
		c.Next()
	}
}
