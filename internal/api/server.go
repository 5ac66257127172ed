// Package api serves the application service endpoints the homeserver calls
// and a small inspection API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	types "github.com/sebas/callbridge/api/types/v1"
	"github.com/sebas/callbridge/internal/coordinator"
	"github.com/sebas/callbridge/internal/endpoint"
	"github.com/sebas/callbridge/internal/logger"
	"github.com/sebas/callbridge/internal/matrix"
)

// Matrix error codes returned by the application service endpoints.
const (
	ErrCodeUnauthorized = "M_UNAUTHORIZED"
	ErrCodeForbidden    = "M_FORBIDDEN"
	ErrCodeNotFound     = "M_NOT_FOUND"
	ErrCodeNotJSON      = "M_NOT_JSON"
	ErrCodeUnknown      = "M_UNKNOWN"
)

// ChatBridge is what the application service endpoints drive.
type ChatBridge interface {
	ProcessTransaction(ctx context.Context, txn *matrix.Transaction)
	QueryUser(ctx context.Context, userID string) error
	QueryRoom(ctx context.Context, alias string) error
	Stats() matrix.Stats
}

// Calls reports bridged calls.
type Calls interface {
	Pairs() []coordinator.PairInfo
	Len() int
}

// Counter reports the number of live remote endpoints.
type Counter interface {
	Len() int
}

// Server provides the HTTP API of the bridge
type Server struct {
	addr       string
	hsToken    string
	chat       ChatBridge
	calls      Calls
	remote     Counter
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the API server. hsToken authenticates the homeserver.
func NewServer(addr, hsToken string, chat ChatBridge, calls Calls, remote Counter) *Server {
	s := &Server{
		addr:      addr,
		hsToken:   hsToken,
		chat:      chat,
		calls:     calls,
		remote:    remote,
		startTime: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(slog.Default()))

	// Application service API, current and legacy paths
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		as := r.Group(prefix, RequireHomeserverToken(hsToken))
		as.PUT("/transactions/:txnId", s.handleTransaction)
		as.GET("/users/:userId", s.handleQueryUser)
		as.GET("/rooms/:roomAlias", s.handleQueryRoom)
	}

	// Inspection
	v1 := r.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/stats", s.handleStats)
	v1.GET("/calls", s.handleCalls)

	s.engine = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until Stop is called. It blocks.
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Application service ---

func (s *Server) handleTransaction(c *gin.Context) {
	var txn matrix.Transaction
	if err := c.ShouldBindJSON(&txn); err != nil {
		logger.FromGin(c).Warn("[API] Malformed transaction", "txn_id", c.Param("txnId"), "error", err)
		c.JSON(http.StatusBadRequest, types.MatrixError{ErrCode: ErrCodeNotJSON, Error: err.Error()})
		return
	}
	txn.ID = c.Param("txnId")
	logger.FromGin(c).Debug("[API] Transaction received", "txn_id", txn.ID, "events", len(txn.Events))

	s.chat.ProcessTransaction(c.Request.Context(), &txn)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleQueryUser(c *gin.Context) {
	userID := c.Param("userId")
	err := s.chat.QueryUser(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{})
	case errors.Is(err, matrix.ErrUnknownIdentity):
		logger.FromGin(c).Debug("[API] User query for unknown identity", "user_id", userID)
		c.JSON(http.StatusNotFound, types.MatrixError{ErrCode: ErrCodeNotFound})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, types.MatrixError{ErrCode: ErrCodeUnknown, Error: err.Error()})
	}
}

func (s *Server) handleQueryRoom(c *gin.Context) {
	if err := s.chat.QueryRoom(c.Request.Context(), c.Param("roomAlias")); err != nil {
		c.JSON(http.StatusNotFound, types.MatrixError{ErrCode: ErrCodeNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// --- Health & Stats ---

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	chat := s.chat.Stats()
	c.JSON(http.StatusOK, types.StatsResponse{
		ActiveCalls:     s.calls.Len(),
		ChatEndpoints:   chat.Endpoints,
		RemoteEndpoints: s.remote.Len(),
		BridgedRooms:    chat.Rooms,
		KnownIdentities: chat.Identities,
	})
}

func (s *Server) handleCalls(c *gin.Context) {
	pairs := s.calls.Pairs()
	resp := types.CallsResponse{Total: len(pairs), Calls: make([]types.Call, 0, len(pairs))}
	now := time.Now()
	for _, p := range pairs {
		resp.Calls = append(resp.Calls, types.Call{
			CallID:    p.CallID,
			Origin:    p.Origin.String(),
			State:     p.State.String(),
			Reason:    p.Reason,
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
			Duration:  int(now.Sub(p.CreatedAt).Seconds()),
			Chat:      toLeg(p.Chat),
			Remote:    toLeg(p.Remote),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func toLeg(info *endpoint.Info) *types.Leg {
	if info == nil {
		return nil
	}
	return &types.Leg{
		Side:         info.Side.String(),
		State:        info.State.String(),
		RoomID:       info.Owner.RoomID,
		UserID:       info.Owner.UserID,
		PeerUserID:   info.Owner.PeerUserID,
		RemoteID:     info.Owner.RemoteID,
		LastActivity: info.LastActivity.UTC().Format(time.RFC3339),
		RemoteMedia:  info.RemoteMedia,
		LocalMedia:   info.LocalMedia,
	}
}
