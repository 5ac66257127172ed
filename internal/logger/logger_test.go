package logger

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLevel(t *testing.T, level string) {
	t.Helper()
	prev := GetLevel()
	SetLevel(level)
	t.Cleanup(func() { SetLevel(prev) })
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	assert.True(t, ValidLevel("warn"))
	assert.False(t, ValidLevel("loud"))
}

func TestSetLevelRoundTrip(t *testing.T) {
	withLevel(t, "warn")
	assert.Equal(t, "warn", GetLevel())
}

func TestHandlerPerOutputLevels(t *testing.T) {
	withLevel(t, "debug")
	var console, file bytes.Buffer
	l := slog.New(NewHandler(map[io.Writer]slog.Level{
		&console: slog.LevelDebug,
		&file:    slog.LevelWarn,
	}))

	l.Debug("[Test] chatty", "k", "v")
	l.Warn("[Test] careful")

	assert.Contains(t, console.String(), "[DEBUG] [Test] chatty k=v")
	assert.Contains(t, console.String(), "[WARN] [Test] careful")
	assert.NotContains(t, file.String(), "chatty")
	assert.Contains(t, file.String(), "careful")
}

func TestHandlerGlobalLevelFilters(t *testing.T) {
	withLevel(t, "error")
	var buf bytes.Buffer
	l := slog.New(NewHandler(map[io.Writer]slog.Level{&buf: slog.LevelDebug}))

	l.Info("hidden")
	l.Error("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	withLevel(t, "debug")
	var buf bytes.Buffer
	l := slog.New(NewHandler(map[io.Writer]slog.Level{&buf: slog.LevelDebug}))

	l.With("call_id", "c1").WithGroup("sip").Info("msg", "status", 200)

	assert.Contains(t, buf.String(), "msg call_id=c1 sip.status=200")
}

func TestJSONParsingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONParsingWriter(&buf)

	n, err := w.Write([]byte(`{"level":"debug","message":"tx created","time":"2024-01-02T03:04:05Z","b":2,"a":1}` + "\n"))
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, "[03:04:05] [DEBUG] tx created a=1 b=2\n", buf.String())

	buf.Reset()
	_, err = w.Write([]byte("plain line\n"))
	require.NoError(t, err)
	assert.Equal(t, "plain line\n", buf.String())
}

func TestInitWithFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	withLevel(t, GetLevel())

	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "bridge.log")
	closer, err := Init(Options{
		Level:   "info",
		Console: &console,
		File:    &FileOptions{Path: path, MaxSizeMB: 1, Level: slog.LevelInfo},
	})
	require.NoError(t, err)

	slog.Info("[Test] to both")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "[Test] to both")
	assert.FileExists(t, path)
}

func TestInitRoutesZerologThroughLineFormat(t *testing.T) {
	prevSlog, prevZlog := slog.Default(), zlog.Logger
	t.Cleanup(func() {
		slog.SetDefault(prevSlog)
		zlog.Logger = prevZlog
	})
	withLevel(t, GetLevel())

	var console bytes.Buffer
	_, err := Init(Options{Level: "info", Console: &console})
	require.NoError(t, err)

	zlog.Logger.Info().Str("caller", "Server").Str("call_id", "c1").Msg("INVITE received")
	zlog.Logger.Debug().Msg("below level")

	out := console.String()
	assert.NotContains(t, out, "{")
	assert.Contains(t, out, "[INFO] INVITE received call_id=c1")
	assert.NotContains(t, out, "below level")
}

func TestNewZerologFollowsGlobalLevel(t *testing.T) {
	withLevel(t, "debug")
	var buf bytes.Buffer

	l := NewZerolog(NewJSONParsingWriter(&buf))
	l.Debug().Msg("transaction created")

	assert.Contains(t, buf.String(), "[DEBUG] transaction created")
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	withLevel(t, "debug")
	var buf bytes.Buffer
	l := slog.New(NewHandler(map[io.Writer]slog.Level{&buf: slog.LevelDebug}))

	r := gin.New()
	r.Use(GinMiddleware(l))
	r.GET("/ping", func(c *gin.Context) {
		FromGin(c).Info("inside")
		c.String(http.StatusOK, "pong")
	})

	t.Run("generates request id", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		rid := rec.Header().Get(HeaderRequestID)
		require.NotEmpty(t, rid)
		assert.Contains(t, buf.String(), "inside request_id="+rid)
		assert.Contains(t, buf.String(), "path=/ping status=200")
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(HeaderRequestID, "abc")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))
		assert.True(t, strings.Contains(buf.String(), "request_id=abc"))
	})
}

func TestFromGinFallsBackToDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, slog.Default(), FromGin(c))
}
