package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"polycopy/internal/ports"
)

// Server exposes a read-only JSON view of the engine state: strategies,
// balances, positions, orders and risk. It never mutates storage; the
// one exception is clearing a tripped breaker, which is a manual
// operator action by design of the risk layer.
type Server struct {
	addr   string
	router *gin.Engine
}

// NewServer builds the HTTP query surface on top of storage.
func NewServer(addr string, store ports.Storage) *Server {
	if addr == "" {
		addr = ":8090"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{store: store}
	api := router.Group("/api")
	api.GET("/strategies", h.listStrategies)
	api.GET("/strategies/:id", h.getStrategy)
	api.GET("/strategies/:id/positions", h.listPositions)
	api.GET("/strategies/:id/orders", h.listOrders)
	api.GET("/strategies/:id/risk", h.getRisk)
	api.GET("/strategies/:id/exits", h.listExits)
	api.GET("/strategies/:id/log", h.listExecutionLog)
	api.POST("/strategies/:id/risk/clear-breaker", h.clearBreaker)

	return &Server{addr: addr, router: router}
}

// Handler returns the underlying http.Handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("http api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start).String(),
		)
	}
}
