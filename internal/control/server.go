package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusFunc returns the latest published agent status.
type StatusFunc func() models.StatusReport

// Server exposes health, status, pause/resume and Prometheus metrics over HTTP.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(listen string, status StatusFunc, pauser *Pauser, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))

	h := &handler{status: status, pauser: pauser, logger: logger}
	router.GET("/healthz", h.health)
	router.GET("/status", h.getStatus)
	router.POST("/pause", h.pause)
	router.POST("/resume", h.resume)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		router: router,
		srv:    &http.Server{Addr: listen, Handler: router, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type handler struct {
	status StatusFunc
	pauser *Pauser
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	st := h.status()
	code := http.StatusOK
	if st.Status == models.StatusTripped || st.Status == models.StatusStopped {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": st.Status,
		"time":   time.Now().UTC(),
	})
}

func (h *handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

func (h *handler) pause(c *gin.Context) {
	h.pauser.Pause()
	h.logger.Info("paused through control api")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *handler) resume(c *gin.Context) {
	if err := h.pauser.Resume(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("resumed through control api")
	c.JSON(http.StatusOK, gin.H{"paused": h.pauser.Paused()})
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("control api",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
