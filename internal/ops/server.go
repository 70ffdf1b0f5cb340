package ops

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bidaskflow/config"
	"bidaskflow/internal/channel"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
	"bidaskflow/reader/figure"
)

// Streamer is what the ops surface needs from the connection manager.
type Streamer interface {
	State() figure.State
	Liveness() models.LivenessRecord
	ForceReconnect(reason string) bool
}

// Server hosts the operational HTTP endpoints: counter snapshots, a
// liveness probe, a prometheus scrape target and the reconnect/shutdown
// controls.
type Server struct {
	cfg       config.OpsConfig
	collector *metrics.Collector
	channels  *channel.Channels
	streamer  Streamer
	shutdown  func()
	log       *logger.Log

	httpServer *http.Server
}

// NewServer returns nil when the ops endpoint is disabled; Run on a nil
// server is a no-op.
func NewServer(cfg config.OpsConfig, collector *metrics.Collector, channels *channel.Channels, streamer Streamer, shutdown func()) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Addr = normalizeAddr(cfg.Addr)

	return &Server{
		cfg:       cfg,
		collector: collector,
		channels:  channels,
		streamer:  streamer,
		shutdown:  shutdown,
		log:       logger.GetLogger(),
	}
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	s.log.WithComponent("ops").WithFields(logger.Fields{
		"addr": s.cfg.Addr,
	}).Info("starting ops server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("ops").Info("ops server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Addr reports the address the server listens on.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/health", s.handleHealth)
	router.POST("/api/reconnect", s.handleReconnect)
	router.POST("/api/shutdown", s.handleShutdown)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{})))

	return router, nil
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": s.collector.Snapshot(),
		"queue": gin.H{
			"depth": s.channels.RecordDepth(),
			"stats": s.channels.GetStats(),
		},
	})
}

// handleHealth answers 200 only while the stream is live, so the route
// doubles as a load balancer target.
func (s *Server) handleHealth(c *gin.Context) {
	state := s.streamer.State()
	rec := s.streamer.Liveness()

	resp := gin.H{
		"state":     string(state),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !rec.LastFrameAt.IsZero() {
		resp["last_frame_age_seconds"] = time.Since(rec.LastFrameAt).Seconds()
		resp["last_keepalive_age_seconds"] = time.Since(rec.LastKeepaliveAt).Seconds()
		resp["heartbeat_misses"] = rec.HeartbeatMisses
	}

	status := http.StatusOK
	if state != figure.StateStreaming {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) handleReconnect(c *gin.Context) {
	queued := s.streamer.ForceReconnect("operator request")
	s.log.WithComponent("ops").WithFields(logger.Fields{
		"queued": queued,
		"remote": c.ClientIP(),
	}).Warn("reconnect requested over ops endpoint")
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.log.WithComponent("ops").WithFields(logger.Fields{
		"remote": c.ClientIP(),
	}).Warn("shutdown requested over ops endpoint")
	if s.shutdown != nil {
		go s.shutdown()
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "shutdown requested"})
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	return addr
}
