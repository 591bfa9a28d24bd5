// Package admin serves the HTTP admin API: liveness, broker and ingest
// status, SRT pull control and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/mpipe/internal/distribution"
	"github.com/zsiec/mpipe/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Broker is the view of the broker the admin API reports on.
type Broker interface {
	Addr() string
	SubscriberCount() int
	Subscribers() []distribution.SubscriberInfo
}

// Config configures a Server.
type Config struct {
	Addr      string
	Transport string
	// CertFingerprint is the base64 SHA-256 of the QUIC certificate, if any.
	CertFingerprint string
	// Ingest and SRTPull are optional.
	Ingest  IngestLister
	SRTPull SRTPuller
	Log     *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	broker  Broker
	router  *gin.Engine
	started time.Time
}

type statusResponse struct {
	Addr        string `json:"addr"`
	Transport   string `json:"transport"`
	Subscribers int    `json:"subscribers"`
	Uptime      string `json:"uptime"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
}

// New creates the admin server and registers the metrics collectors.
func New(cfg Config, broker Broker) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics.Register()

	s := &Server{
		cfg:     cfg,
		log:     log.With("component", "admin"),
		broker:  broker,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.log))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/subscribers", s.handleSubscribers)
		api.GET("/cert-hash", s.handleCertHash)
		api.GET("/ingest", s.handleIngest)
		api.GET("/srt-pull", s.handleSRTPullList)
		api.POST("/srt-pull", s.handleSRTPullCreate)
		api.DELETE("/srt-pull/:key", s.handleSRTPullStop)
	}

	s.router = router
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the admin API and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("admin API listening", "addr", s.cfg.Addr)
	err := srv.ListenAndServe()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Addr:        s.broker.Addr(),
		Transport:   s.cfg.Transport,
		Subscribers: s.broker.SubscriberCount(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleSubscribers(c *gin.Context) {
	subs := s.broker.Subscribers()
	if subs == nil {
		subs = []distribution.SubscriberInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(subs),
		"subscribers": subs,
	})
}

func (s *Server) handleCertHash(c *gin.Context) {
	if s.cfg.CertFingerprint == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "transport has no certificate"})
		return
	}
	c.JSON(http.StatusOK, certHashResponse{Hash: s.cfg.CertFingerprint})
}
