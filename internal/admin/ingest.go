package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/mpipe/internal/ingest"
	"github.com/zsiec/mpipe/internal/ingest/srt"
)

// IngestLister reports the active ingest sources.
type IngestLister interface {
	List() []ingest.Stats
}

// SRTPuller starts and stops SRT caller-mode pulls. Pulls outlive the
// request that created them, so the implementation owns their context.
type SRTPuller interface {
	Pull(req srt.PullRequest) error
	Stop(streamKey string) error
	ActivePulls() []srt.PullRequest
}

func (s *Server) handleIngest(c *gin.Context) {
	sources := []ingest.Stats{}
	if s.cfg.Ingest != nil {
		sources = s.cfg.Ingest.List()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(sources),
		"sources": sources,
	})
}

// SECURITY: the pull endpoint dials arbitrary addresses. Bind the admin API
// to a trusted network.
func (s *Server) handleSRTPullList(c *gin.Context) {
	if s.cfg.SRTPull == nil {
		c.JSON(http.StatusOK, []srt.PullRequest{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.SRTPull.ActivePulls())
}

func (s *Server) handleSRTPullCreate(c *gin.Context) {
	if s.cfg.SRTPull == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "SRT pull not configured"})
		return
	}
	var req srt.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address and streamKey are required"})
		return
	}
	if err := s.cfg.SRTPull.Pull(req); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(c *gin.Context) {
	if s.cfg.SRTPull == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "SRT pull not configured"})
		return
	}
	key := c.Param("key")
	if err := s.cfg.SRTPull.Stop(key); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "streamKey": key})
}
