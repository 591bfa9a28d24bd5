// Package rtp receives RTP over UDP and forwards each valid packet to the
// broker unchanged, one packet per frame.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/zsiec/mpipe/internal/demux"
	"github.com/zsiec/mpipe/internal/ingest"
	"github.com/zsiec/mpipe/media"
)

// FrameType labels frames produced by this ingest.
const FrameType = media.TypeRTP

// SourceKey is the ingest registry key of the RTP listener.
const SourceKey = "rtp"

// maxDatagramSize fits any UDP payload.
const maxDatagramSize = 64 * 1024

var errBadVersion = errors.New("rtp: unsupported version")

// Server reads RTP datagrams from a UDP socket.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry

	mu   sync.Mutex
	conn net.PacketConn
}

// NewServer creates an RTP server on addr that forwards through registry.
// If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "rtp-ingest"),
		addr:     addr,
		registry: registry,
	}
}

// Listen binds the UDP socket.
func (s *Server) Listen() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("RTP listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("listening", "addr", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// Start binds the socket and forwards packets until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve forwards packets from a bound socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("rtp: Serve called before Listen")
	}

	src, err := s.registry.Register(SourceKey, ingest.FormatRTP)
	if err != nil {
		conn.Close()
		return err
	}
	defer s.registry.Unregister(SourceKey)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seen := make(map[uint32]bool)
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rtp read: %w", err)
		}
		src.SetRemoteAddr(from.String())
		s.handle(src, buf[:n], seen)
	}
}

func (s *Server) handle(src *ingest.Source, datagram []byte, seen map[uint32]bool) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		src.RecordError()
		s.log.Debug("dropping malformed packet", "bytes", len(datagram), "error", err)
		return
	}
	if pkt.Version != 2 {
		src.RecordError()
		s.log.Debug("dropping packet", "version", pkt.Version, "error", errBadVersion)
		return
	}

	if demux.IsKeyframeNAL(pkt.Payload) {
		src.RecordKeyframe()
		if !seen[pkt.SSRC] {
			seen[pkt.SSRC] = true
			s.log.Info("first keyframe", "ssrc", fmt.Sprintf("%08x", pkt.SSRC), "seq", pkt.SequenceNumber)
		}
	}

	src.Forward(FrameType, fmt.Sprintf("ssrc=%08x", pkt.SSRC), datagram)
}

// Close releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
