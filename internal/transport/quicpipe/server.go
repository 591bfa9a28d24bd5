// Package quicpipe carries subscriptions over QUIC. Each subscriber opens one
// bidirectional stream, writes a REQUEST message with its token, and the
// broker answers with a STATUS message followed by FRAME messages (see
// package wire).
package quicpipe

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/internal/wire"
	"github.com/zsiec/mpipe/media"
)

// ALPN is the TLS application protocol negotiated by both sides.
const ALPN = "mpipe"

// Application error codes sent with CloseWithError.
const (
	errCodeNone            quic.ApplicationErrorCode = 0
	errCodeUnauthenticated quic.ApplicationErrorCode = 1
	errCodeProtocol        quic.ApplicationErrorCode = 2
	errCodeShutdown        quic.ApplicationErrorCode = 3
)

// requestTimeout bounds how long a new connection may take to open its
// stream and send the token.
const requestTimeout = 5 * time.Second

// sendTimeout bounds a single message write, so a stalled peer cannot hold
// the stream lock that Close waits on.
const sendTimeout = 5 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Server is a transport.Server backed by quic-go.
type Server struct {
	log     *slog.Logger
	tlsConf *tls.Config

	mu      sync.Mutex
	ln      *quic.Listener
	conns   map[quic.Connection]struct{}
	stopped bool
}

var _ transport.Server = (*Server)(nil)

// NewServer creates a QUIC subscription server presenting cert. If log is
// nil, slog.Default() is used.
func NewServer(cert tls.Certificate, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With("component", "quic-transport"),
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
		},
		conns: make(map[quic.Connection]struct{}),
	}
}

// Listen binds a UDP socket on addr.
func (s *Server) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, s.tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, accept transport.AcceptFunc) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("quicpipe: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isStopped() {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		if !s.track(conn) {
			conn.CloseWithError(errCodeShutdown, "server stopped")
			return nil
		}
		go s.handleConn(ctx, conn, accept)
	}
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	conns := s.conns
	s.conns = make(map[quic.Connection]struct{})
	s.mu.Unlock()

	for conn := range conns {
		conn.CloseWithError(errCodeShutdown, "server stopped")
	}
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) track(conn quic.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn quic.Connection) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection, accept transport.AcceptFunc) {
	defer s.untrack(conn)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(reqCtx)
	if err != nil {
		s.log.Debug("accept stream failed", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(errCodeProtocol, "no stream")
		return
	}

	br := bufio.NewReader(stream)
	token, err := readRequest(reqCtx, stream, br)
	if err != nil {
		s.log.Debug("read request failed", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(errCodeProtocol, "bad request")
		return
	}

	sub := newSubscription(conn, stream, token)
	if !accept(sub) {
		conn.CloseWithError(errCodeUnauthenticated, transport.ErrUnauthenticated.Error())
		return
	}

	// Reading past the request detects a peer that cancels its side.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := br.Read(buf); err != nil {
				sub.Close()
				return
			}
		}
	}()

	select {
	case <-sub.Done():
	case <-conn.Context().Done():
		sub.Close()
	}
}

func readRequest(ctx context.Context, stream quic.Stream, br *bufio.Reader) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
		defer stream.SetReadDeadline(time.Time{})
	}
	typ, payload, err := wire.ReadMsg(br)
	if err != nil {
		return "", err
	}
	if typ != wire.MsgRequest {
		return "", fmt.Errorf("message type %#x: %w", typ, wire.ErrUnexpectedType)
	}
	return wire.ParseRequest(payload)
}

// subscription adapts one QUIC stream to transport.Subscription.
type subscription struct {
	conn   quic.Connection
	stream quic.Stream
	token  string

	// mu serializes writes with closing the stream; quic-go forbids Write
	// concurrently with Close.
	mu     sync.Mutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(conn quic.Connection, stream quic.Stream, token string) *subscription {
	return &subscription{
		conn:   conn,
		stream: stream,
		token:  token,
		done:   make(chan struct{}),
	}
}

func (s *subscription) Token() string { return s.token }

func (s *subscription) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *subscription) SendReady() error {
	return s.write(wire.MsgStatus, wire.SerializeStatus(transport.StatusReady))
}

func (s *subscription) Send(f media.Frame) error {
	return s.write(wire.MsgFrame, wire.SerializeFrame(f))
}

func (s *subscription) write(typ uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.stream.SetWriteDeadline(time.Now().Add(sendTimeout))
	return wire.WriteMsg(s.stream, typ, payload)
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Close finishes the stream with a FIN so the subscriber reads a clean end
// of stream, then releases the connection once the peer has gone.
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		s.stream.Close()
		s.mu.Unlock()

		go func() {
			select {
			case <-s.conn.Context().Done():
			case <-time.After(requestTimeout):
				s.conn.CloseWithError(errCodeNone, "stream closed")
			}
		}()
	})
}
