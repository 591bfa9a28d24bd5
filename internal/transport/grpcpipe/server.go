// Package grpcpipe carries subscriptions over the mpipeStream gRPC service:
// a single server-streaming method, mediaPipeline, whose request holds the
// subscriber token and whose responses are media frames. The ready status
// travels as response header metadata.
package grpcpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

const (
	serviceName = "mpipeStream.Interface"
	methodName  = "mediaPipeline"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// pipelineService is the handler type checked by grpc.Server.RegisterService.
type pipelineService interface {
	mediaPipeline(req *request, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*pipelineService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       mediaPipelineHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mpipe-stream.proto",
}

func mediaPipelineHandler(srv any, stream grpc.ServerStream) error {
	req := new(request)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(pipelineService).mediaPipeline(req, stream)
}

// Server is a transport.Server backed by grpc-go.
type Server struct {
	log *slog.Logger
	srv *grpc.Server

	mu     sync.Mutex
	lis    net.Listener
	accept transport.AcceptFunc
}

var _ transport.Server = (*Server)(nil)

// NewServer creates a gRPC subscription server. Extra options are appended
// to the defaults. If log is nil, slog.Default() is used.
func NewServer(log *slog.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log.With("component", "grpc-transport")}
	s.srv = grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(codec{})}, opts...)...)
	s.srv.RegisterService(&serviceDesc, s)
	return s
}

// Listen binds a TCP listener on addr.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Serve handles subscriptions until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, accept transport.AcceptFunc) error {
	s.mu.Lock()
	lis := s.lis
	s.accept = accept
	s.mu.Unlock()
	if lis == nil {
		return errors.New("grpcpipe: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, s.srv.Stop)
	defer stop()

	err := s.srv.Serve(lis)
	if ctx.Err() != nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop closes the listener and every open stream immediately.
func (s *Server) Stop() {
	s.srv.Stop()
}

func (s *Server) mediaPipeline(req *request, stream grpc.ServerStream) error {
	s.mu.Lock()
	accept := s.accept
	s.mu.Unlock()

	sub := newSubscription(req.token, stream)
	defer sub.stopWatch()
	// The stream is invalid once the handler returns.
	defer sub.release()

	if accept == nil || !accept(sub) {
		sub.Close()
		return status.Error(codes.Unauthenticated, transport.ErrUnauthenticated.Error())
	}

	<-sub.Done()
	return nil
}

// subscription adapts a grpc.ServerStream to transport.Subscription.
type subscription struct {
	token  string
	remote string
	stream grpc.ServerStream

	// mu serializes sends with the handler returning; grpc-go forbids
	// SendMsg after the handler has exited.
	mu       sync.Mutex
	released bool

	done      chan struct{}
	closeOnce sync.Once
	stopWatch func() bool
}

func newSubscription(token string, stream grpc.ServerStream) *subscription {
	sub := &subscription{
		token:  token,
		stream: stream,
		done:   make(chan struct{}),
	}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		sub.remote = p.Addr.String()
	}
	sub.stopWatch = context.AfterFunc(stream.Context(), sub.Close)
	return sub
}

func (s *subscription) Token() string      { return s.token }
func (s *subscription) RemoteAddr() string { return s.remote }

func (s *subscription) SendReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return net.ErrClosed
	}
	return s.stream.SendHeader(metadata.Pairs(transport.StatusKey, transport.StatusReady))
}

// Send stamps the subscriber's token on the frame, which the broker has
// already verified to be its own.
func (s *subscription) Send(f media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return net.ErrClosed
	}
	return s.stream.SendMsg(newFrameMsg(s.token, f))
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// isClosed must be called with mu held.
func (s *subscription) isClosed() bool {
	if s.released {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// release waits for any in-flight send and rejects later ones.
func (s *subscription) release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}
