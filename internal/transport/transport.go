// Package transport defines the seam between the broker and client logic and
// the concrete wire protocols that carry a subscription (gRPC and QUIC).
//
// A subscription is a single long-lived stream from broker to subscriber. The
// subscriber opens it by presenting a token; the broker answers with a status
// on a side channel (gRPC response metadata, or a leading status message on
// transports without one) and then pushes frames until either side closes.
package transport

import (
	"context"
	"errors"

	"github.com/zsiec/mpipe/media"
)

// StatusKey is the side-channel key that carries the handshake status.
// gRPC metadata keys are lower case on the wire.
const StatusKey = "mpipe_stream_status"

// StatusReady is the only status value that completes a handshake.
const StatusReady = "200"

// ErrUnauthenticated is returned to a subscriber whose token was rejected.
var ErrUnauthenticated = errors.New("transport: invalid token")

// Subscription is the broker's handle on one accepted subscriber stream.
// Send and SendReady are not safe for concurrent use; callers serialize them.
type Subscription interface {
	// Token is the token presented in the subscriber's initial request.
	Token() string
	RemoteAddr() string
	// SendReady emits the ready status on the side channel.
	SendReady() error
	Send(f media.Frame) error
	// Done is closed when the remote side cancels the stream or Close is called.
	Done() <-chan struct{}
	// Close ends the stream from the broker side. It is idempotent.
	Close()
}

// AcceptFunc is invoked for every inbound subscription. Returning false
// rejects it; the transport then closes the stream as unauthenticated.
type AcceptFunc func(Subscription) bool

// Server accepts subscriptions on a listening endpoint.
type Server interface {
	// Listen binds the endpoint. A bind failure is returned immediately.
	Listen(addr string) error
	// Serve blocks handling subscriptions until ctx is cancelled or Stop is
	// called. It returns nil on a clean shutdown.
	Serve(ctx context.Context, accept AcceptFunc) error
	// Stop force-closes the endpoint and every open stream.
	Stop()
	// Addr returns the bound address, or "" before Listen.
	Addr() string
}

// ClientStream is the subscriber side of one subscription attempt.
type ClientStream interface {
	// Status blocks until the side-channel status arrives or ctx is done.
	Status(ctx context.Context) (string, error)
	// Recv returns the next frame. io.EOF signals a clean end of stream.
	Recv() (media.Frame, error)
	// Close cancels the stream and releases the underlying connection.
	Close() error
}

// Dialer opens subscription attempts to a broker.
type Dialer interface {
	Dial(ctx context.Context, addr, token string) (ClientStream, error)
}
