package grpcpipe

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

// Dialer opens mediaPipeline streams. Every Dial creates a fresh client
// connection so a failed attempt can be discarded without affecting the next.
type Dialer struct {
	opts []grpc.DialOption
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer using insecure credentials plus any extra options.
func NewDialer(opts ...grpc.DialOption) *Dialer {
	return &Dialer{opts: opts}
}

// Dial connects to addr, opens the stream and sends the token request.
func (d *Dialer) Dial(ctx context.Context, addr, token string) (transport.ClientStream, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}, d.opts...)

	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], fullMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("open %s: %w", methodName, err)
	}
	if err := cs.SendMsg(&request{token: token}); err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("send token: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("close send: %w", err)
	}

	return &clientStream{cc: cc, cs: cs, cancel: cancel}, nil
}

type clientStream struct {
	cc     *grpc.ClientConn
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

// Status waits for the response header and returns its status value. A
// stream that terminates without headers (for example a rejected token)
// returns the terminal RPC status as the error.
func (c *clientStream) Status(ctx context.Context) (string, error) {
	type result struct {
		md  metadata.MD
		err error
	}
	ch := make(chan result, 1)
	go func() {
		md, err := c.cs.Header()
		ch <- result{md, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", res.err
	}
	if res.md == nil {
		if err := c.cs.RecvMsg(new(frameMsg)); err != nil {
			return "", err
		}
		return "", fmt.Errorf("grpcpipe: stream has no header")
	}
	if vals := res.md.Get(transport.StatusKey); len(vals) == 1 {
		return vals[0], nil
	}
	return "", nil
}

func (c *clientStream) Recv() (media.Frame, error) {
	m := new(frameMsg)
	if err := c.cs.RecvMsg(m); err != nil {
		return media.Frame{}, err
	}
	return m.frame(), nil
}

func (c *clientStream) Close() error {
	c.cancel()
	return c.cc.Close()
}
