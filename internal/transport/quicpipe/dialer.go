package quicpipe

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/internal/wire"
	"github.com/zsiec/mpipe/media"
)

// Dialer opens subscription streams over QUIC. Each Dial uses a new
// connection so an abandoned attempt cannot affect the next one.
type Dialer struct {
	tlsConf *tls.Config
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer. A nil tlsConf skips certificate verification,
// which suits brokers presenting a generated self-signed certificate.
func NewDialer(tlsConf *tls.Config) *Dialer {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}
	return &Dialer{tlsConf: tlsConf}
}

// Dial connects to addr, opens the subscription stream and sends the token.
func (d *Dialer) Dial(ctx context.Context, addr, token string) (transport.ClientStream, error) {
	conn, err := quic.DialAddr(ctx, addr, d.tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(errCodeNone, "")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := wire.WriteMsg(stream, wire.MsgRequest, wire.SerializeRequest(token)); err != nil {
		conn.CloseWithError(errCodeNone, "")
		return nil, fmt.Errorf("send token: %w", err)
	}

	return &clientStream{conn: conn, stream: stream, br: bufio.NewReader(stream)}, nil
}

type clientStream struct {
	conn   quic.Connection
	stream quic.Stream
	br     *bufio.Reader
}

// Status reads the leading STATUS message.
func (c *clientStream) Status(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { c.stream.CancelRead(0) })
	defer stop()

	typ, payload, err := wire.ReadMsg(c.br)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", mapError(err)
	}
	if typ != wire.MsgStatus {
		return "", fmt.Errorf("message type %#x: %w", typ, wire.ErrUnexpectedType)
	}
	return wire.ParseStatus(payload)
}

func (c *clientStream) Recv() (media.Frame, error) {
	for {
		typ, payload, err := wire.ReadMsg(c.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return media.Frame{}, io.EOF
			}
			return media.Frame{}, mapError(err)
		}
		switch typ {
		case wire.MsgFrame:
			return wire.ParseFrame(payload)
		case wire.MsgStatus:
			// A repeated status carries no frame.
			continue
		default:
			return media.Frame{}, fmt.Errorf("message type %#x: %w", typ, wire.ErrUnexpectedType)
		}
	}
}

func (c *clientStream) Close() error {
	c.stream.CancelRead(0)
	c.stream.CancelWrite(0)
	return c.conn.CloseWithError(errCodeNone, "")
}

// mapError turns a broker-side authentication close into ErrUnauthenticated.
func mapError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == errCodeUnauthenticated {
		return fmt.Errorf("%w: %v", transport.ErrUnauthenticated, err)
	}
	return err
}
