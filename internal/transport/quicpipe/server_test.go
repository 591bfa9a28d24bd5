package quicpipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zsiec/mpipe/internal/certs"
	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

func startServer(t *testing.T, accept transport.AcceptFunc) (*Server, <-chan error) {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cert.TLSCert, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), accept) }()
	t.Cleanup(srv.Stop)
	return srv, errCh
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubscriptionRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	accepted := make(chan transport.Subscription, 1)
	srv, _ := startServer(t, func(sub transport.Subscription) bool {
		if err := sub.SendReady(); err != nil {
			return false
		}
		accepted <- sub
		return true
	})

	cs, err := NewDialer(nil).Dial(ctx, srv.Addr(), "T")
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	code, err := cs.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if code != transport.StatusReady {
		t.Fatalf("Status: got %q, want %q", code, transport.StatusReady)
	}

	sub := <-accepted
	if sub.Token() != "T" {
		t.Errorf("Token: got %q, want %q", sub.Token(), "T")
	}

	want := media.Frame{Type: "test-data", Meta: "test-meta", Payload: make([]byte, 4)}
	if err := sub.Send(want); err != nil {
		t.Fatal(err)
	}
	got, err := cs.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != want.Type || got.Meta != want.Meta || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Recv: got %+v, want %+v", got, want)
	}

	sub.Close()
	if _, err := cs.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after broker close: got %v, want io.EOF", err)
	}
}

func TestSubscriptionRejected(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	srv, _ := startServer(t, func(transport.Subscription) bool { return false })

	cs, err := NewDialer(nil).Dial(ctx, srv.Addr(), "wrong")
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	if _, err := cs.Status(ctx); !errors.Is(err, transport.ErrUnauthenticated) {
		t.Fatalf("Status: got %v, want ErrUnauthenticated", err)
	}
}

func TestSubscriptionClientCancel(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	accepted := make(chan transport.Subscription, 1)
	srv, _ := startServer(t, func(sub transport.Subscription) bool {
		sub.SendReady()
		accepted <- sub
		return true
	})

	cs, err := NewDialer(nil).Dial(ctx, srv.Addr(), "T")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Status(ctx); err != nil {
		t.Fatal(err)
	}
	sub := <-accepted

	cs.Close()
	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("subscription not done after client cancel")
	}
}

func TestSendConcurrentWithClose(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	accepted := make(chan transport.Subscription, 1)
	srv, _ := startServer(t, func(sub transport.Subscription) bool {
		if err := sub.SendReady(); err != nil {
			return false
		}
		accepted <- sub
		return true
	})

	cs, err := NewDialer(nil).Dial(ctx, srv.Addr(), "T")
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	if _, err := cs.Status(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			if _, err := cs.Recv(); err != nil {
				return
			}
		}
	}()
	sub := <-accepted

	sendErr := make(chan error, 1)
	go func() {
		f := media.Frame{Type: "rtp", Payload: make([]byte, 1200)}
		for {
			if err := sub.Send(f); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-sendErr:
	case <-ctx.Done():
		t.Fatal("sender still running after Close")
	}
	if err := sub.Send(media.Frame{}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after Close: got %v, want net.ErrClosed", err)
	}
	if err := sub.SendReady(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("SendReady after Close: got %v, want net.ErrClosed", err)
	}
}

func TestStatusHonoursContext(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	release := make(chan struct{})
	srv, _ := startServer(t, func(transport.Subscription) bool {
		<-release
		return false
	})
	defer close(release)

	cs, err := NewDialer(nil).Dial(ctx, srv.Addr(), "T")
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := cs.Status(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Status: got %v, want context.DeadlineExceeded", err)
	}
}

func TestServerStop(t *testing.T) {
	t.Parallel()

	srv, errCh := startServer(t, func(transport.Subscription) bool { return true })
	srv.Stop()
	srv.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestDialerSetsALPN(t *testing.T) {
	t.Parallel()

	d := NewDialer(nil)
	if len(d.tlsConf.NextProtos) != 1 || d.tlsConf.NextProtos[0] != ALPN {
		t.Errorf("NextProtos: got %v, want [%s]", d.tlsConf.NextProtos, ALPN)
	}
	if !d.tlsConf.InsecureSkipVerify {
		t.Error("nil TLS config should skip verification")
	}
}
