package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zsiec/mpipe/internal/tracing"
	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

const testTimeout = 30 * time.Millisecond

var testParams = ConnectionParams{Host: "127.0.0.1", Port: 10000, Token: "T"}

// fakeStream implements transport.ClientStream for testing.
type fakeStream struct {
	status    string
	statusErr error
	// statusDelay < 0 never answers.
	statusDelay time.Duration
	// ignoreCtx makes a delayed status ignore cancellation.
	ignoreCtx bool
	frames    chan media.Frame
	endErr    error

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
}

func readyStream() *fakeStream {
	return &fakeStream{status: transport.StatusReady, frames: make(chan media.Frame, 16), closeCh: make(chan struct{})}
}

func silentStream() *fakeStream {
	s := readyStream()
	s.statusDelay = -1
	return s
}

func (s *fakeStream) Status(ctx context.Context) (string, error) {
	switch {
	case s.statusDelay < 0:
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closeCh:
			return "", net.ErrClosed
		}
	case s.statusDelay > 0 && s.ignoreCtx:
		time.Sleep(s.statusDelay)
	case s.statusDelay > 0:
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.statusDelay):
		}
	}
	return s.status, s.statusErr
}

func (s *fakeStream) Recv() (media.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.endErr != nil {
				return media.Frame{}, s.endErr
			}
			return media.Frame{}, io.EOF
		}
		return f, nil
	case <-s.closeCh:
		return media.Frame{}, context.Canceled
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
	return nil
}

// fakeDialer hands out streams built by next for each attempt.
type fakeDialer struct {
	next func(attempt int) (*fakeStream, error)

	mu      sync.Mutex
	streams []*fakeStream
	addrs   []string
	tokens  []string
}

func (d *fakeDialer) Dial(_ context.Context, addr, token string) (transport.ClientStream, error) {
	d.mu.Lock()
	attempt := len(d.addrs) + 1
	d.addrs = append(d.addrs, addr)
	d.tokens = append(d.tokens, token)
	d.mu.Unlock()

	s, err := d.next(attempt)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// recorder collects client events.
type recorder struct {
	mu       sync.Mutex
	frames   []media.Frame
	ready    []string
	ended    int
	errs     []error
	timeouts []int
}

func (r *recorder) events() Events {
	return Events{
		FrameReceived: func(f media.Frame) {
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()
		},
		ReadySignalObserved: func(status string) {
			r.mu.Lock()
			r.ready = append(r.ready, status)
			r.mu.Unlock()
		},
		StreamEnded: func() {
			r.mu.Lock()
			r.ended++
			r.mu.Unlock()
		},
		TransportError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		HandshakeTimeout: func(attempt int) {
			r.mu.Lock()
			r.timeouts = append(r.timeouts, attempt)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready)
}

func (r *recorder) readyStatuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ready...)
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) timeoutAttempts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.timeouts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client run loop did not exit")
	}
}

func startClient(t *testing.T, d transport.Dialer, rec *recorder, cfg Config) *Client {
	t.Helper()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = testTimeout
	}
	c := New(cfg, d, rec.events())
	if err := c.Start(context.Background(), testParams); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestClientReadyAndFrames(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return readyStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	if rec.readyCount() != 1 || rec.ready[0] != "200" {
		t.Fatalf("ready events: got %v, want [200]", rec.ready)
	}
	if d.addrs[0] != "127.0.0.1:10000" || d.tokens[0] != "T" {
		t.Errorf("dial: got %s/%s", d.addrs[0], d.tokens[0])
	}

	s := d.stream(0)
	s.frames <- media.Frame{Type: "test-data", Meta: "test-meta", Payload: make([]byte, 4)}
	s.frames <- media.Frame{Type: "second"}
	waitFor(t, func() bool { return rec.frameCount() == 2 })
	if rec.frames[0].Type != "test-data" || rec.frames[1].Type != "second" {
		t.Errorf("frames: got %+v", rec.frames)
	}

	close(s.frames)
	waitDone(t, c)
	if rec.endedCount() != 1 {
		t.Errorf("StreamEnded events: got %d, want 1", rec.endedCount())
	}
	if c.State() != Idle {
		t.Errorf("State after end: got %v, want idle", c.State())
	}
	if c.Attempts() != 1 || d.dials() != 1 {
		t.Errorf("mid-stream end reconnected: attempts %d dials %d", c.Attempts(), d.dials())
	}
	if !s.closed.Load() {
		t.Error("ended stream was not closed")
	}
}

func TestClientHandshakeTimeoutRetries(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(attempt int) (*fakeStream, error) {
		if attempt < 3 {
			return silentStream(), nil
		}
		return readyStream(), nil
	}}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })

	if got := rec.timeoutAttempts(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("timeout attempts: got %v, want [1 2]", got)
	}
	if c.Attempts() != 3 {
		t.Errorf("Attempts: got %d, want 3", c.Attempts())
	}
	for i := range 2 {
		s := d.stream(i)
		waitFor(t, s.closed.Load)
	}
	if rec.readyCount() != 1 {
		t.Errorf("ready events: got %d, want 1", rec.readyCount())
	}
}

func TestClientNonReadyStatusIsNotReady(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(attempt int) (*fakeStream, error) {
		s := readyStream()
		if attempt == 1 {
			s.status = "503"
		}
		return s, nil
	}}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	if got := rec.readyStatuses(); len(got) != 2 || got[0] != "503" || got[1] != "200" {
		t.Errorf("ready events: got %v, want [503 200]", got)
	}
	if got := rec.timeoutAttempts(); len(got) != 1 {
		t.Errorf("timeouts: got %v, want one", got)
	}
	if !d.stream(0).closed.Load() {
		t.Error("non-ready stream was not closed")
	}
}

func TestClientDialErrorWaitsForTimer(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("connection refused")
	d := &fakeDialer{next: func(attempt int) (*fakeStream, error) {
		if attempt == 1 {
			return nil, dialErr
		}
		return readyStream(), nil
	}}
	rec := &recorder{}
	start := time.Now()
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	if elapsed := time.Since(start); elapsed < testTimeout {
		t.Errorf("retried after %v, before the handshake timeout", elapsed)
	}
	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], dialErr) {
		t.Errorf("transport errors: got %v, want wrapped dial error", errs)
	}
	if got := rec.timeoutAttempts(); len(got) != 1 || got[0] != 1 {
		t.Errorf("timeouts: got %v, want [1]", got)
	}
}

func TestClientLateReadyFromAbandonedAttempt(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(attempt int) (*fakeStream, error) {
		s := readyStream()
		if attempt == 1 {
			s.statusDelay = 3 * testTimeout
			s.ignoreCtx = true
		}
		return s, nil
	}}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	late := d.stream(0)
	waitFor(t, late.closed.Load)

	if rec.readyCount() != 1 {
		t.Errorf("ready events: got %d, want 1", rec.readyCount())
	}
	if c.Attempts() != 2 {
		t.Errorf("Attempts: got %d, want 2", c.Attempts())
	}
}

func TestClientStopWhileAwaitingReady(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return silentStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{HandshakeTimeout: time.Hour})

	waitFor(t, func() bool { return c.State() == AwaitingReady })
	c.Stop()
	waitDone(t, c)

	if c.State() != Idle {
		t.Errorf("State: got %v, want idle", c.State())
	}
	waitFor(t, d.stream(0).closed.Load)
	if n := len(rec.timeoutAttempts()); n != 0 {
		t.Errorf("timeouts after Stop: got %d, want 0", n)
	}
	if d.dials() != 1 {
		t.Errorf("dials: got %d, want 1", d.dials())
	}
}

func TestClientStopWhileRetrying(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return silentStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{Retry: BackoffRetry{Initial: time.Hour}})

	waitFor(t, func() bool { return c.State() == Retrying })
	c.Stop()
	waitDone(t, c)
	if c.State() != Idle || d.dials() != 1 {
		t.Errorf("after Stop: state %v dials %d", c.State(), d.dials())
	}
}

func TestClientStopWhileReady(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return readyStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	c.Stop()
	c.Stop()
	waitDone(t, c)

	if !d.stream(0).closed.Load() {
		t.Error("Stop did not close the active stream")
	}
	if rec.endedCount() != 0 || len(rec.errors()) != 0 {
		t.Errorf("events after Stop: ended %d errors %v", rec.endedCount(), rec.errors())
	}
	if c.State() != Idle {
		t.Errorf("State: got %v, want idle", c.State())
	}
}

func TestClientStopWhenIdle(t *testing.T) {
	t.Parallel()

	c := New(Config{}, &fakeDialer{}, Events{})
	c.Stop()
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed on an idle client")
	}
	if c.State() != Idle {
		t.Errorf("State: got %v, want idle", c.State())
	}
}

func TestClientMidStreamErrorDoesNotReconnect(t *testing.T) {
	t.Parallel()

	streamErr := errors.New("connection reset")
	d := &fakeDialer{next: func(int) (*fakeStream, error) {
		s := readyStream()
		s.endErr = streamErr
		return s, nil
	}}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})

	waitFor(t, func() bool { return c.State() == Ready })
	close(d.stream(0).frames)
	waitDone(t, c)

	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], streamErr) {
		t.Errorf("transport errors: got %v, want [%v]", errs, streamErr)
	}
	if rec.endedCount() != 0 {
		t.Errorf("StreamEnded: got %d, want 0", rec.endedCount())
	}
	if d.dials() != 1 {
		t.Errorf("dials: got %d, want 1", d.dials())
	}
}

func TestClientRetriesExhausted(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return silentStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{Retry: BackoffRetry{MaxAttempts: 2}})

	waitDone(t, c)
	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrRetriesExhausted) {
		t.Fatalf("transport errors: got %v, want ErrRetriesExhausted", errs)
	}
	if c.Attempts() != 2 {
		t.Errorf("Attempts: got %d, want 2", c.Attempts())
	}
	if c.State() != Idle {
		t.Errorf("State: got %v, want idle", c.State())
	}
}

func TestClientStartErrors(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return silentStream(), nil }}
	c := New(Config{HandshakeTimeout: time.Hour}, d, Events{})
	defer c.Stop()

	for _, p := range []ConnectionParams{
		{Port: 10000, Token: "T"},
		{Host: "localhost", Token: "T"},
		{Host: "localhost", Port: 65536},
	} {
		if err := c.Start(context.Background(), p); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("Start(%+v): got %v, want ErrInvalidParams", p, err)
		}
	}

	if err := c.Start(context.Background(), testParams); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), testParams); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: got %v, want ErrAlreadyStarted", err)
	}
}

func TestClientRestartAfterStop(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return readyStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{})
	waitFor(t, func() bool { return c.State() == Ready })
	c.Stop()
	waitDone(t, c)

	if err := c.Start(context.Background(), testParams); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return c.State() == Ready })
	if rec.readyCount() != 2 {
		t.Errorf("ready events: got %d, want 2", rec.readyCount())
	}
	if c.Attempts() != 1 {
		t.Errorf("Attempts after restart: got %d, want 1", c.Attempts())
	}
}

func TestClientTracingSpan(t *testing.T) {
	t.Parallel()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	d := &fakeDialer{next: func(int) (*fakeStream, error) { return readyStream(), nil }}
	rec := &recorder{}
	c := startClient(t, d, rec, Config{TracerProvider: tp})
	waitFor(t, func() bool { return c.State() == Ready })
	waitFor(t, func() bool { return len(spans.Ended()) == 1 })

	span := spans.Ended()[0]
	if span.Name() != tracing.SpanClientStart {
		t.Errorf("span name: got %q, want %q", span.Name(), tracing.SpanClientStart)
	}
	labels := map[string]string{}
	for _, kv := range span.Attributes() {
		labels[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		tracing.LabelHost:         "127.0.0.1",
		tracing.LabelPort:         "10000",
		tracing.LabelToken:        "T",
		tracing.LabelStatus:       "200",
		tracing.LabelStreamStatus: "200",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s: got %q, want %q", k, labels[k], v)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		Idle:          "idle",
		Connecting:    "connecting",
		AwaitingReady: "awaiting-ready",
		Ready:         "ready",
		Retrying:      "retrying",
		State(99):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
