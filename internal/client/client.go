// Package client subscribes to a broker and surfaces the relayed frames as
// events. A handshake that does not complete within the handshake timeout is
// abandoned and retried; a stream that ends after becoming ready is reported
// and not reconnected.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zsiec/mpipe/internal/metrics"
	"github.com/zsiec/mpipe/internal/tracing"
	"github.com/zsiec/mpipe/internal/transport"
)

// DefaultHandshakeTimeout bounds the wait for the ready status.
const DefaultHandshakeTimeout = 250 * time.Millisecond

// Config configures a Client.
type Config struct {
	HandshakeTimeout time.Duration
	// Retry defaults to ImmediateRetry.
	Retry RetryPolicy

	Log            *slog.Logger
	TracerProvider trace.TracerProvider
}

// Client is a single subscription to a broker.
type Client struct {
	cfg    Config
	dialer transport.Dialer
	events Events
	log    *slog.Logger
	tracer trace.Tracer

	ctrl controller

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle client that dials through dialer.
func New(cfg Config, dialer transport.Dialer, events Events) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = ImmediateRetry{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		events: events,
		log:    log.With("component", "client"),
		tracer: tracing.Tracer(cfg.TracerProvider),
		done:   done,
	}
}

// Start begins connecting to the broker in the background. It returns an
// error only for invalid params or when the client is already running.
// Cancelling ctx has the same effect as Stop.
func (c *Client) Start(ctx context.Context, params ConnectionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.ctrl.reset()

	_, span := tracing.Start(ctx, c.tracer, tracing.SpanClientStart,
		tracing.Endpoint(params.Host, params.Port, params.Token)...)

	go func() {
		defer close(done)
		defer cancel()
		c.run(runCtx, params, span)
	}()
	return nil
}

// Stop cancels the active or pending connection. No events are delivered
// for it afterwards. Stop does not wait; use Done for that. It is a no-op
// on an idle client.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	c.ctrl.stop()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the run loop started by the last Start has exited.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// State returns the current connection state.
func (c *Client) State() State {
	s, _ := c.ctrl.snapshot()
	return s
}

// Attempts returns the number of connection attempts since the last Start.
func (c *Client) Attempts() int {
	_, n := c.ctrl.snapshot()
	return n
}

func (c *Client) run(ctx context.Context, params ConnectionParams, span *tracing.Span) {
	defer span.End()

	addr := params.Addr()
	for attempt := 1; ; attempt++ {
		gen, ok := c.ctrl.begin()
		if !ok {
			return
		}

		cs, status, release := c.handshake(ctx, gen, attempt, addr, params.Token)
		if cs != nil {
			span.Label(tracing.LabelStreamStatus, status)
			span.Succeed()
			span.End()
			c.receive(ctx, gen, cs, status, release)
			c.ctrl.finish(gen)
			return
		}
		if ctx.Err() != nil {
			c.ctrl.finish(gen)
			return
		}

		delay, ok := c.cfg.Retry.Next(attempt)
		if !ok {
			err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
			span.Fail(err)
			c.log.Warn("giving up on broker", "addr", addr, "attempts", attempt)
			if c.ctrl.current(gen) {
				c.events.transportError(err)
			}
			c.ctrl.finish(gen)
			return
		}
		if !c.ctrl.transition(gen, Retrying) {
			return
		}
		metrics.HandshakeRetry()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				c.ctrl.finish(gen)
				return
			case <-t.C:
			}
		}
	}
}

type handshakeResult struct {
	cs     transport.ClientStream
	status string
	err    error
}

// handshake dials addr and waits for the ready status or the handshake
// timeout, whichever comes first. Dial and status errors are reported but do
// not end the attempt early; only the timer does. On success it returns the
// ready stream and a release func that cancels the attempt context.
func (c *Client) handshake(ctx context.Context, gen uint64, attempt int, addr, token string) (transport.ClientStream, string, context.CancelFunc) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	results := make(chan handshakeResult, 1)
	go func() {
		cs, err := c.dialer.Dial(attemptCtx, addr, token)
		if err != nil {
			results <- handshakeResult{err: err}
			return
		}
		c.ctrl.transition(gen, AwaitingReady)
		status, err := cs.Status(attemptCtx)
		results <- handshakeResult{cs: cs, status: status, err: err}
	}()

	pending := results
	abandon := func() {
		cancel()
		if pending != nil {
			go func() {
				if res := <-pending; res.cs != nil {
					res.cs.Close()
				}
			}()
		}
	}

	for {
		select {
		case res := <-pending:
			pending = nil
			switch {
			case res.err != nil:
				if res.cs != nil {
					res.cs.Close()
				}
				c.log.Debug("handshake failed", "addr", addr, "attempt", attempt, "error", res.err)
				if c.ctrl.current(gen) {
					c.events.transportError(fmt.Errorf("handshake with %s: %w", addr, res.err))
				}
			case res.status != transport.StatusReady:
				res.cs.Close()
				c.log.Warn("broker returned non-ready status", "addr", addr, "status", res.status)
				if c.ctrl.current(gen) {
					c.events.readySignalObserved(res.status)
				}
			default:
				return res.cs, res.status, cancel
			}

		case <-timer.C:
			abandon()
			c.log.Warn("handshake timed out",
				"addr", addr,
				"attempt", attempt,
				"timeout", c.cfg.HandshakeTimeout)
			if c.ctrl.current(gen) {
				c.events.handshakeTimeout(attempt)
			}
			return nil, "", nil

		case <-ctx.Done():
			abandon()
			return nil, "", nil
		}
	}
}

// receive surfaces frames from a ready stream until it ends. There is no
// reconnect afterwards.
func (c *Client) receive(ctx context.Context, gen uint64, cs transport.ClientStream, status string, release context.CancelFunc) {
	defer release()
	defer cs.Close()
	stop := context.AfterFunc(ctx, func() { cs.Close() })
	defer stop()

	if !c.ctrl.transition(gen, Ready) {
		return
	}
	c.log.Info("stream ready", "status", status)
	c.events.readySignalObserved(status)

	for {
		f, err := cs.Recv()
		if err != nil {
			if !c.ctrl.current(gen) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("stream ended")
				c.events.streamEnded()
				return
			}
			c.log.Debug("stream failed", "error", err)
			c.events.transportError(err)
			return
		}
		metrics.FrameReceived()
		if !c.ctrl.current(gen) {
			return
		}
		c.events.frameReceived(f)
	}
}
