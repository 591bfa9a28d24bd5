// Package distribution fans media frames out from a producer to every
// authenticated subscriber. New subscribers are held back until the first
// keyframe start so their decoder begins at an independent picture.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/zsiec/mpipe/internal/metrics"
	"github.com/zsiec/mpipe/internal/tracing"
	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

// BrokerConfig configures a Broker. Port 0 binds an ephemeral port.
type BrokerConfig struct {
	Host           string
	Port           int
	Token          string
	GateOnKeyframe bool

	Log            *slog.Logger
	TracerProvider trace.TracerProvider
}

func (c BrokerConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidConfig)
	}
	return nil
}

// Broker accepts subscribers on a transport server and relays every written
// frame to them.
type Broker struct {
	cfg      BrokerConfig
	srv      transport.Server
	log      *slog.Logger
	tracer   trace.Tracer
	registry *Registry

	mu      sync.Mutex
	started bool
	stopped bool

	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	err      error
}

// NewBroker creates a broker that serves subscriptions through srv.
func NewBroker(cfg BrokerConfig, srv transport.Server) (*Broker, error) {
	if srv == nil {
		return nil, fmt.Errorf("%w: nil transport server", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		srv:      srv,
		log:      log.With("component", "broker"),
		tracer:   tracing.Tracer(cfg.TracerProvider),
		registry: NewRegistry(),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the listening endpoint and begins accepting subscribers in the
// background. A bind failure is returned as a *BindError and the broker is
// finished; Wait reports the same error. Cancelling ctx stops serving.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.stopped:
		b.mu.Unlock()
		return ErrBrokerStopped
	case b.started:
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	_, span := tracing.Start(ctx, b.tracer, tracing.SpanBrokerStart,
		tracing.Endpoint(b.cfg.Host, b.cfg.Port, b.cfg.Token)...)
	defer span.End()

	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	if err := b.srv.Listen(addr); err != nil {
		berr := &BindError{Addr: addr, Err: err}
		span.Fail(berr)
		b.log.Error("broker bind failed", "addr", addr, "error", err)
		b.finish(berr)
		return berr
	}
	span.Succeed()
	b.log.Info("broker listening", "addr", b.srv.Addr(), "gateOnKeyframe", b.cfg.GateOnKeyframe)

	go func() {
		err := b.srv.Serve(ctx, b.accept)
		if err != nil {
			b.log.Error("broker serve failed", "error", err)
		}
		b.closeAll()
		b.finish(err)
	}()
	return nil
}

// Addr returns the bound listening address, or "" before Start.
func (b *Broker) Addr() string {
	return b.srv.Addr()
}

// Done is closed once the broker stops serving.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the broker stops serving and returns the terminal error,
// which is nil after a clean Stop or context cancellation.
func (b *Broker) Wait() error {
	<-b.done
	return b.err
}

func (b *Broker) finish(err error) {
	b.doneOnce.Do(func() {
		b.err = err
		close(b.done)
	})
}

func (b *Broker) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// accept authenticates an inbound subscription, registers it and emits the
// ready status. Registration and the ready status happen under the
// subscriber's send lock, so no frame can be written ahead of the status.
func (b *Broker) accept(conn transport.Subscription) bool {
	if conn.Token() != b.cfg.Token {
		metrics.AuthFailure()
		b.log.Warn("subscriber rejected: invalid token", "remote", conn.RemoteAddr())
		return false
	}

	sub := newSubscriber(conn)
	sub.sendMu.Lock()
	if err := b.registry.Add(sub); err != nil {
		sub.sendMu.Unlock()
		b.log.Error("register subscriber", "subscriber", sub.ID, "error", err)
		return false
	}
	if b.isStopped() {
		sub.sendMu.Unlock()
		b.registry.Remove(sub.ID)
		return false
	}
	err := conn.SendReady()
	sub.sendMu.Unlock()

	if err != nil {
		b.log.Debug("send ready status", "subscriber", sub.ID, "error", err)
		b.remove(sub, "ready status failed")
		return true
	}

	b.log.Info("subscriber added",
		"subscriber", sub.ID,
		"remote", conn.RemoteAddr(),
		"subscribers", b.registry.Len())

	go func() {
		<-conn.Done()
		b.remove(sub, "stream closed")
	}()
	return true
}

// remove unregisters sub and closes its stream. Only the first caller logs.
func (b *Broker) remove(sub *Subscriber, reason string) {
	if _, ok := b.registry.Remove(sub.ID); ok {
		b.log.Info("subscriber removed",
			"subscriber", sub.ID,
			"reason", reason,
			"subscribers", b.registry.Len())
	}
	sub.conn.Close()
}

// Write relays f to every registered subscriber and returns the number of
// subscribers it was delivered to. With keyframe gating enabled a subscriber
// receives nothing of a container until that container's first keyframe
// start, which is itself delivered. RTP frames open on an IDR slice and
// MPEG-TS frames on the random access indicator. A failed send drops only
// the failing subscriber.
func (b *Broker) Write(f media.Frame) int {
	f = f.Normalized()
	metrics.FrameWritten()

	subs := b.registry.Snapshot()
	if len(subs) == 0 {
		return 0
	}

	// Classified lazily, at most once per frame.
	c := containerOf(f.Type)
	classified, keyframe := false, false
	isKeyframe := func() bool {
		if !classified {
			keyframe = c.startsPicture(f.Payload)
			classified = true
		}
		return keyframe
	}

	delivered := 0
	for _, sub := range subs {
		if b.cfg.GateOnKeyframe && !sub.gateOpen(c) {
			if !isKeyframe() {
				sub.gated.Add(1)
				metrics.FrameGated()
				continue
			}
			if !b.registry.MarkKeyframeSeen(sub.ID, f.Type) {
				continue
			}
			b.log.Debug("keyframe gate opened", "subscriber", sub.ID, "type", f.Type)
		}

		if err := sub.send(f); err != nil {
			if errors.Is(err, errSubscriberRemoved) {
				continue
			}
			sub.dropped.Add(1)
			metrics.SendError()
			b.log.Debug("send frame failed", "subscriber", sub.ID, "error", err)
			b.remove(sub, "send failed")
			continue
		}
		sub.sent.Add(1)
		metrics.FrameForwarded()
		delivered++
	}
	return delivered
}

// WriteValues normalizes loosely typed producer values into a frame and
// writes it.
func (b *Broker) WriteValues(typ, meta, payload any) int {
	return b.Write(media.Normalize(typ, meta, payload))
}

// Subscribers returns delivery stats for every registered subscriber.
func (b *Broker) Subscribers() []SubscriberInfo {
	subs := b.registry.Snapshot()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Info())
	}
	return out
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	return b.registry.Len()
}

// Stop force-closes every subscriber, clears the registry and stops the
// transport server. It is idempotent and safe to call before Start.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		started := b.started
		b.mu.Unlock()

		n := b.closeAll()
		b.srv.Stop()
		b.log.Info("broker stopped", "closed", n)
		if !started {
			b.finish(nil)
		}
	})
}

func (b *Broker) closeAll() int {
	subs := b.registry.Clear()
	for _, s := range subs {
		s.conn.Close()
	}
	return len(subs)
}
