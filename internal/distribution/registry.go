package distribution

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mpipe/internal/demux"
	"github.com/zsiec/mpipe/internal/metrics"
	"github.com/zsiec/mpipe/internal/transport"
	"github.com/zsiec/mpipe/media"
)

var (
	// ErrSubscriberExists is returned by Add for a duplicate subscriber ID.
	ErrSubscriberExists = errors.New("distribution: subscriber already registered")

	errSubscriberRemoved = errors.New("distribution: subscriber removed")
)

// container selects which keyframe gate a frame is checked against. RTP
// packets and MPEG-TS chunks never share a decoder, so a keyframe in one
// must not open the other.
type container int

const (
	containerRTP container = iota
	containerMPEGTS
	numContainers
)

// containerOf maps a frame type to its container. Anything that is not
// MPEG-TS is treated as H.264 over RTP.
func containerOf(frameType string) container {
	if frameType == media.TypeMPEGTS {
		return containerMPEGTS
	}
	return containerRTP
}

// startsPicture reports whether payload opens a decodable picture.
func (c container) startsPicture(payload []byte) bool {
	if c == containerMPEGTS {
		return demux.IsRandomAccessTS(payload)
	}
	return demux.IsKeyframeStart(payload)
}

// Subscriber is one authenticated subscription and its keyframe gates, one
// per container.
type Subscriber struct {
	ID            string
	TokenVerified bool
	ConnectedAt   time.Time

	conn transport.Subscription

	gates   [numContainers]atomic.Bool
	removed atomic.Bool

	// sendMu serializes writes to conn, including the ready status.
	sendMu sync.Mutex

	sent    atomic.Int64
	gated   atomic.Int64
	dropped atomic.Int64
}

// SubscriberInfo is a point-in-time summary of a subscriber for the admin API.
type SubscriberInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectedAt  time.Time `json:"connectedAt"`
	KeyframeSeen bool      `json:"keyframeSeen"`
	Sent         int64     `json:"sent"`
	Gated        int64     `json:"gated"`
	SendErrors   int64     `json:"sendErrors"`
}

func newSubscriber(conn transport.Subscription) *Subscriber {
	return &Subscriber{
		ID:            uuid.NewString(),
		TokenVerified: true,
		ConnectedAt:   time.Now(),
		conn:          conn,
	}
}

// KeyframeSeen reports whether the subscriber has been sent a keyframe of
// any container.
func (s *Subscriber) KeyframeSeen() bool {
	for i := range s.gates {
		if s.gates[i].Load() {
			return true
		}
	}
	return false
}

func (s *Subscriber) gateOpen(c container) bool { return s.gates[c].Load() }

// Active reports whether the subscriber is still registered.
func (s *Subscriber) Active() bool { return !s.removed.Load() }

// Info returns delivery counters for the subscriber.
func (s *Subscriber) Info() SubscriberInfo {
	return SubscriberInfo{
		ID:           s.ID,
		RemoteAddr:   s.conn.RemoteAddr(),
		ConnectedAt:  s.ConnectedAt,
		KeyframeSeen: s.KeyframeSeen(),
		Sent:         s.sent.Load(),
		Gated:        s.gated.Load(),
		SendErrors:   s.dropped.Load(),
	}
}

// send delivers f unless the subscriber was removed, checking removal under
// the send lock so a removal that completes first always wins.
func (s *Subscriber) send(f media.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.removed.Load() {
		return errSubscriberRemoved
	}
	return s.conn.Send(f)
}

// Registry is the concurrency-safe set of connected subscribers. Iteration
// always goes through Snapshot, so fan-out never observes a concurrent
// Add or Remove halfway through.
type Registry struct {
	mu    sync.RWMutex
	order []*Subscriber
	byID  map[string]*Subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Subscriber)}
}

// Add registers sub. Subscribers are kept in arrival order. The subscriber
// gauge is maintained here so every Add is paired with exactly one Remove
// or Clear.
func (r *Registry) Add(sub *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sub.ID]; ok {
		return ErrSubscriberExists
	}
	r.byID[sub.ID] = sub
	r.order = append(r.order, sub)
	metrics.SubscriberAdded()
	return nil
}

// Remove unregisters the subscriber with the given ID and marks it removed,
// so a fan-out holding an older snapshot skips it. It reports whether the
// subscriber was registered.
func (r *Registry) Remove(id string) (*Subscriber, bool) {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		for i, s := range r.order {
			if s == sub {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		sub.removed.Store(true)
		metrics.SubscriberRemoved()
	}
	return sub, ok
}

// Get returns the subscriber with the given ID.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Snapshot returns the registered subscribers in arrival order. The slice is
// a copy and safe to iterate while the registry changes.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, len(r.order))
	copy(out, r.order)
	return out
}

// MarkKeyframeSeen opens the keyframe gate of a subscriber for the container
// that frameType belongs to. A gate is never closed again. It reports whether
// the subscriber is registered.
func (r *Registry) MarkKeyframeSeen(id, frameType string) bool {
	sub, ok := r.Get(id)
	if ok {
		sub.gates[containerOf(frameType)].Store(true)
	}
	return ok
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear unregisters every subscriber and returns them.
func (r *Registry) Clear() []*Subscriber {
	r.mu.Lock()
	subs := r.order
	r.order = nil
	r.byID = make(map[string]*Subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.removed.Store(true)
		metrics.SubscriberRemoved()
	}
	return subs
}
