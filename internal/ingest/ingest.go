// Package ingest tracks the producers feeding the broker and forwards what
// they read as media frames.
package ingest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mpipe/internal/metrics"
	"github.com/zsiec/mpipe/media"
)

// FrameWriter receives frames from ingest sources.
type FrameWriter interface {
	Write(f media.Frame) int
}

// Format identifies what an ingest source carries.
type Format int

// Supported ingest formats.
const (
	FormatRTP Format = iota
	FormatMPEGTS
)

func (f Format) String() string {
	switch f {
	case FormatRTP:
		return "rtp"
	case FormatMPEGTS:
		return "mpegts"
	default:
		return "unknown"
	}
}

// ErrSourceExists is returned when a source key is already registered.
var ErrSourceExists = errors.New("ingest: source already registered")

// Stats captures connection-level counters for an ingest source.
type Stats struct {
	Key           string `json:"key"`
	Format        string `json:"format"`
	BytesReceived int64  `json:"bytesReceived"`
	Packets       int64  `json:"packets"`
	Errors        int64  `json:"errors"`
	Keyframes     int64  `json:"keyframes"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one active producer. Forward copies what it reads into frames
// written to the registry's FrameWriter.
type Source struct {
	Key       string
	StartedAt time.Time
	Format    Format

	out FrameWriter

	bytesReceived atomic.Int64
	packets       atomic.Int64
	errs          atomic.Int64
	keyframes     atomic.Int64
	remoteAddr    atomic.Value
}

// Forward writes a frame carrying a copy of payload and returns the number
// of subscribers it reached. The caller may reuse payload afterwards.
func (s *Source) Forward(typ, meta string, payload []byte) int {
	s.bytesReceived.Add(int64(len(payload)))
	s.packets.Add(1)
	metrics.IngestPacket(s.Format.String())

	buf := make([]byte, len(payload))
	copy(buf, payload)
	return s.out.Write(media.Frame{Type: typ, Meta: meta, Payload: buf})
}

// RecordError counts a rejected packet or failed read.
func (s *Source) RecordError() {
	s.errs.Add(1)
	metrics.IngestError(s.Format.String())
}

// RecordKeyframe counts a keyframe start seen by the source.
func (s *Source) RecordKeyframe() {
	s.keyframes.Add(1)
}

// SetRemoteAddr stores the address of the producer for diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Format:        s.Format.String(),
		BytesReceived: s.bytesReceived.Load(),
		Packets:       s.packets.Load(),
		Errors:        s.errs.Load(),
		Keyframes:     s.keyframes.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest sources by key.
type Registry struct {
	out FrameWriter

	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates a Registry whose sources write to out.
func NewRegistry(out FrameWriter) *Registry {
	return &Registry{
		out:     out,
		sources: make(map[string]*Source),
	}
}

// Register adds a source with the given key and format.
func (r *Registry) Register(key string, format Format) (*Source, error) {
	src := &Source{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		out:       r.out,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[key]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceExists, key)
	}
	r.sources[key] = src
	return src, nil
}

// Unregister removes a source by key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.sources, key)
	r.mu.Unlock()
}

// Get returns the source for key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns stats for every active source, ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
