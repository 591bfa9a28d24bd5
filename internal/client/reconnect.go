package client

import "sync"

// State is the connection state of a Client.
type State int

const (
	Idle State = iota
	Connecting
	AwaitingReady
	Ready
	Retrying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingReady:
		return "awaiting-ready"
	case Ready:
		return "ready"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// controller owns the client state and the attempt generation. Every
// attempt gets a new generation; transitions and events from an attempt
// whose generation is no longer current are discarded.
type controller struct {
	mu       sync.Mutex
	state    State
	gen      uint64
	attempts int
	stopped  bool
}

func (c *controller) reset() {
	c.mu.Lock()
	c.stopped = false
	c.attempts = 0
	c.mu.Unlock()
}

// begin opens a new attempt. It fails once stop has been called.
func (c *controller) begin() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return 0, false
	}
	c.gen++
	c.attempts++
	c.state = Connecting
	return c.gen, true
}

func (c *controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.gen == gen
}

func (c *controller) transition(gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.gen != gen {
		return false
	}
	c.state = s
	return true
}

// finish returns to Idle if gen is still the current attempt.
func (c *controller) finish(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = Idle
	}
	c.mu.Unlock()
}

// stop invalidates the current attempt and blocks new ones.
func (c *controller) stop() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	c.state = Idle
	c.mu.Unlock()
}

func (c *controller) snapshot() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempts
}
