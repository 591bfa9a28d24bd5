package client

import "github.com/zsiec/mpipe/media"

// Events receives client notifications. Any field may be nil. Callbacks run
// sequentially on the client's run goroutine and may call Stop.
type Events struct {
	// FrameReceived is called for every frame after the stream is ready.
	FrameReceived func(media.Frame)
	// ReadySignalObserved is called once per connection with the status value.
	ReadySignalObserved func(status string)
	// StreamEnded is called when the broker ends a ready stream cleanly.
	StreamEnded func()
	// TransportError is called for dial, handshake and stream faults.
	TransportError func(error)
	// HandshakeTimeout is called when an attempt is abandoned for a retry.
	HandshakeTimeout func(attempt int)
}

func (e Events) frameReceived(f media.Frame) {
	if e.FrameReceived != nil {
		e.FrameReceived(f)
	}
}

func (e Events) readySignalObserved(status string) {
	if e.ReadySignalObserved != nil {
		e.ReadySignalObserved(status)
	}
}

func (e Events) streamEnded() {
	if e.StreamEnded != nil {
		e.StreamEnded()
	}
}

func (e Events) transportError(err error) {
	if e.TransportError != nil {
		e.TransportError(err)
	}
}

func (e Events) handshakeTimeout(attempt int) {
	if e.HandshakeTimeout != nil {
		e.HandshakeTimeout(attempt)
	}
}
