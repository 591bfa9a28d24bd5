package distribution

import (
	"errors"
	"fmt"
)

// Sentinel errors for broker lifecycle.
var (
	ErrAlreadyStarted = errors.New("distribution: broker already started")
	ErrBrokerStopped  = errors.New("distribution: broker stopped")
	ErrInvalidConfig  = errors.New("distribution: invalid config")
)

// BindError reports that the broker could not bind its listening endpoint.
// It is fatal to the broker instance.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("distribution: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
