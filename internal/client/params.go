package client

import (
	"fmt"
	"net"
	"strconv"
)

// ConnectionParams identifies the broker a client subscribes to.
type ConnectionParams struct {
	Host  string
	Port  int
	Token string
}

// Validate reports whether the params can be dialled.
func (p ConnectionParams) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidParams)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidParams, p.Port)
	}
	return nil
}

// Addr returns the host:port dial address.
func (p ConnectionParams) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
