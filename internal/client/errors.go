package client

import "errors"

var (
	ErrAlreadyStarted   = errors.New("client: already started")
	ErrInvalidParams    = errors.New("client: invalid connection params")
	ErrRetriesExhausted = errors.New("client: handshake retries exhausted")
)
