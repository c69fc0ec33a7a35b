package queue

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("persistence queue is closed")

	// ErrCorruptPayload marks a stored row whose payload cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt persisted payload")
)
