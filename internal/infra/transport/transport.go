// Package transport abstracts the message broker the recoverability engine
// consumes from and re-delivers to.
package transport

import (
	"context"
	"errors"
	"maps"
)

var (
	// ErrUnknownAddress is returned when sending to a queue no one declared
	ErrUnknownAddress = errors.New("unknown address")

	// ErrAlreadyStarted is returned when a pump is started twice
	ErrAlreadyStarted = errors.New("pump already started")

	// ErrRelease tells a pump to put the message back without treating it as a failure
	ErrRelease = errors.New("message released")
)

// Message is a transport message: an opaque body plus string headers.
type Message struct {
	ID      string
	Headers map[string]string
	Body    []byte
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := Message{ID: m.ID}
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

// Handler processes one message. A nil return acknowledges it; any error
// releases it back to the queue for later redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Sender delivers a message to a named queue.
type Sender interface {
	Send(ctx context.Context, address string, msg Message) error
}

// Pump pushes messages from one queue to a handler.
type Pump interface {
	// Start begins delivering messages. It returns once workers are running.
	Start(ctx context.Context, handler Handler) error

	// Stop stops fetching and waits for in-flight handlers to complete or for
	// ctx to expire. It is idempotent and must not be called from a handler.
	Stop(ctx context.Context) error
}

// Transport is a broker connection.
type Transport interface {
	Sender

	// Declare ensures a queue exists so sends to it succeed.
	Declare(ctx context.Context, queue string) error

	// NewPump creates a pump over a declared queue.
	NewPump(queue string) (Pump, error)

	Close() error
}
