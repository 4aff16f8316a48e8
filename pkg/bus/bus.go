// Package bus provides lifecycle event publishing for the control plane.
// The default implementation uses NATS, with an in-memory option for tests
// and single-process deployments. Publishing is best-effort: a bus failure
// never fails the operation that produced the event.
package bus

import (
	"context"
	"errors"
	"time"
)

// Subjects emitted by the control plane.
const (
	SubjectSessionCreated  = "plane.session.created"
	SubjectSessionTerminal = "plane.session.terminal"
	SubjectSessionStopped  = "plane.session.stopped"
	SubjectExecCreated     = "plane.exec.created"
	SubjectBudgetRejected  = "plane.budget.rejected"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Handler processes incoming messages.
type Handler func(msg *Message)

// Subscription is a live subject subscription.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error
}

// MessageBus publishes and delivers plane events. Implementations must be
// safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports NATS-style wildcards: "plane.session.*".
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Config holds connection settings for the NATS bus.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{Name: "warden", Timeout: 30 * time.Second}
}
