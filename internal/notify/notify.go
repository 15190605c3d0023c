// Package notify publishes emergency and category lifecycle events.
//
// Events are published to subjects of the form:
//   - guardrail.{project}.emergency.{state}
//   - guardrail.{project}.category.{state}
//   - guardrail.{project}.session.{status}
//
// States are lowercased, e.g. guardrail.acme.emergency.awaiting_user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/sanitize"
)

// DefaultSubjectPrefix is the first subject token.
const DefaultSubjectPrefix = "guardrail"

// Kind is the subject of an event.
type Kind string

// Event kinds.
const (
	KindEmergency Kind = "emergency"
	KindCategory  Kind = "category"
	KindSession   Kind = "session"
)

// Event is one lifecycle change. It never carries matched text.
type Event struct {
	Kind      Kind      `json:"kind"`
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id,omitempty"`
	SubjectID string    `json:"subject_id"`
	State     string    `json:"state"`
	FindingID string    `json:"finding_id,omitempty"`
	Location  string    `json:"location,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Subject returns the NATS subject for e under prefix.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, sanitize.Identifier(e.ProjectID), e.Kind, strings.ToLower(e.State))
}

// Notifier publishes events. Publish failures never stop remediation; callers
// log them.
type Notifier interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Notifier.
func (Noop) Close() error { return nil }

// NATSNotifier publishes events as JSON over a NATS connection.
type NATSNotifier struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a NATSNotifier.
type Option func(*NATSNotifier)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(n *NATSNotifier) {
		if prefix != "" {
			n.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *NATSNotifier) { n.logger = l }
}

// Connect dials url and returns a notifier that owns the connection.
func Connect(url string, opts ...Option) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("guardrail"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	n := New(nc, opts...)
	n.owned = true
	return n, nil
}

// New wraps an existing connection. Close does not close nc.
func New(nc *nats.Conn, opts ...Option) *NATSNotifier {
	n := &NATSNotifier{
		conn:   nc,
		prefix: DefaultSubjectPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notifier is closed")

// Publish implements Notifier.
func (n *NATSNotifier) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := e.Subject(n.prefix)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Close flushes pending events and closes the connection if it is owned.
func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	err := n.conn.Flush()
	if n.owned {
		n.conn.Close()
	}
	return err
}
