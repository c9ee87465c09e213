package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no NATS subject is configured.
const DefaultSubject = "yakuin.briefs"

// NATS publishes the brief as JSON on a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to url. Close releases the connection.
func NewNATS(url, subject string) (*NATS, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: nats: url is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("yakuin"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: nats: connect: %w", err)
	}
	return &NATS{conn: nc, subject: subject}, nil
}

// Notify publishes and flushes so a returned nil means the server has the message.
func (n *NATS) Notify(ctx context.Context, b Brief) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("notify: nats: marshal: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("notify: nats: publish: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("notify: nats: flush: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
