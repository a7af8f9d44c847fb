// Package eventbus replaces the source framework's ad-hoc event emitters
// with an explicit typed publish/subscribe handle (spec §9). It runs an
// embedded NATS server in-process so every component gets a real pub/sub
// transport without requiring an external broker to be running.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subject names used across the control plane. Subscribers register typed
// callbacks per subject — there is no wildcard listener surface.
const (
	SubjectContractCreated       = "contract.created"
	SubjectContractStatusChanged = "contract.status_changed"
	SubjectContractCancelled     = "contract.cancelled"
	SubjectSecurityThreat        = "security.threat_detected"
	SubjectMCPHealthChanged      = "mcp.health.changed"
)

// Bus is a thin, typed wrapper over an in-process NATS connection.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// New starts an embedded, non-clustered NATS server bound to a random
// local port and connects a client to it.
func New() (*Bus, error) {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
		MaxControlLine: 4096,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	return &Bus{srv: srv, conn: conn}, nil
}

// Close closes the client connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
	}
}

// Publish marshals payload as JSON and publishes it on subject.
func (b *Bus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers a typed callback for subject. The callback receives
// the raw JSON payload bytes; the caller supplies its own typed decode,
// which keeps Bus itself type-agnostic while callers stay typed.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Flush blocks until all published messages have been processed by the
// server — useful in tests that assert a subscriber observed an event.
func (b *Bus) Flush() error {
	return b.conn.FlushTimeout(2 * time.Second)
}
