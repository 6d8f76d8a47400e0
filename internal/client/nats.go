package client

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps a JetStream-enabled NATS connection with the small publish
// surface the notification publisher needs.
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATSClient connects to NATS and initializes a JetStream context.
func NewNATSClient(url string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-doc-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize JetStream: %w", err)
	}
	return &NATSClient{conn: conn, js: js}, nil
}

// Publish sends data to the subject, waiting for the JetStream ack.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
