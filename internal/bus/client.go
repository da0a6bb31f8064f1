// Package bus connects to NATS and JetStream.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultConnectTimeout = 5 * time.Second

// ErrNoURL indicates a connection attempt without a server URL.
var ErrNoURL = errors.New("no NATS url configured")

// Client wraps a NATS connection and its JetStream handle.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *logger.Logger
}

// Connect dials url and opens JetStream.
func Connect(url, name string, log *logger.Logger) (*Client, error) {
	if url == "" {
		return nil, ErrNoURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(defaultConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("Connected to NATS at %s", url)

	return &Client{conn: conn, js: js, log: log}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Close drains the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}

	c.log.Info("Closing NATS connection")

	err := c.conn.Drain()
	if err != nil {
		c.log.Warn("NATS drain failed: %v", err)
		c.conn.Close()
	}
}
