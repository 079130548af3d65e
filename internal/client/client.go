// Package client is the initiator side: it dials a responder and issues
// PUT and GET requests one at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/verbs"
	"github.com/yuuki/rdmakv/internal/wire"
)

var ErrUnexpectedResponse = errors.New("unexpected response")

// Client issues requests over one connection. Requests are serialized, so
// a Client is safe for concurrent use but never has more than one work
// request outstanding.
type Client struct {
	mu   sync.Mutex
	conn *connection.Connection
}

// Dial connects to the responder at addr.
func Dial(ctx context.Context, dev *verbs.Device, addr string, opts connection.Options) (*Client, error) {
	conn, err := connection.Dial(ctx, dev, addr, opts)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("conn_id", conn.ID()).
		Str("addr", addr).
		Str("transfer_mode", opts.Transfer.String()).
		Msg("Connected to server")
	return New(conn), nil
}

// New wraps an established connection.
func New(conn *connection.Connection) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection.
func (c *Client) Conn() *connection.Connection {
	return c.conn
}

// Do sends req and waits for the response. Both buffers are cleared before
// the request is written, and the receive for the response is posted only
// after the send has completed.
func (c *Client) Do(ctx context.Context, req wire.Message) (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.ClearBuffers()
	if err := c.conn.SendMessage(ctx, req); err != nil {
		return wire.Message{}, err
	}
	if err := c.conn.PostRecv(); err != nil {
		return wire.Message{}, err
	}
	resp, err := c.conn.AwaitMessage(ctx)
	if err != nil {
		return wire.Message{}, err
	}
	if resp.Op != req.Op {
		return resp, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, req.Op, resp.Op)
	}
	return resp, nil
}

// Put stores value under key and returns the server's acknowledgment text.
func (c *Client) Put(ctx context.Context, key, value string) (string, error) {
	resp, err := c.Do(ctx, wire.Message{Op: wire.OpPut, Key: key, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Get returns the value stored under key. found is false when the server
// answered with the not-found sentinel.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	resp, err := c.Do(ctx, wire.Message{Op: wire.OpGet, Key: key})
	if err != nil {
		return "", false, err
	}
	if resp.Value == wire.NotFoundValue {
		return "", false, nil
	}
	return resp.Value, true, nil
}

// Close disconnects and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
