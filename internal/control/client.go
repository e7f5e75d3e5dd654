package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrDaemonNotRunning is returned by [Dial] when nothing listens at the
// control address.
var ErrDaemonNotRunning = errors.New("daemon not running")

// ErrAddrInUse is returned by [Listen] when another daemon already serves
// the control address.
var ErrAddrInUse = errors.New("control address in use")

// ErrNotConnected is returned when an operation requires an active connection.
var ErrNotConnected = errors.New("not connected")

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client is a connection to a running daemon.
type Client struct {
	// mu serializes request/response exchanges on conn.
	mu sync.Mutex
	// conn is the open connection, or nil after Close.
	conn net.Conn
}

// Dial connects to the daemon at addr.
func Dial(addr string) (*Client, error) {
	conn, err := dial(addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

// Do sends req and waits for the response. The exchange is bounded by
// ctx's deadline, or by a default timeout when ctx has none.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp Response
	if c.conn == nil {
		return resp, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("marshaling request: %w", err)
	}
	if err := writeFrame(c.conn, OpRequest, payload); err != nil {
		return resp, err
	}

	op, data, err := DecodeFrame(c.conn)
	if err != nil {
		return resp, fmt.Errorf("reading response: %w", err)
	}
	if op != OpResponse {
		return resp, fmt.Errorf("unexpected response opcode: %d", op)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("parsing response: %w", err)
	}
	return resp, nil
}

// Close sends OpClose and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	// Best-effort goodbye before closing.
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = writeFrame(c.conn, OpClose, nil)

	err := c.conn.Close()
	c.conn = nil
	return err
}
