package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultCallTimeout bounds one request/response round trip.
const DefaultCallTimeout = 10 * time.Second

// Client is a synchronous control-channel client. Calls on one client are
// serialized, matching the server's per-connection dispatch order.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

// DialClient connects to the control endpoint.
func DialClient(ctx context.Context, endpoint string) (*Client, error) {
	conn, err := Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: DefaultCallTimeout}, nil
}

// SetCallTimeout overrides the per-call deadline.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Call sends one command and returns the decoded response envelope. An
// error answer from the server comes back as *CommandError alongside the
// raw response.
func (c *Client) Call(ctx context.Context, command string, data any) (*Response, error) {
	req, err := NewRequest(command, data)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := WriteFrame(c.conn, payload); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	respPayload, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", command, err)
	}

	var resp Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", command, err)
	}
	if err := resp.Err(); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Ping checks liveness and returns the server's version banner.
func (c *Client) Ping(ctx context.Context) (*PongResponse, error) {
	resp, err := c.Call(ctx, CmdPing, nil)
	if err != nil {
		return nil, err
	}
	var pong PongResponse
	if err := resp.Decode(&pong); err != nil {
		return nil, err
	}
	return &pong, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
