package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// ClientConfig parameterizes the queue client.
type ClientConfig struct {
	Addr        string
	DialTimeout time.Duration
	OpTimeout   time.Duration
	PoolSize    int
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:        "localhost:8093",
		DialTimeout: 5 * time.Second,
		OpTimeout:   30 * time.Second,
		PoolSize:    8,
	}
}

// Client speaks the queue protocol over pooled TCP connections. The
// protocol is strict request/response per connection, so a connection is
// owned by exactly one call at a time. Transport failures surface as
// transient faults; the connection involved is discarded.
type Client struct {
	cfg    ClientConfig
	pool   chan net.Conn
	closed atomic.Bool
}

// NewClient prepares a client. Connections are dialed lazily.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Client{
		cfg:  cfg,
		pool: make(chan net.Conn, cfg.PoolSize),
	}
}

func (c *Client) getConn(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-c.pool:
		return conn, nil
	default:
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("dial queue at %s: %w", c.cfg.Addr, err))
	}
	return conn, nil
}

func (c *Client) putConn(conn net.Conn) {
	if c.closed.Load() {
		conn.Close()
		return
	}
	select {
	case c.pool <- conn:
	default:
		conn.Close()
	}
}

// roundTrip sends one frame and decodes the reply into out (skipped for
// StatusEmpty and nil out).
func (c *Client) roundTrip(ctx context.Context, op byte, req, out interface{}) (byte, error) {
	if c.closed.Load() {
		return 0, errors.New("queue: client closed")
	}
	frame, err := EncodeFrame(op, req)
	if err != nil {
		return 0, err
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(c.cfg.OpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return 0, fault.Transient(fmt.Errorf("write to queue: %w", err))
	}
	status, body, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return 0, fault.Transient(fmt.Errorf("read from queue: %w", err))
	}
	conn.SetDeadline(time.Time{})
	c.putConn(conn)

	switch status {
	case StatusOK:
		if out != nil && len(body) > 0 {
			if err := jsonx.Unmarshal(body, out); err != nil {
				return status, fmt.Errorf("decode queue response: %w", err)
			}
		}
		return status, nil
	case StatusEmpty:
		return status, nil
	case StatusError:
		var eb errorBody
		if err := jsonx.Unmarshal(body, &eb); err != nil {
			return status, errors.New("queue: malformed error response")
		}
		switch eb.Error {
		case ErrStaleTag.Error():
			return status, ErrStaleTag
		case ErrUnknownQueue.Error():
			return status, ErrUnknownQueue
		}
		return status, errors.New(eb.Error)
	default:
		return status, fmt.Errorf("queue: unknown status 0x%02x", status)
	}
}

// Create registers a queue.
func (c *Client) Create(ctx context.Context, queue string) error {
	_, err := c.roundTrip(ctx, OpCreate, CreateRequest{Queue: queue}, nil)
	return err
}

// Push enqueues messages and returns their assigned ids.
func (c *Client) Push(ctx context.Context, queue string, msgs []PushMessage) ([]string, error) {
	var resp PushResponse
	if _, err := c.roundTrip(ctx, OpPush, PushRequest{Queue: queue, Messages: msgs}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Poll fetches up to count messages with the given visibility timeout.
// An empty queue returns (nil, nil).
func (c *Client) Poll(ctx context.Context, queue string, count int, visibility time.Duration) ([]PolledMessage, error) {
	req := PollRequest{
		Queue:             queue,
		Count:             count,
		VisibilityTimeout: int(visibility / time.Second),
	}
	var resp PollResponse
	status, err := c.roundTrip(ctx, OpPoll, req, &resp)
	if err != nil {
		return nil, err
	}
	if status == StatusEmpty {
		return nil, nil
	}
	return resp.Messages, nil
}

// Delete acknowledges a delivery. ErrStaleTag means the lease expired
// and the message has been redelivered or will be.
func (c *Client) Delete(ctx context.Context, queue, id, pollTag string) error {
	_, err := c.roundTrip(ctx, OpDelete, DeleteRequest{Queue: queue, ID: id, PollTag: pollTag}, nil)
	return err
}

// Update reschedules an in-flight delivery and returns the fresh tag.
func (c *Client) Update(ctx context.Context, queue, id, pollTag string, visibility time.Duration) (string, error) {
	req := UpdateRequest{
		Queue:             queue,
		ID:                id,
		PollTag:           pollTag,
		VisibilityTimeout: int(visibility / time.Second),
	}
	var resp UpdateResponse
	if _, err := c.roundTrip(ctx, OpUpdate, req, &resp); err != nil {
		return "", err
	}
	return resp.PollTag, nil
}

// ListQueues returns the registered queue names.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	var resp ListResponse
	if _, err := c.roundTrip(ctx, OpList, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// Stats snapshots one queue.
func (c *Client) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	var resp QueueStats
	if _, err := c.roundTrip(ctx, OpStats, StatsRequest{Queue: queue}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close discards pooled connections. In-flight calls fail fast.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for {
		select {
		case conn := <-c.pool:
			conn.Close()
		default:
			return nil
		}
	}
}
