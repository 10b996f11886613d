package socketrpc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
)

const defaultCallTimeout = 30 * time.Second

// Client talks to a socket RPC server. It implements model.Sender.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
}

var _ model.Sender = (*Client)(nil)

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "socketrpc: dial")
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest. The
// ctx deadline, if any, bounds the round trip.
func (c *Client) call(ctx context.Context, method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	c.nextID++
	id := c.nextID

	var paramsData []byte
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "socketrpc: marshal params")
		}
		paramsData = data
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	deadline := time.Now().Add(defaultCallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "socketrpc: marshal request")
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "socketrpc: send")
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return errors.Wrap(err, "socketrpc: read")
		}
		return errors.New("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return errors.Wrap(err, "socketrpc: unmarshal response")
	}

	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return errors.Wrap(err, "socketrpc: unmarshal result")
		}
	}
	return nil
}

// Send ships one event.
func (c *Client) Send(ctx context.Context, event model.Event) error {
	return c.call(ctx, "Send", event, nil)
}

// SendBatch ships events in one request and returns how many the server
// accepted.
func (c *Client) SendBatch(ctx context.Context, events []model.Event) (int, error) {
	var result SendResult
	err := c.call(ctx, "Send", events, &result)
	return result.Accepted, err
}

// Metrics returns the server's current text exposition.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	var result string
	err := c.call(ctx, "Metrics", nil, &result)
	return result, err
}

// Status returns the number of events the server holds.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var result StatusResult
	err := c.call(ctx, "Status", nil, &result)
	return result, err
}
