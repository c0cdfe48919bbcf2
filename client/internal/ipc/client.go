package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
)

// ErrClosed is returned by calls on a closed or disconnected client.
var ErrClosed = errors.New("ipc connection closed")

// Client talks to a running cr-client over its socket.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan Response
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial ipc socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan Event, 128),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends method with params and decodes the result into out (which may
// be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(id, method, params); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			var body errorBody
			_ = json.Unmarshal(resp.Data, &body)
			return fmt.Errorf("%s: %s", method, body.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Data, out)
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var st StatusResult
	err := c.Call(ctx, MethodStatus, nil, &st)
	return st, err
}

// Deliveries fetches the recent delivery history.
func (c *Client) Deliveries(ctx context.Context) ([]delivery.Result, error) {
	var res DeliveriesResult
	err := c.Call(ctx, MethodDeliveries, nil, &res)
	return res.Deliveries, err
}

// Subscribe starts streaming the given event types (all when empty) to
// Events.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	var p any
	if len(events) > 0 {
		p = SubscribeParams{Events: events}
	}
	return c.Call(ctx, MethodSubscribe, p, nil)
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) send(id, method string, params any) error {
	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.events)
	}()
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var resp Response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Type == TypeEvent {
			var evt Event
			if json.Unmarshal(resp.Data, &evt) == nil {
				select {
				case c.events <- evt:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
