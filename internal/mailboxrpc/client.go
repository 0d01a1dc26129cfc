package mailboxrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/mailbox"
)

// ErrClosed fails calls made on (or outstanding at) a closed client.
var ErrClosed = errors.New("mailboxrpc: client closed")

// Client implements mailbox.Store against a remote mailbox server.
//
// Watch events are never dispatched from the connection read loop directly:
// each watch has its own ordered queue drained by its own goroutine, so a
// callback blocked on the consumer's lock cannot stall the read loop (and
// with it every pending call on this connection).
type Client struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	watches map[uint64]*clientWatch
	closed  bool

	done chan struct{}
}

// Dial connects to a mailbox server's /ws endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial mailbox %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		log:     logger,
		pending: make(map[uint64]chan response),
		watches: make(map[uint64]*clientWatch),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Outstanding calls fail with ErrClosed and
// all watch deliveries stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	watches := c.watches
	c.pending = nil
	c.watches = nil
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, w := range watches {
		w.stop()
	}
	return c.ws.Close()
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.ws.ReadJSON(&resp); err != nil {
			_ = c.Close()
			return
		}

		switch resp.Type {
		case typeResult:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case typeChannel, typeCandidate:
			c.mu.Lock()
			w := c.watches[resp.Watch]
			c.mu.Unlock()
			if w != nil {
				w.push(resp)
			}
		default:
			c.log.Warn("mailbox rpc: unknown message type", "type", resp.Type)
		}
	}
}

func (c *Client) allocID() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.nextID++
	return c.nextID, nil
}

func (c *Client) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(req)
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	id, err := c.allocID()
	if err != nil {
		return response{}, err
	}
	req.Version = protocolVersion
	req.ID = id

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return response{}, fmt.Errorf("mailboxrpc: write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrClosed
		}
		if err := codeToError(resp.Error); err != nil {
			return response{}, err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		return response{}, ctx.Err()
	case <-c.done:
		return response{}, ErrClosed
	}
}

func (c *Client) Channel(ctx context.Context, id channel.ID) (*mailbox.Document, error) {
	resp, err := c.call(ctx, request{Type: typeGet, Channel: string(id)})
	if err != nil {
		return nil, err
	}
	return resp.Document, nil
}

func (c *Client) CreateOffer(ctx context.Context, id channel.ID, offer mailbox.Offer) error {
	_, err := c.call(ctx, request{Type: typeCreateOffer, Channel: string(id), Offer: &offer})
	return err
}

func (c *Client) CreateAnswer(ctx context.Context, id channel.ID, answer mailbox.Answer) error {
	_, err := c.call(ctx, request{Type: typeCreateAnswer, Channel: string(id), Answer: &answer})
	return err
}

func (c *Client) DeleteChannel(ctx context.Context, id channel.ID) error {
	_, err := c.call(ctx, request{Type: typeDelete, Channel: string(id)})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, id channel.ID, role mailbox.Role, cand mailbox.Candidate) error {
	_, err := c.call(ctx, request{
		Type:      typeAppendCandidate,
		Channel:   string(id),
		Role:      string(role),
		Candidate: &cand,
	})
	return err
}

func (c *Client) WatchChannel(ctx context.Context, id channel.ID, fn func(mailbox.Document)) (mailbox.Subscription, error) {
	return c.watch(ctx, request{Type: typeWatchChannel, Channel: string(id)}, func(resp response) {
		if resp.Document != nil {
			fn(*resp.Document)
		}
	})
}

func (c *Client) WatchCandidates(ctx context.Context, id channel.ID, role mailbox.Role, fn func(mailbox.Candidate)) (mailbox.Subscription, error) {
	req := request{Type: typeWatchCandidates, Channel: string(id), Role: string(role)}
	return c.watch(ctx, req, func(resp response) {
		if resp.Candidate != nil {
			fn(*resp.Candidate)
		}
	})
}

func (c *Client) watch(ctx context.Context, req request, deliver func(response)) (mailbox.Subscription, error) {
	id, err := c.allocID()
	if err != nil {
		return nil, err
	}
	req.Version = protocolVersion
	req.ID = id

	w := newClientWatch(c, id, deliver)

	// Register before sending: the first event can arrive ahead of the
	// result message.
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.watches[id] = w
	c.mu.Unlock()

	go w.run()

	fail := func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		if c.watches != nil {
			delete(c.watches, id)
		}
		c.mu.Unlock()
		w.stop()
	}

	if err := c.write(req); err != nil {
		fail()
		return nil, fmt.Errorf("mailboxrpc: write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if err := codeToError(resp.Error); err != nil {
			fail()
			return nil, err
		}
		return w, nil
	case <-ctx.Done():
		fail()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// clientWatch is one remote subscription: an ordered event queue plus its
// delivery goroutine.
type clientWatch struct {
	client  *Client
	id      uint64
	deliver func(response)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []response
	stopped bool
}

func newClientWatch(c *Client, id uint64, deliver func(response)) *clientWatch {
	w := &clientWatch{client: c, id: id, deliver: deliver}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *clientWatch) push(resp response) {
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, resp)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *clientWatch) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		resp := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.deliver(resp)
	}
}

func (w *clientWatch) stop() {
	w.mu.Lock()
	w.stopped = true
	w.queue = nil
	w.cond.Signal()
	w.mu.Unlock()
}

// Close detaches the watch and tells the server to drop the subscription.
// The unwatch is best effort; a dead connection cleans up server-side
// anyway.
func (w *clientWatch) Close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.stop()

	c := w.client
	c.mu.Lock()
	if c.watches != nil {
		delete(c.watches, w.id)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		if id, err := c.allocID(); err == nil {
			_ = c.write(request{Version: protocolVersion, ID: id, Type: typeUnwatch, Watch: w.id})
		}
	}
}
