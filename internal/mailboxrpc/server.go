package mailboxrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/mailbox"
	"github.com/halfduplex/squawk/internal/metrics"
	"github.com/halfduplex/squawk/internal/ratelimit"
)

const (
	wsWriteWait = 5 * time.Second

	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50

	// outboundQueueSize bounds buffered server-to-client messages. A client
	// that cannot keep up with its own watch streams is disconnected rather
	// than allowed to grow the queue without bound.
	outboundQueueSize = 256
)

// ServerConfig holds the per-connection protection knobs.
type ServerConfig struct {
	MaxMessageBytes   int64
	MessagesPerSecond int64
	Clock             ratelimit.Clock
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server exposes a mailbox.Store over websocket connections.
type Server struct {
	store    mailbox.Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	cfg      ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(store mailbox.Store, logger *slog.Logger, m *metrics.Metrics, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		store:   store,
		log:     logger,
		metrics: m,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &serverConn{
		srv:     s,
		ws:      ws,
		out:     make(chan response, outboundQueueSize),
		done:    make(chan struct{}),
		watches: make(map[uint64]mailbox.Subscription),
	}
	go c.writeLoop()
	c.readLoop(r.Context())
}

// serverConn is one client connection. The read loop handles requests; the
// write loop serializes all outbound messages so watch callbacks (which run
// on subscription goroutines) never interleave partial writes.
type serverConn struct {
	srv *Server
	ws  *websocket.Conn

	out  chan response
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	watches map[uint64]mailbox.Subscription
}

func (c *serverConn) readLoop(ctx context.Context) {
	defer c.shutdown()

	limiter := ratelimit.NewTokenBucket(c.srv.cfg.Clock, c.srv.cfg.MessagesPerSecond, c.srv.cfg.MessagesPerSecond)

	for {
		msgType, r, err := c.ws.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := readLimited(r, c.srv.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.closeWith(websocket.CloseUnsupportedData, "invalid message")
			return
		}

		c.handle(ctx, req)
	}
}

func (c *serverConn) handle(ctx context.Context, req request) {
	c.srv.metrics.RPCRequests.WithLabelValues(req.Type).Inc()

	if err := req.validate(); err != nil {
		c.srv.metrics.RPCErrors.WithLabelValues(codeBadRequest).Inc()
		c.send(response{Version: protocolVersion, Type: typeResult, ID: req.ID, Error: codeBadRequest})
		return
	}

	id := channel.ID(req.Channel)
	role := mailbox.Role(req.Role)

	var (
		doc *mailbox.Document
		err error
	)
	switch req.Type {
	case typeGet:
		doc, err = c.srv.store.Channel(ctx, id)
	case typeCreateOffer:
		err = c.srv.store.CreateOffer(ctx, id, *req.Offer)
	case typeCreateAnswer:
		err = c.srv.store.CreateAnswer(ctx, id, *req.Answer)
	case typeDelete:
		err = c.srv.store.DeleteChannel(ctx, id)
	case typeAppendCandidate:
		err = c.srv.store.AppendCandidate(ctx, id, role, *req.Candidate)
	case typeWatchChannel:
		err = c.watchChannel(ctx, req.ID, id)
	case typeWatchCandidates:
		err = c.watchCandidates(ctx, req.ID, id, role)
	case typeUnwatch:
		c.unwatch(req.Watch)
	}

	resp := response{Version: protocolVersion, Type: typeResult, ID: req.ID, Document: doc}
	if err != nil {
		resp.Error = errorCode(err)
		resp.Document = nil
		c.srv.metrics.RPCErrors.WithLabelValues(resp.Error).Inc()
		if resp.Error == codeInternal {
			c.srv.log.Error("mailbox rpc failed", "type", req.Type, "channel", req.Channel, "err", err)
		}
	}
	c.send(resp)
}

func (c *serverConn) watchChannel(ctx context.Context, watchID uint64, id channel.ID) error {
	sub, err := c.srv.store.WatchChannel(ctx, id, func(doc mailbox.Document) {
		c.send(response{Version: protocolVersion, Type: typeChannel, Watch: watchID, Document: &doc})
	})
	if err != nil {
		return err
	}
	c.registerWatch(watchID, sub)
	return nil
}

func (c *serverConn) watchCandidates(ctx context.Context, watchID uint64, id channel.ID, role mailbox.Role) error {
	sub, err := c.srv.store.WatchCandidates(ctx, id, role, func(cand mailbox.Candidate) {
		c.send(response{Version: protocolVersion, Type: typeCandidate, Watch: watchID, Candidate: &cand})
	})
	if err != nil {
		return err
	}
	c.registerWatch(watchID, sub)
	return nil
}

func (c *serverConn) registerWatch(watchID uint64, sub mailbox.Subscription) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return
	}
	if prev, ok := c.watches[watchID]; ok {
		prev.Close()
	} else {
		c.srv.metrics.ActiveWatches.Inc()
	}
	c.watches[watchID] = sub
	c.mu.Unlock()
}

func (c *serverConn) unwatch(watchID uint64) {
	c.mu.Lock()
	sub, ok := c.watches[watchID]
	if ok {
		delete(c.watches, watchID)
	}
	c.mu.Unlock()

	if ok {
		sub.Close()
		c.srv.metrics.ActiveWatches.Dec()
	}
}

// send enqueues an outbound message. A full queue means the client is not
// draining its watch streams; the connection is dropped so the store-side
// subscriptions get released.
func (c *serverConn) send(resp response) {
	select {
	case <-c.done:
	case c.out <- resp:
	default:
		c.srv.log.Warn("mailbox rpc client too slow, disconnecting", "remote_addr", c.ws.RemoteAddr().String())
		c.shutdown()
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(resp); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *serverConn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *serverConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	watches := c.watches
	c.watches = nil
	close(c.done)
	c.mu.Unlock()

	for _, sub := range watches {
		sub.Close()
		c.srv.metrics.ActiveWatches.Dec()
	}
	_ = c.ws.Close()
}

var errMessageTooLarge = errors.New("mailboxrpc: message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
