// Package queue is the client side of the matching queue: it announces the
// local participant over a websocket, tracks queue depth and resolves to the
// session id delivered by the matching server.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

var (
	ErrCancelled         = errors.New("queue ticket cancelled")
	ErrTransportClosed   = errors.New("queue transport closed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyConnected  = errors.New("queue client already connected")
)

// Conn is the subset of *websocket.Conn the client needs.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// DialFunc opens the queue transport.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// PendingStore holds the question/answer announced with the ticket.
type PendingStore interface {
	PendingQuestion(ctx context.Context) (question, answer string, err error)
	ClearPending(ctx context.Context) error
}

type result struct {
	sessionID string
	err       error
}

type Client struct {
	url    string
	header http.Header
	dial   DialFunc
	store  PendingStore
	logger *zap.Logger

	onUpdate func(models.QueueTicket)

	mu     sync.Mutex
	conn   Conn
	ticket models.QueueTicket

	result     chan result
	resolveOne sync.Once
	closeOnce  sync.Once
}

type Option func(*Client)

// WithDialer replaces the websocket dialer (used in tests).
func WithDialer(d DialFunc) Option { return func(c *Client) { c.dial = d } }

// WithHeader adds headers to the websocket handshake, e.g. the account bearer token.
func WithHeader(h http.Header) Option { return func(c *Client) { c.header = h } }

// WithUpdateHook is called with a ticket snapshot after every change.
func WithUpdateHook(fn func(models.QueueTicket)) Option { return func(c *Client) { c.onUpdate = fn } }

func NewClient(url string, store PendingStore, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dial:   dialWebsocket,
		store:  store,
		logger: utils.OrNop(logger).Named("queue"),
		ticket: models.QueueTicket{State: models.QueueDisconnected},
		result: make(chan result, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Ticket returns a snapshot of the queue ticket.
func (c *Client) Ticket() models.QueueTicket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticket
}

// Connect opens the transport and announces p. On success the ticket is Queued
// and a reader goroutine processes server frames until the ticket resolves.
func (c *Client) Connect(ctx context.Context, p models.Participant) error {
	c.mu.Lock()
	if c.ticket.State != models.QueueDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.ticket.State = models.QueueConnecting
	c.mu.Unlock()
	c.notify()

	question, answer, err := c.store.PendingQuestion(ctx)
	if err != nil {
		// announce without them rather than not at all
		c.logger.Warn("Failed to read pending question", zap.Error(err))
	}

	conn, err := c.dial(ctx, c.url, c.header)
	if err != nil {
		c.connectFailed()
		return fmt.Errorf("dial queue: %w", err)
	}

	env, err := models.NewEnvelope(models.FrameAnnounce, models.AnnounceFor(p, question, answer))
	if err != nil {
		conn.Close()
		c.connectFailed()
		return fmt.Errorf("encode announce: %w", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		c.connectFailed()
		return fmt.Errorf("announce: %w", err)
	}

	c.mu.Lock()
	if c.ticket.State != models.QueueConnecting {
		// cancelled while dialing
		c.mu.Unlock()
		conn.Close()
		return ErrCancelled
	}
	c.conn = conn
	c.ticket.State = models.QueueQueued
	c.mu.Unlock()
	c.notify()

	c.logger.Info("Announced to matching queue", zap.String("participantId", p.ID))

	go c.readLoop(conn)
	return nil
}

// Wait blocks until the ticket is matched, cancelled, the transport drops, or
// ctx ends.
func (c *Client) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-c.result:
		// keep the result available for later callers
		c.result <- r
		return r.sessionID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel releases the ticket. It is a no-op once the ticket is matched.
func (c *Client) Cancel() {
	c.mu.Lock()
	state := c.ticket.State
	if state == models.QueueMatched || state == models.QueueCancelled {
		c.mu.Unlock()
		c.Disconnect()
		return
	}
	c.ticket.State = models.QueueCancelled
	c.mu.Unlock()
	c.notify()

	c.resolve("", ErrCancelled)
	c.Disconnect()
	c.logger.Info("Queue ticket cancelled")
}

// Disconnect closes the transport. Safe to call any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.closeOnce.Do(func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Queue transport close", zap.Error(err))
		}
	})
}

func (c *Client) readLoop(conn Conn) {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.transportClosed(err)
			return
		}
		if done := c.handleFrame(env); done {
			return
		}
	}
}

// handleFrame applies one server frame and reports whether the ticket resolved.
func (c *Client) handleFrame(env models.Envelope) bool {
	switch env.Type {
	case models.FrameQueueLengthUpdate:
		var upd models.QueueLengthUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil || upd.Count < 0 {
			c.logger.Warn("Malformed queue length update", zap.ByteString("data", env.Data))
			return false
		}
		c.mu.Lock()
		if c.ticket.State != models.QueueQueued {
			c.mu.Unlock()
			return false
		}
		c.ticket.QueueLength = upd.Count
		c.mu.Unlock()
		metrics.QueueLengthUpdates.Inc()
		c.notify()
		return false

	case models.FrameMatched:
		var m models.Matched
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &m); err != nil {
				c.logger.Warn("Malformed matched frame", zap.Error(err))
			}
		}
		if m.SessionID == "" {
			metrics.ProtocolViolations.WithLabelValues(models.FrameMatched).Inc()
			c.logger.Error("No sessionId in matched event data", zap.Error(ErrProtocolViolation))
			return false
		}
		return c.matched(m.SessionID)

	default:
		c.logger.Debug("Ignoring queue frame", zap.String("type", env.Type))
		return false
	}
}

func (c *Client) matched(sessionID string) bool {
	c.mu.Lock()
	if c.ticket.State != models.QueueQueued {
		c.mu.Unlock()
		return true
	}
	c.ticket.State = models.QueueMatched
	c.ticket.SessionID = sessionID
	c.mu.Unlock()
	c.notify()

	// the question/answer belong to this ticket only
	if err := c.store.ClearPending(context.Background()); err != nil {
		c.logger.Warn("Failed to clear pending question", zap.Error(err))
	}

	metrics.Matches.WithLabelValues("client").Inc()
	c.logger.Info("Matched", zap.String("sessionId", sessionID))

	c.resolve(sessionID, nil)
	c.Disconnect()
	return true
}

func (c *Client) transportClosed(err error) {
	c.mu.Lock()
	queued := c.ticket.State == models.QueueQueued
	if queued {
		c.ticket.State = models.QueueDisconnected
	}
	c.mu.Unlock()

	if !queued {
		return
	}
	c.notify()
	c.logger.Warn("Queue transport closed while waiting", zap.Error(err))
	c.resolve("", fmt.Errorf("%w: %v", ErrTransportClosed, err))
}

func (c *Client) resolve(sessionID string, err error) {
	c.resolveOne.Do(func() {
		c.result <- result{sessionID: sessionID, err: err}
	})
}

// connectFailed rolls Connecting back to Disconnected unless Cancel won the race.
func (c *Client) connectFailed() {
	c.mu.Lock()
	if c.ticket.State != models.QueueConnecting {
		c.mu.Unlock()
		return
	}
	c.ticket.State = models.QueueDisconnected
	c.mu.Unlock()
	c.notify()
}

func (c *Client) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Ticket())
}
