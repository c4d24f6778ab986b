package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxMessageSize = 1 << 20
)

// Conn is one WebSocket client. It starts Unbound and becomes Bound to a
// session on init_session or once its first query's session id is
// captured.
//
// Messages are handled in order. A query's turn runs in its own goroutine
// so the reader notices a disconnect mid-stream; a message that arrives
// during a turn waits for the turn to end.
type Conn struct {
	gateway *Gateway
	ws      *websocket.Conn
	logger  log.Logger

	writeMu sync.Mutex
	closed  bool

	mu        sync.Mutex
	sessionID string
	turnDone  chan struct{}
}

func newConn(g *Gateway, ws *websocket.Conn, logger log.Logger) *Conn {
	return &Conn{gateway: g, ws: ws, logger: logger.With("remote", ws.RemoteAddr().String())}
}

// SessionID returns the bound session id, or "" while Unbound.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) bind(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Send writes one event as a text frame.
func (c *Conn) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (c *Conn) sendError(msg string) {
	c.Send(Event{Type: EventError, Message: msg})
}

func (c *Conn) markClosed() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
}

// serve runs the reader loop until the client goes away, then waits for an
// in-flight turn and persists the bound session's replay log.
func (c *Conn) serve(ctx context.Context) {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.ping(pingCtx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(fmt.Sprintf("invalid message: %v", err))
			continue
		}
		c.handle(ctx, msg)
		// Pongs are not read while a message waits for a turn
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}

	c.markClosed()
	stopPing()
	c.waitTurn()
	if id := c.SessionID(); id != "" {
		// The connection stays cached for the next client
		c.gateway.pipeline.persistMirror(c.gateway.ctx, id, c.logger)
		c.logger.Debug("websocket closed", "session_id", id)
	}
}

func (c *Conn) ping(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	c.waitTurn()
	switch msg.Type {
	case MessageInitSession:
		c.initSession(ctx, msg.ClaudeSessionID)
	case MessageQuery:
		c.query(ctx, msg)
	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Conn) initSession(ctx context.Context, id string) {
	if id == "" {
		c.sendError("init_session requires claude_session_id")
		return
	}
	if _, err := c.gateway.resume(ctx, id); err != nil {
		c.sendError(resumeErrorText(id, err))
		return
	}
	messages, err := c.gateway.store.Messages(ctx, id)
	if err != nil {
		c.sendError(fmt.Sprintf("loading history: %v", err))
		return
	}
	c.bind(id)
	c.logger.Info("session bound", "session_id", id, "messages", len(messages))
	c.Send(Event{Type: EventSessionReady, SessionID: id, Messages: messages})
}

func resumeErrorText(id string, err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fmt.Sprintf("session %s not found", id)
	case errors.Is(err, session.ErrInvalidID):
		return err.Error()
	}
	return fmt.Sprintf("resuming session %s: %v", id, err)
}

func (c *Conn) query(ctx context.Context, msg ClientMessage) {
	id := msg.SessionID
	if id == "" {
		id = c.SessionID()
	}

	g := c.gateway
	var tr TurnRequest
	if id == "" {
		turn, err := g.registry.CreateWithFirstPrompt(g.ctx, msg.Content, runtime.ConnectOptions{})
		if err != nil {
			c.logger.Error("starting session failed", "error", err)
			c.sendError(err.Error())
			return
		}
		tr = TurnRequest{
			Turn:   turn,
			Prompt: msg.Content,
			Fresh:  true,
			Captured: func(id string) []Event {
				c.bind(id)
				return []Event{
					{Type: EventSessionIDCaptured, SessionID: id},
					{Type: EventSessionCreated, SessionID: id},
				}
			},
		}
	} else {
		if _, err := g.resume(ctx, id); err != nil {
			c.sendError(resumeErrorText(id, err))
			return
		}
		turn, err := g.registry.SendAndStream(g.ctx, id, msg.Content)
		if err != nil {
			c.sendError(sendErrorText(err))
			return
		}
		c.bind(id)
		tr = TurnRequest{Turn: turn, Prompt: msg.Content}
	}
	c.startTurn(tr)
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionBusy):
		return "session is busy with another query"
	case errors.Is(err, registry.ErrNoActiveConnection):
		return "no active connection for session"
	}
	return err.Error()
}

func (c *Conn) startTurn(tr TurnRequest) {
	done := make(chan struct{})
	c.mu.Lock()
	c.turnDone = done
	c.mu.Unlock()

	err := c.gateway.goTurn(c.logger, func(ctx context.Context) {
		defer close(done)
		id, err := c.gateway.pipeline.Run(ctx, c, tr)
		if err != nil {
			c.logger.Warn("turn failed", "session_id", id, "error", err)
		}
	})
	if err != nil {
		drainTurn(tr.Turn)
		close(done)
		c.sendError(err.Error())
	}
}

func (c *Conn) waitTurn() {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
