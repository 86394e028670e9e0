// Package transport is the WebSocket adapter between browser connections
// and the core subsystems: it upgrades HTTP requests, frames/deframes the
// JSON wire envelope, and forwards every inbound message to a
// dispatch-supplied handler without interpreting opcodes itself. Each
// connection runs a read pump and write pump goroutine pair with a
// buffered send channel and a priority lane for latency-sensitive messages.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
	"github.com/chasemcd/experimentd/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// MessageHandler receives every inbound wire.Message for a connection. It
// is supplied by the dispatch layer; transport never interprets opcodes.
type MessageHandler func(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, msg wire.Message)

// DisconnectHandler is invoked once a connection's read loop exits for any
// reason (client close, network error, server-initiated Disconnect).
type DisconnectHandler func(ctx context.Context, connID domain.ConnectionIDType)

// wsConnection is the subset of *websocket.Conn transport depends on,
// narrowed to keep the read/write pumps testable against a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one live WebSocket connection. It implements
// domain.ClientInterface.
type Client struct {
	id           domain.ConnectionIDType
	conn         wsConnection
	onMessage    MessageHandler
	onDisconnect DisconnectHandler

	mu            sync.RWMutex
	participantID domain.ParticipantIDType
	closed        bool
	closeOnce     sync.Once

	send         chan []byte
	prioritySend chan []byte
}

func newClient(id domain.ConnectionIDType, conn wsConnection, onMessage MessageHandler, onDisconnect DisconnectHandler) *Client {
	return &Client{
		id:           id,
		conn:         conn,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		send:         make(chan []byte, 64),
		prioritySend: make(chan []byte, 16),
	}
}

// GetConnectionID satisfies domain.ClientInterface.
func (c *Client) GetConnectionID() domain.ConnectionIDType { return c.id }

// GetParticipantID satisfies domain.ClientInterface. It is empty until the
// dispatch layer's register handler calls BindParticipant.
func (c *Client) GetParticipantID() domain.ParticipantIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

// BindParticipant records which participant this connection now belongs
// to, once the dispatch layer's register handler resolves it.
func (c *Client) BindParticipant(id domain.ParticipantIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = id
}

// SendMessage satisfies domain.ClientInterface: marshals payload into the
// wire envelope and enqueues it on the priority or normal send lane
// depending on opcode.
func (c *Client) SendMessage(opcode string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound payload", zap.String("opcode", opcode), zap.Error(err))
		return
	}
	envelope, err := json.Marshal(wire.Message{Opcode: opcode, Payload: data})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound envelope", zap.String("opcode", opcode), zap.Error(err))
		return
	}
	c.enqueue(envelope, isPriorityOpcode(opcode))
}

// SendRaw satisfies domain.ClientInterface for callers that already hold a
// fully-framed envelope (e.g. a relayed signaling payload).
func (c *Client) SendRaw(data []byte) {
	c.enqueue(data, false)
}

func (c *Client) enqueue(data []byte, priority bool) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		logging.Warn(context.Background(), "dropping outbound message, send channel full", zap.String("connection_id", string(c.id)))
	}
}

// Disconnect satisfies domain.ClientInterface.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// isPriorityOpcode routes latency-sensitive outbound opcodes onto the
// priority lane so they are never starved behind a backlog of routine
// status updates.
func isPriorityOpcode(opcode string) bool {
	switch opcode {
	case wire.OpPlayerAssigned, wire.OpTickBroadcast, wire.OpAuthoritativeState,
		wire.OpResetGame, wire.OpEndGame, wire.OpPartnerExcluded,
		wire.OpSignaling, wire.OpDuplicateSession, wire.OpInvalidSession:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.onDisconnect(context.Background(), c.id)
		c.conn.Close()
		metrics.DecConnection()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "dropping malformed inbound message", zap.String("connection_id", string(c.id)), zap.Error(err))
			continue
		}

		c.onMessage(context.Background(), c.id, c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
