package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/wire"
)

// fakeWsConn implements wsConnection over an in-memory queue of inbound
// frames, standing in for *websocket.Conn so tests stub the connection
// rather than dialing a real socket.
type fakeWsConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	closed   bool
	closes   int
	written  [][]byte
	writeErr error
}

func (f *fakeWsConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	msg := f.inbound[0]
	f.inbound = f.inbound[1:]
	return 1, msg, nil
}

func (f *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWsConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closes++
	return nil
}

func (f *fakeWsConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeWsConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeWsConn) SetPongHandler(h func(string) error) {}

func TestClient_ReadPumpDispatchesDecodedMessageThenDisconnects(t *testing.T) {
	conn := &fakeWsConn{inbound: [][]byte{[]byte(`{"opcode":"ping","payload":{}}`)}}

	var gotOpcode string
	var mu sync.Mutex
	onMessage := func(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, msg wire.Message) {
		mu.Lock()
		gotOpcode = msg.Opcode
		mu.Unlock()
	}

	disconnected := make(chan domain.ConnectionIDType, 1)
	onDisconnect := func(ctx context.Context, connID domain.ConnectionIDType) {
		disconnected <- connID
	}

	c := newClient("conn-1", conn, onMessage, onDisconnect)
	c.readPump()

	select {
	case id := <-disconnected:
		assert.Equal(t, domain.ConnectionIDType("conn-1"), id)
	case <-time.After(time.Second):
		t.Fatal("onDisconnect was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ping", gotOpcode)
}

func TestClient_ReadPumpSkipsMalformedFramesWithoutDisconnecting(t *testing.T) {
	conn := &fakeWsConn{inbound: [][]byte{[]byte(`not json`), []byte(`{"opcode":"ping","payload":{}}`)}}

	var calls int
	onMessage := func(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, msg wire.Message) {
		calls++
	}
	c := newClient("conn-1", conn, onMessage, func(context.Context, domain.ConnectionIDType) {})
	c.readPump()

	assert.Equal(t, 1, calls, "the malformed frame is dropped, not dispatched")
}

func TestClient_SendMessageRoutesPriorityOpcodesOntoPriorityLane(t *testing.T) {
	conn := &fakeWsConn{}
	c := newClient("conn-1", conn, nil, nil)

	c.SendMessage(wire.OpTickBroadcast, wire.TickBroadcastPayload{Tick: 1})

	select {
	case <-c.prioritySend:
	default:
		t.Fatal("expected tick broadcast to be queued on the priority lane")
	}
}

func TestClient_SendMessageRoutesRoutineOpcodesOntoNormalLane(t *testing.T) {
	conn := &fakeWsConn{}
	c := newClient("conn-1", conn, nil, nil)

	c.SendMessage(wire.OpWaitingRoomStatus, wire.WaitingRoomStatusPayload{})

	select {
	case <-c.send:
	default:
		t.Fatal("expected waiting room status to be queued on the normal lane")
	}
}

func TestClient_EnqueueDropsSilentlyOnceClosed(t *testing.T) {
	conn := &fakeWsConn{}
	c := newClient("conn-1", conn, nil, nil)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.SendMessage(wire.OpPong, struct{}{})

	assert.Empty(t, c.send)
	assert.Empty(t, c.prioritySend)
}

func TestClient_DisconnectClosesConnectionExactlyOnce(t *testing.T) {
	conn := &fakeWsConn{}
	c := newClient("conn-1", conn, nil, nil)

	c.Disconnect()
	c.Disconnect()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
	assert.Equal(t, 1, conn.closes)
}

func TestClient_BindParticipantUpdatesGetParticipantID(t *testing.T) {
	c := newClient("conn-1", &fakeWsConn{}, nil, nil)
	require.Empty(t, c.GetParticipantID())

	c.BindParticipant("p1")
	assert.Equal(t, domain.ParticipantIDType("p1"), c.GetParticipantID())
}
