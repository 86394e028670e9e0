package matchmaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/game"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// fakeClient records every outbound message sent to it, standing in for a
// transport.Client that implements domain.ClientInterface.
type fakeClient struct {
	connID domain.ConnectionIDType

	mu       sync.Mutex
	opcodes  []string
	lastByOp map[string]any
}

func newFakeClient(id domain.ConnectionIDType) *fakeClient {
	return &fakeClient{connID: id, lastByOp: make(map[string]any)}
}

func (f *fakeClient) GetConnectionID() domain.ConnectionIDType { return f.connID }
func (f *fakeClient) GetParticipantID() domain.ParticipantIDType { return "" }
func (f *fakeClient) SendRaw(data []byte)                        {}
func (f *fakeClient) Disconnect()                                {}

func (f *fakeClient) SendMessage(opcode string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opcodes = append(f.opcodes, opcode)
	f.lastByOp[opcode] = payload
}

func (f *fakeClient) received(opcode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.lastByOp[opcode]
	return ok
}

func bindParticipant(t *testing.T, reg *registry.Registry, id domain.ParticipantIDType) *fakeClient {
	t.Helper()
	p, _ := reg.GetOrCreateParticipant(id)
	client := newFakeClient(domain.ConnectionIDType("conn-" + id))
	conn := &registry.Connection{ID: client.connID, Client: client}
	reg.RegisterConnection(conn)
	reg.BindConnection(conn, p)
	return client
}

func TestEnqueue_TwoArrivalsFormOneGroup(t *testing.T) {
	reg := registry.New()
	games := game.NewManager(reg, nil, nil)
	mm := New(reg, games, nil, nil)

	clientA := bindParticipant(t, reg, "a")
	clientB := bindParticipant(t, reg, "b")

	scene := domain.SceneSpec{
		SceneID:           "s1",
		Kind:              domain.SceneKindGym,
		GroupSize:         2,
		CountdownDuration: 1 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())

	mm.Enqueue(context.Background(), scene, "a", nil)
	assert.False(t, clientA.received(wire.OpPlayerAssigned), "first arrival alone must keep waiting")

	mm.Enqueue(context.Background(), scene, "b", nil)

	require.Eventually(t, func() bool {
		return clientA.received(wire.OpMatchCountdown) && clientB.received(wire.OpMatchCountdown)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return clientA.received(wire.OpPlayerAssigned) && clientB.received(wire.OpPlayerAssigned)
	}, time.Second, 5*time.Millisecond)

	p, ok := reg.GetParticipant("a")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantInGame, p.State)
}

func TestEnqueue_SameParticipantNeverInTwoWaitingEntries(t *testing.T) {
	reg := registry.New()
	games := game.NewManager(reg, nil, nil)
	mm := New(reg, games, nil, nil)
	bindParticipant(t, reg, "a")

	scene := domain.SceneSpec{SceneID: "s1", Kind: domain.SceneKindGym, GroupSize: 2}
	require.NoError(t, scene.Validate())

	mm.Enqueue(context.Background(), scene, "a", nil)

	wr := reg.WaitroomFor("s1")
	snap := wr.Snapshot()
	count := 0
	for _, e := range snap {
		if e.ParticipantID == "a" {
			count++
		}
	}
	assert.LessOrEqual(t, count, 1)
}

func TestEnqueue_TimeoutWithNoMatchRedirectsAndEndsParticipant(t *testing.T) {
	reg := registry.New()
	games := game.NewManager(reg, nil, nil)
	mm := New(reg, games, nil, nil)
	clientA := bindParticipant(t, reg, "a")

	scene := domain.SceneSpec{
		SceneID:         "s1",
		Kind:            domain.SceneKindGym,
		GroupSize:       2,
		WaitroomMaxWait: 10 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())

	mm.Enqueue(context.Background(), scene, "a", nil)

	require.Eventually(t, func() bool {
		return clientA.received(wire.OpTerminateScene)
	}, time.Second, 5*time.Millisecond)

	p, ok := reg.GetParticipant("a")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantEnded, p.State)

	wr := reg.WaitroomFor("s1")
	assert.Empty(t, wr.Snapshot(), "timed-out entry is removed from the waiting room")
}

func TestLeaveWaitroom_RemovesEntryAndEndsParticipant(t *testing.T) {
	reg := registry.New()
	games := game.NewManager(reg, nil, nil)
	mm := New(reg, games, nil, nil)
	bindParticipant(t, reg, "a")

	scene := domain.SceneSpec{SceneID: "s1", Kind: domain.SceneKindGym, GroupSize: 2}
	require.NoError(t, scene.Validate())
	mm.Enqueue(context.Background(), scene, "a", nil)

	mm.LeaveWaitroom("s1", "a")

	wr := reg.WaitroomFor("s1")
	assert.Empty(t, wr.Snapshot())

	p, ok := reg.GetParticipant("a")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantEnded, p.State)
}
