package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

type fakeClient struct {
	connID domain.ConnectionIDType

	mu      sync.Mutex
	sent    []string
	payload map[string]any
}

func newFakeClient(id domain.ConnectionIDType) *fakeClient {
	return &fakeClient{connID: id, payload: make(map[string]any)}
}

func (f *fakeClient) GetConnectionID() domain.ConnectionIDType   { return f.connID }
func (f *fakeClient) GetParticipantID() domain.ParticipantIDType { return "" }
func (f *fakeClient) SendRaw(data []byte)                        {}
func (f *fakeClient) Disconnect()                                {}

func (f *fakeClient) SendMessage(opcode string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, opcode)
	f.payload[opcode] = payload
}

func (f *fakeClient) has(opcode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.payload[opcode]
	return ok
}

func setupTwoPlayerGame(t *testing.T, scene domain.SceneSpec) (*Manager, *registry.Registry, *registry.Game, *fakeClient, *fakeClient) {
	t.Helper()
	reg := registry.New()
	mgr := NewManager(reg, nil, nil)

	clients := make(map[domain.ParticipantIDType]*fakeClient)
	for _, id := range []domain.ParticipantIDType{"a", "b"} {
		p, _ := reg.GetOrCreateParticipant(id)
		c := newFakeClient(domain.ConnectionIDType("conn-" + string(id)))
		conn := &registry.Connection{ID: c.connID, Client: c}
		reg.RegisterConnection(conn)
		reg.BindConnection(conn, p)
		clients[id] = c
	}

	group := &registry.PlayerGroup{
		ID:             "g1",
		SceneID:        scene.SceneID,
		OrderedMembers: []domain.ParticipantIDType{"a", "b"},
		FormedAt:       time.Now(),
	}

	g := mgr.CreateGame(context.Background(), scene, group)

	return mgr, reg, g, clients["a"], clients["b"]
}

func TestCreateGame_AssignsPlayerIndexAndSharedSeed(t *testing.T) {
	scene := domain.SceneSpec{SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative}
	_, _, g, clientA, clientB := setupTwoPlayerGame(t, scene)

	require.True(t, clientA.has(wire.OpPlayerAssigned))
	require.True(t, clientB.has(wire.OpPlayerAssigned))

	a := clientA.payload[wire.OpPlayerAssigned].(wire.PlayerAssignedPayload)
	b := clientB.payload[wire.OpPlayerAssigned].(wire.PlayerAssignedPayload)

	assert.Equal(t, 0, a.PlayerIndex)
	assert.Equal(t, 1, b.PlayerIndex)
	assert.Equal(t, g.Seed, a.Seed)
	assert.Equal(t, a.Seed, b.Seed, "both peers derive RNG state from the same seed")
	assert.Equal(t, 2, a.ExpectedPlayerCount)
}

func TestSubmitAction_RelaysToOtherMemberNotSender(t *testing.T) {
	scene := domain.SceneSpec{SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative}
	mgr, _, g, clientA, clientB := setupTwoPlayerGame(t, scene)

	mgr.SubmitAction(g.ID, "a", 7, "move-left")

	require.True(t, clientB.has(wire.OpTickBroadcast))
	assert.False(t, clientA.has(wire.OpTickBroadcast), "action is not echoed back to its sender")

	payload := clientB.payload[wire.OpTickBroadcast].(wire.TickBroadcastPayload)
	assert.Equal(t, int64(7), payload.Tick)
	assert.Equal(t, "move-left", payload.Payload)
}

func TestSelfExclude_NotifiesPartnerAndMarksPartial(t *testing.T) {
	scene := domain.SceneSpec{SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative}
	mgr, reg, g, _, clientB := setupTwoPlayerGame(t, scene)

	mgr.SelfExclude(g.ID, "a", "tab_hidden")

	require.True(t, clientB.has(wire.OpPartnerExcluded))
	require.True(t, clientB.has(wire.OpEndGame))

	end := clientB.payload[wire.OpEndGame].(wire.EndGamePayload)
	assert.True(t, end.Partial)
	assert.Equal(t, "your partner experienced a technical issue", end.Reason)

	pa, ok := reg.GetParticipant("a")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantEnded, pa.State)

	_, stillActive := reg.GetGame(g.ID)
	assert.True(t, stillActive, "game is only dropped after the short drain period")
}

func TestRecordHashSample_DesyncDoesNotTerminateGame(t *testing.T) {
	scene := domain.SceneSpec{SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative, HashSamplingEvery: 30}
	mgr, reg, g, _, _ := setupTwoPlayerGame(t, scene)

	mgr.RecordHashSample(g.ID, "a", 60, "0xAAAA")
	mgr.RecordHashSample(g.ID, "b", 60, "0xBBBB")

	found, ok := reg.GetGame(g.ID)
	require.True(t, ok)
	assert.Equal(t, domain.GameActive, found.Status, "log-and-continue: a mismatch never terminates the game")
}

func TestTeardownMember_ReleasesPeerState(t *testing.T) {
	scene := domain.SceneSpec{SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative}
	mgr, _, g, _, _ := setupTwoPlayerGame(t, scene)

	g.Peer.SignalingBuffer["a"] = [][]byte{[]byte("x")}
	mgr.TeardownMember(g.ID, "a")

	_, present := g.Peer.SignalingBuffer["a"]
	assert.False(t, present)
}

// fakeStepper reports episode completion on a configured call count, letting
// tests drive the server-authoritative episode-boundary path deterministically.
type fakeStepper struct {
	mu         sync.Mutex
	stepCalls  int
	doneOnTick int
}

func (s *fakeStepper) Step(ctx context.Context, actions map[int]any) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCalls++
	return nil, s.doneOnTick > 0 && s.stepCalls >= s.doneOnTick, nil
}

func (s *fakeStepper) Reset(ctx context.Context, seed int64) (any, error) {
	return nil, nil
}

func setupStepperGame(t *testing.T, scene domain.SceneSpec, stepper domain.Stepper) (*Manager, *registry.Registry, *registry.Game) {
	t.Helper()
	reg := registry.New()
	steppers := map[domain.SceneIDType]domain.Stepper{scene.SceneID: stepper}
	mgr := NewManager(reg, nil, steppers)

	for _, id := range []domain.ParticipantIDType{"a", "b"} {
		p, _ := reg.GetOrCreateParticipant(id)
		c := newFakeClient(domain.ConnectionIDType("conn-" + string(id)))
		conn := &registry.Connection{ID: c.connID, Client: c}
		reg.RegisterConnection(conn)
		reg.BindConnection(conn, p)
	}

	group := &registry.PlayerGroup{
		ID: "g1", SceneID: scene.SceneID,
		OrderedMembers: []domain.ParticipantIDType{"a", "b"},
		FormedAt:       time.Now(),
	}
	g := mgr.CreateGame(context.Background(), scene, group)
	return mgr, reg, g
}

func TestEpisodeRollover_StepperReportedDoneBeginsReset(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModeServerAuthoritative,
		TickRate: 200, Episodes: 2, ResetFreeze: 5 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())
	stepper := &fakeStepper{doneOnTick: 1}
	mgr, reg, g := setupStepperGame(t, scene, stepper)
	_ = mgr

	require.Eventually(t, func() bool {
		found, ok := reg.GetGame(g.ID)
		return ok && found.Status == domain.GameResetting
	}, time.Second, 5*time.Millisecond, "a stepper-reported episode end must begin a reset rather than re-fire every tick")

	found, _ := reg.GetGame(g.ID)
	assert.Equal(t, 1, found.EpisodesCompleted)
}

func TestEpisodeRollover_AllEpisodesCompleteTerminatesGame(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModeServerAuthoritative,
		TickRate: 200, Episodes: 1, ResetFreeze: 5 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())
	stepper := &fakeStepper{doneOnTick: 1}
	mgr, reg, g := setupStepperGame(t, scene, stepper)
	_ = mgr

	require.Eventually(t, func() bool {
		_, ok := reg.GetGame(g.ID)
		return !ok
	}, time.Second, 5*time.Millisecond, "a scene with Episodes == 1 must terminate naturally after its one episode, not immediately")
}

func TestAckResetComplete_EpisodeBoundaryViaExternalAckForNonStepperScene(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative,
		Episodes: 2, ResetFreeze: 5 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())
	mgr, reg, g, _, _ := setupTwoPlayerGame(t, scene)

	mgr.AckResetComplete(g.ID, "a")
	found, _ := reg.GetGame(g.ID)
	assert.Equal(t, domain.GameActive, found.Status, "one of two members acking must not yet trigger the boundary")

	mgr.AckResetComplete(g.ID, "b")
	found, _ = reg.GetGame(g.ID)
	assert.Equal(t, domain.GameResetting, found.Status, "every member acking while Active must begin a reset")
}

func TestWaitForResetAcks_AllMembersAckingReentersActive(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative,
		Episodes: 2, ResetFreeze: 5 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())
	mgr, reg, g, _, _ := setupTwoPlayerGame(t, scene)

	mgr.AckResetComplete(g.ID, "a")
	mgr.AckResetComplete(g.ID, "b")
	found, _ := reg.GetGame(g.ID)
	require.Equal(t, domain.GameResetting, found.Status)

	mgr.AckResetComplete(g.ID, "a")
	mgr.AckResetComplete(g.ID, "b")

	require.Eventually(t, func() bool {
		found, ok := reg.GetGame(g.ID)
		return ok && found.Status == domain.GameActive
	}, time.Second, 5*time.Millisecond, "every member acking the reset must re-enter Active")
}

func TestWaitForResetAcks_TimesOutWithoutAllAcks(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative,
		Episodes: 2, ResetFreeze: 5 * time.Millisecond,
	}
	require.NoError(t, scene.Validate())
	mgr, reg, g, _, _ := setupTwoPlayerGame(t, scene)

	mgr.AckResetComplete(g.ID, "a")
	mgr.AckResetComplete(g.ID, "b")
	found, _ := reg.GetGame(g.ID)
	require.Equal(t, domain.GameResetting, found.Status)

	found.ResetDeadline = time.Now().Add(-time.Second)

	require.Eventually(t, func() bool {
		found, ok := reg.GetGame(g.ID)
		return ok && found.Status == domain.GameActive
	}, time.Second, 5*time.Millisecond, "a Resetting game past its deadline must re-enter Active even without every ack")
}

func TestCollectActions_BlockPolicyStallsThenFallsBackPastDeadline(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative,
		ActionPopulationPolicy: domain.PopulationBlock,
	}
	require.NoError(t, scene.Validate())
	reg := registry.New()
	mgr := NewManager(reg, nil, nil)
	group := &registry.PlayerGroup{ID: "g1", SceneID: scene.SceneID, OrderedMembers: []domain.ParticipantIDType{"a", "b"}}
	g := &registry.Game{
		ID: "g1", SceneID: scene.SceneID, Scene: scene, Group: group, Status: domain.GameActive,
		LastActions: make(map[int]any), ExcludedMembers: make(map[domain.ParticipantIDType]struct{}),
	}
	lock := reg.CreateGame(g)

	period := 5 * time.Millisecond
	start := time.Now()
	actions := mgr.collectActions(g, lock, period)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*period, "Block must stall at least until the 2x-period deadline when actions never arrive")
	assert.Nil(t, actions[0])
	assert.Nil(t, actions[1])
}

func TestCollectActions_BlockPolicyReturnsEarlyOnceAllActionsArrive(t *testing.T) {
	scene := domain.SceneSpec{
		SceneID: "s1", GroupSize: 2, PeerMode: domain.PeerModePeerAuthoritative,
		ActionPopulationPolicy: domain.PopulationBlock,
	}
	require.NoError(t, scene.Validate())
	reg := registry.New()
	mgr := NewManager(reg, nil, nil)
	group := &registry.PlayerGroup{ID: "g1", SceneID: scene.SceneID, OrderedMembers: []domain.ParticipantIDType{"a", "b"}}
	g := &registry.Game{
		ID: "g1", SceneID: scene.SceneID, Scene: scene, Group: group, Status: domain.GameActive,
		LastActions: make(map[int]any), ExcludedMembers: make(map[domain.ParticipantIDType]struct{}),
	}
	lock := reg.CreateGame(g)

	period := 50 * time.Millisecond
	go func() {
		time.Sleep(10 * time.Millisecond)
		mgr.SubmitAction(g.ID, "a", 1, "up")
		mgr.SubmitAction(g.ID, "b", 1, "down")
	}()

	start := time.Now()
	actions := mgr.collectActions(g, lock, period)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*period, "Block must return as soon as every member has an action, without waiting out the full deadline")
	assert.Equal(t, "up", actions[0])
	assert.Equal(t, "down", actions[1])
}
