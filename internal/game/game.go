// Package game owns the lifetime of a single Game entity — creation, tick
// loop, reset, termination — and the peer-coordination operations bound to
// it (signaling relay, action relay, hash sampling, exclusion), since
// PeerSessionState is a sub-entity of Game and the two are never used
// independently.
package game

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// Manager owns every active Game's lifecycle.
type Manager struct {
	reg     *registry.Registry
	sink    domain.DataSink
	steppers map[domain.SceneIDType]domain.Stepper // optional, keyed by scene

	wg sync.WaitGroup
}

// NewManager constructs a Manager. steppers maps sceneID to a pluggable
// Stepper for server-authoritative scenes; scenes absent from the map must
// not use server-authoritative peer mode.
func NewManager(reg *registry.Registry, sink domain.DataSink, steppers map[domain.SceneIDType]domain.Stepper) *Manager {
	if steppers == nil {
		steppers = make(map[domain.SceneIDType]domain.Stepper)
	}
	return &Manager{reg: reg, sink: sink, steppers: steppers}
}

// CreateGame allocates a new Game for a freshly formed group and starts its
// tick loop.
func (m *Manager) CreateGame(ctx context.Context, scene domain.SceneSpec, group *registry.PlayerGroup) *registry.Game {
	g := &registry.Game{
		ID:              domain.GameIDType(newGameID()),
		SceneID:         scene.SceneID,
		Scene:           scene,
		Group:           group,
		Status:          domain.GameActive,
		CreatedAt:       time.Now(),
		Seed:            rand.Int63(),
		LastActions:     make(map[int]any),
		ExcludedMembers: make(map[domain.ParticipantIDType]struct{}),
	}
	if scene.PeerMode != domain.PeerModeNone {
		g.Peer = registry.NewPeerSessionState()
	}

	lock := m.reg.CreateGame(g)
	metrics.ActiveGames.Inc()

	for _, participantID := range group.OrderedMembers {
		p, ok := m.reg.GetParticipant(participantID)
		if !ok {
			continue
		}
		p.State = domain.ParticipantInGame
		m.sendToParticipant(participantID, wire.OpPlayerAssigned, wire.PlayerAssignedPayload{
			GameID:              string(g.ID),
			PlayerIndex:         group.PlayerIndex(participantID),
			Seed:                g.Seed,
			ExpectedPlayerCount: len(group.OrderedMembers),
		})
	}

	logging.Info(ctx, "game created",
		zap.String("game_id", string(g.ID)),
		zap.String("scene_id", string(scene.SceneID)),
		zap.Int("group_size", len(group.OrderedMembers)),
	)

	m.wg.Add(1)
	go m.runTickLoop(g, lock)

	return g
}

// runTickLoop drives one Active game at its scene's tick rate until it
// reaches Done. One loop runs per active game.
func (m *Manager) runTickLoop(g *registry.Game, lock *sync.Mutex) {
	defer m.wg.Done()

	if g.Scene.TickRate <= 0 {
		return // static/non-ticking peer-authoritative-only scene; nothing to drive
	}

	period := time.Second / time.Duration(g.Scene.TickRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for range ticker.C {
		lock.Lock()
		status := g.Status
		lock.Unlock()
		if status != domain.GameActive {
			if status == domain.GameDone {
				return
			}
			continue
		}

		actions := m.collectActions(g, lock, period)

		lock.Lock()
		if g.Status != domain.GameActive {
			lock.Unlock()
			continue
		}
		start := time.Now()
		episodeDone := m.advanceTickLocked(g, actions)
		metrics.TickDuration.WithLabelValues(string(g.SceneID)).Observe(time.Since(start).Seconds())
		lock.Unlock()

		if episodeDone {
			if terminated := m.completeEpisode(g, lock); terminated {
				return
			}
		}
	}
}

// advanceTickLocked runs one tick of the game using an already-collected
// action set and reports whether it concluded the current episode. Only
// stepper-driven (server-authoritative) scenes can report this from the tick
// loop itself; peer-authoritative scenes without a stepper report episode
// completion out-of-band through AckResetComplete. Caller holds the game
// lock.
func (m *Manager) advanceTickLocked(g *registry.Game, actions map[int]any) bool {
	g.TickSeqNum++

	episodeDone := false

	if stepper, ok := m.steppers[g.SceneID]; ok && g.Scene.PeerMode == domain.PeerModeServerAuthoritative {
		renderState, done, err := stepper.Step(context.Background(), actions)
		if err != nil {
			logging.Error(context.Background(), "stepper step failed", zap.String("game_id", string(g.ID)), zap.Error(err))
		} else {
			episodeDone = done
			m.broadcastToGame(g, wire.OpAuthoritativeState, wire.TickBroadcastPayload{
				GameID: string(g.ID), Tick: g.TickSeqNum, Payload: renderState,
			})
		}
	} else {
		m.broadcastToGame(g, wire.OpTickBroadcast, wire.TickBroadcastPayload{
			GameID: string(g.ID), Tick: g.TickSeqNum, Payload: actions,
		})
	}

	stride := g.Scene.HashSamplingEvery
	if stride <= 0 {
		stride = 30
	}
	if g.TickSeqNum%int64(stride) == 0 {
		m.requestHashSamplesLocked(g)
	}

	return episodeDone && g.Scene.Episodes > 0
}

// completeEpisode advances a game's completed-episode count and either
// terminates it (all episodes done) or begins a reset into the next
// episode. Returns true if the game was terminated. Acquires the game lock.
func (m *Manager) completeEpisode(g *registry.Game, lock *sync.Mutex) bool {
	lock.Lock()
	if g.Status != domain.GameActive {
		lock.Unlock()
		return false
	}
	g.EpisodesCompleted++
	if g.EpisodesCompleted >= g.Scene.Episodes {
		lock.Unlock()
		m.terminateGame(g, lock, true, "episodes_complete")
		return true
	}
	m.beginResetLocked(g)
	lock.Unlock()
	return false
}

// collectActionsLocked drains buffered actions, reporting which member
// indices have never had one submitted. LastActions is not cleared between
// ticks (only when an episode reset begins), so a member who submitted at
// least once in the current episode has an entry here —
// this is what makes PopulationPreviousAction's fallback implicit: the map
// already holds the last value submitted. Caller holds the game lock.
func (m *Manager) collectActionsLocked(g *registry.Game) (map[int]any, []int) {
	out := make(map[int]any, len(g.Group.OrderedMembers))
	var missing []int
	for idx := range g.Group.OrderedMembers {
		if a, ok := g.LastActions[idx]; ok {
			out[idx] = a
			continue
		}
		out[idx] = nil // DefaultAction/PreviousAction: nil until a first action arrives
		missing = append(missing, idx)
	}
	return out, missing
}

// collectActions gathers the next tick's actions, honoring
// ActionPopulationPolicy.Block: if any member has never submitted an action,
// it stalls the tick (polling without holding the game lock, so submissions
// and other games' ticks are never blocked) until every member has one or a
// 2x-tick-period deadline elapses, whichever comes first. Past the deadline,
// missing members fall back to whatever collectActionsLocked already filled
// in (nil, since none exists yet).
func (m *Manager) collectActions(g *registry.Game, lock *sync.Mutex, period time.Duration) map[int]any {
	lock.Lock()
	out, missing := m.collectActionsLocked(g)
	policy := g.Scene.ActionPopulationPolicy
	lock.Unlock()

	if policy != domain.PopulationBlock || len(missing) == 0 {
		return out
	}

	deadline := time.Now().Add(2 * period)
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for time.Now().Before(deadline) {
		<-poll.C
		lock.Lock()
		out, missing = m.collectActionsLocked(g)
		stillMissing := len(missing) > 0
		lock.Unlock()
		if !stillMissing {
			return out
		}
	}
	return out
}

// SubmitAction records an inbound action in the next tick's collection
// buffer.
func (m *Manager) SubmitAction(gameID domain.GameIDType, participantID domain.ParticipantIDType, tickNum int64, action any) {
	g, ok := m.reg.GetGame(gameID)
	if !ok {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	idx := g.Group.PlayerIndex(participantID)
	if idx < 0 {
		return
	}
	g.LastActions[idx] = action

	if g.Scene.PeerMode != domain.PeerModeNone {
		m.relayActionLocked(g, idx, tickNum, action)
	}
}

// resetAckTimeout bounds how long a Resetting game waits for every member's
// reset-complete ack before re-entering Active regardless.
const resetAckTimeout = 10 * time.Second

// beginResetLocked transitions Active -> Resetting and broadcasts the reset.
// Re-entry to Active is gated by waitForResetAcks, not this call. Caller
// holds the game lock.
func (m *Manager) beginResetLocked(g *registry.Game) {
	g.Status = domain.GameResetting
	g.PendingAcks = make(map[domain.ParticipantIDType]struct{})
	g.ResetDeadline = time.Now().Add(resetAckTimeout)
	freeze := g.Scene.ResetFreeze

	m.broadcastToGame(g, wire.OpResetGame, wire.ResetGamePayload{
		GameID: string(g.ID), FreezeSeconds: int(freeze.Seconds()),
	})

	g.LastActions = make(map[int]any)
	if g.Peer != nil {
		g.Peer.ValidationEpoch++
	}

	m.wg.Add(1)
	go m.waitForResetAcks(g)
}

// waitForResetAcks polls a Resetting game until every member has sent
// reset_complete or the hard timeout elapses, then re-enters Active.
func (m *Manager) waitForResetAcks(g *registry.Game) {
	defer m.wg.Done()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		lock, ok := m.reg.GameLock(g.ID)
		if !ok {
			return
		}
		lock.Lock()
		if g.Status != domain.GameResetting {
			lock.Unlock()
			return
		}
		allAcked := len(g.PendingAcks) >= len(g.Group.OrderedMembers)
		timedOut := time.Now().After(g.ResetDeadline)
		if allAcked || timedOut {
			g.Status = domain.GameActive
			g.PendingAcks = nil
			lock.Unlock()
			return
		}
		lock.Unlock()
	}
}

// terminateGame ends a game for any reason. natural indicates all episodes
// completed normally.
func (m *Manager) terminateGame(g *registry.Game, lock *sync.Mutex, natural bool, reason string) {
	lock.Lock()
	if g.Status == domain.GameDone {
		lock.Unlock()
		return
	}
	g.Status = domain.GameDone
	if !natural {
		g.Partial = true
		g.TerminationReason = reason
	}
	members := append([]domain.ParticipantIDType(nil), g.Group.OrderedMembers...)
	sceneID := g.SceneID
	lock.Unlock()

	metrics.ActiveGames.Dec()
	metrics.GamesTerminated.WithLabelValues(string(sceneID), reason).Inc()

	for _, participantID := range members {
		if p, ok := m.reg.GetParticipant(participantID); ok && p.State != domain.ParticipantEnded {
			p.State = domain.ParticipantGameEnded
		}
		if s, ok := m.reg.SessionForParticipant(participantID); ok {
			s.Metadata.Partial = g.Partial
			s.Metadata.TerminationReason = reason
			if m.sink != nil {
				_ = m.sink.WriteSessionMetadata(context.Background(), s.ID, s.Metadata)
			}
		}
		m.sendToParticipant(participantID, wire.OpEndGame, wire.EndGamePayload{
			GameID: string(g.ID), Reason: neutralReason(reason), Partial: g.Partial,
		})
	}

	logging.Info(context.Background(), "game terminated",
		zap.String("game_id", string(g.ID)), zap.String("reason", reason), zap.Bool("natural", natural))

	time.AfterFunc(100*time.Millisecond, func() {
		m.reg.DeleteGame(g.ID)
	})
}

// neutralReason maps internal termination reasons to user-visible neutral
// strings; internal error detail never leaks to participants.
func neutralReason(reason string) string {
	switch reason {
	case "episodes_complete":
		return "the experiment session has ended"
	case "partner_exclusion":
		return "your partner experienced a technical issue"
	case "dropout":
		return "your partner disconnected"
	case "fatal":
		return "the game encountered an unrecoverable error"
	case "server_shutdown":
		return "the server is shutting down"
	case "admin_end_game":
		return "the experiment session has ended"
	default:
		return "the game has ended"
	}
}

// Shutdown terminates every active game with a server_shutdown reason and
// waits (bounded) for tick loops to exit.
func (m *Manager) Shutdown() {
	for _, g := range m.reg.AllGames() {
		if lock, ok := m.reg.GameLock(g.ID); ok {
			m.terminateGame(g, lock, false, "server_shutdown")
		}
	}
	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// DropMember handles a disconnect-grace expiry for a participant currently
// in a game, notifying its surviving partners before treating it as a
// dropout termination.
func (m *Manager) DropMember(participantID domain.ParticipantIDType) {
	g, ok := m.reg.GameForParticipant(participantID)
	if !ok {
		return
	}
	lock, ok := m.reg.GameLock(g.ID)
	if !ok {
		return
	}

	lock.Lock()
	for _, member := range g.Group.OrderedMembers {
		if member == participantID {
			continue
		}
		if _, excluded := g.ExcludedMembers[member]; excluded {
			continue
		}
		m.sendToParticipant(member, wire.OpPartnerExcluded, wire.PartnerExcludedPayload{
			GameID: string(g.ID), Message: "your partner disconnected",
		})
	}
	lock.Unlock()

	m.terminateGame(g, lock, false, "dropout")
}

// AdminEndGame terminates a game at a researcher's request, independent of
// any natural-completion or dropout condition.
func (m *Manager) AdminEndGame(gameID domain.GameIDType, reason string) {
	g, ok := m.reg.GetGame(gameID)
	if !ok {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}
	m.terminateGame(g, lock, false, reason)
}

func (m *Manager) sendToParticipant(participantID domain.ParticipantIDType, opcode string, payload any) {
	p, ok := m.reg.GetParticipant(participantID)
	if !ok || p.ConnectionID == "" {
		return
	}
	// Connection lookup happens through the registry's connection table via
	// the caller-supplied client reference stashed on the Connection; the
	// transport package resolves ConnectionID -> domain.ClientInterface.
	if conn, ok := m.reg.ConnectionFor(p.ConnectionID); ok && conn.Client != nil {
		conn.Client.SendMessage(opcode, payload)
	}
}

func (m *Manager) broadcastToGame(g *registry.Game, opcode string, payload any) {
	for _, participantID := range g.Group.OrderedMembers {
		if _, excluded := g.ExcludedMembers[participantID]; excluded {
			continue
		}
		m.sendToParticipant(participantID, opcode, payload)
	}
}

func newGameID() string {
	return uuid.New().String()
}
