package game

import (
	"context"

	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// RelaySignaling forwards an opaque signaling payload from sender to every
// other member of the game, in order. The broker never parses payload
// contents.
func (m *Manager) RelaySignaling(gameID domain.GameIDType, senderID domain.ParticipantIDType, payload []byte) {
	g, ok := m.reg.GetGame(gameID)
	if !ok || g.Peer == nil {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	for _, member := range g.Group.OrderedMembers {
		if member == senderID {
			continue
		}
		if _, excluded := g.ExcludedMembers[member]; excluded {
			continue
		}
		m.sendToParticipant(member, wire.OpSignaling, wire.SignalingPayload{
			GameID: string(gameID), Payload: payload,
		})
	}
}

// relayActionLocked forwards a member's action to every other non-excluded
// member. SubmitAction calls it for every action in a peer-mode scene,
// whether or not relay fallback is enabled for the sender. Caller holds the
// game lock.
func (m *Manager) relayActionLocked(g *registry.Game, senderIdx int, tickNum int64, action any) {
	for idx, member := range g.Group.OrderedMembers {
		if idx == senderIdx {
			continue
		}
		if _, excluded := g.ExcludedMembers[member]; excluded {
			continue
		}
		m.sendToParticipant(member, wire.OpTickBroadcast, wire.TickBroadcastPayload{
			GameID: string(g.ID), Tick: tickNum, Payload: action,
		})
	}
}

// requestHashSamplesLocked opens an empty hash-sample slot for the current
// tick; it sends no message of its own. Caller holds the game lock. Matching
// happens as RecordHashSample reports arrive (hash sampling is asynchronous).
func (m *Manager) requestHashSamplesLocked(g *registry.Game) {
	if g.Peer == nil {
		return
	}
	// The tick_broadcast itself doubles as the sampling cue; clients sample
	// on receipt per the tick stride they were configured with. No
	// additional wire message is required beyond the existing broadcast.
	g.Peer.HashRing[g.TickSeqNum] = make(map[int]string)
}

// RecordHashSample ingests a peer's reported state hash for a tick and
// checks for desync once all members of that tick have reported.
func (m *Manager) RecordHashSample(gameID domain.GameIDType, participantID domain.ParticipantIDType, tick int64, hash string) {
	g, ok := m.reg.GetGame(gameID)
	if !ok || g.Peer == nil {
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

	samples, ok := g.Peer.HashRing[tick]
	if !ok {
		samples = make(map[int]string)
		g.Peer.HashRing[tick] = samples
	}
	samples[idx] = hash

	if len(samples) < len(g.Group.OrderedMembers) {
		return
	}

	mismatch := false
	first := samples[0]
	for _, h := range samples {
		if h != first {
			mismatch = true
		}
	}

	if mismatch {
		metrics.DesyncDetected.WithLabelValues(string(g.SceneID)).Inc()
		logging.Warn(context.Background(), "desync detected",
			zap.String("game_id", string(gameID)), zap.Int64("tick", tick), zap.Any("hashes", samples))

		if g.Scene.AuthoritativeResync {
			m.requestAuthoritativeResyncLocked(g, tick, samples)
		}
		// Policy is log-and-continue: the game is not terminated.
	}

	delete(g.Peer.HashRing, tick)
}

// requestAuthoritativeResyncLocked picks the lowest-playerIndex peer among the
// samples and sends that peer alone a reset_game with a zero freeze. No state
// is collected from that peer and nothing is sent to the other members.
// Caller holds the game lock.
func (m *Manager) requestAuthoritativeResyncLocked(g *registry.Game, tick int64, samples map[int]string) {
	authoritativeIdx := -1
	for idx := range samples {
		if authoritativeIdx == -1 || idx < authoritativeIdx {
			authoritativeIdx = idx
		}
	}
	if authoritativeIdx < 0 || authoritativeIdx >= len(g.Group.OrderedMembers) {
		return
	}
	authoritativeID := g.Group.OrderedMembers[authoritativeIdx]
	m.sendToParticipant(authoritativeID, wire.OpResetGame, wire.ResetGamePayload{
		GameID: string(g.ID), FreezeSeconds: 0,
	})
}

// SelfExclude handles a participant reporting itself excluded (sustained
// latency, lost focus).
func (m *Manager) SelfExclude(gameID domain.GameIDType, participantID domain.ParticipantIDType, reason string) {
	g, ok := m.reg.GetGame(gameID)
	if !ok {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}

	lock.Lock()
	g.ExcludedMembers[participantID] = struct{}{}
	// the excluding participant's session ends outright; its partner still
	// gets GameEnded via terminateGame so it can advance to the next scene.
	if p, ok := m.reg.GetParticipant(participantID); ok {
		p.State = domain.ParticipantEnded
	}
	for _, member := range g.Group.OrderedMembers {
		if member == participantID {
			continue
		}
		m.sendToParticipant(member, wire.OpPartnerExcluded, wire.PartnerExcludedPayload{
			GameID: string(gameID), Message: "your partner experienced a technical issue",
		})
	}
	lock.Unlock()

	m.terminateGame(g, lock, false, "partner_exclusion")
}

// TeardownMember releases all peer-specific state for a member who has
// advanced past the interactive scene — no stale events propagate to
// subsequent scenes.
func (m *Manager) TeardownMember(gameID domain.GameIDType, participantID domain.ParticipantIDType) {
	g, ok := m.reg.GetGame(gameID)
	if !ok || g.Peer == nil {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	delete(g.Peer.SignalingBuffer, participantID)
	delete(g.Peer.FallbackRelayEnabled, participantID)
}

// SetRelayFallback records a member's relay-fallback flag in
// PeerSessionState.FallbackRelayEnabled. The action relay does not read this
// flag: in peer-mode scenes every action is relayed through the broker.
func (m *Manager) SetRelayFallback(gameID domain.GameIDType, participantID domain.ParticipantIDType, enabled bool) {
	g, ok := m.reg.GetGame(gameID)
	if !ok || g.Peer == nil {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	g.Peer.FallbackRelayEnabled[participantID] = enabled
}

// AckResetComplete records a reset_complete arrival against whichever phase
// the game is currently in. While Resetting, this is a peer confirming it
// applied the broadcast reset; waitForResetAcks polls PendingAcks and gates
// Resetting -> Active on every member acking or the hard timeout, whichever
// comes first. While Active, for scenes with no Stepper this doubles as the
// externally reported episode-boundary signal: once every member has
// reported, the episode is complete and the game moves into its own reset.
// Stepper-driven scenes report their episode boundary from the tick loop
// itself, so acks arriving for those while Active are recorded but ignored.
func (m *Manager) AckResetComplete(gameID domain.GameIDType, participantID domain.ParticipantIDType) {
	g, ok := m.reg.GetGame(gameID)
	if !ok {
		return
	}
	lock, ok := m.reg.GameLock(gameID)
	if !ok {
		return
	}

	lock.Lock()
	status := g.Status
	if g.PendingAcks == nil {
		g.PendingAcks = make(map[domain.ParticipantIDType]struct{})
	}
	g.PendingAcks[participantID] = struct{}{}
	allAcked := len(g.PendingAcks) >= len(g.Group.OrderedMembers)
	lock.Unlock()

	logging.Info(context.Background(), "reset complete ack",
		zap.String("game_id", string(gameID)), zap.String("participant_id", string(participantID)),
		zap.String("status", string(status)))

	if status != domain.GameActive || !allAcked || g.Scene.Episodes <= 0 {
		return
	}

	if stepper, ok := m.steppers[g.SceneID]; ok && stepper != nil && g.Scene.PeerMode == domain.PeerModeServerAuthoritative {
		return
	}

	m.completeEpisode(g, lock)
}
