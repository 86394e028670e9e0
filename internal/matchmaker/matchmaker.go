// Package matchmaker groups arriving participants into fixed-size
// PlayerGroups per a scene's pluggable Matcher, runs optional pre-match
// latency probing, and hands confirmed groups to the Game Lifecycle
// Manager.
package matchmaker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/game"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// Matchmaker owns waiting-room admission, matching, probing, and countdown.
type Matchmaker struct {
	reg     *registry.Registry
	games   *game.Manager
	sink    domain.DataSink
	matchers map[domain.SceneIDType]domain.Matcher
	defaultMatcher domain.Matcher
}

// New constructs a Matchmaker. matchers maps sceneID to a scene-specific
// Matcher override; scenes absent from the map use FIFOMatcher.
func New(reg *registry.Registry, games *game.Manager, sink domain.DataSink, matchers map[domain.SceneIDType]domain.Matcher) *Matchmaker {
	if matchers == nil {
		matchers = make(map[domain.SceneIDType]domain.Matcher)
	}
	return &Matchmaker{reg: reg, games: games, sink: sink, matchers: matchers, defaultMatcher: FIFOMatcher{}}
}

func (mm *Matchmaker) matcherFor(sceneID domain.SceneIDType) domain.Matcher {
	if m, ok := mm.matchers[sceneID]; ok {
		return m
	}
	return mm.defaultMatcher
}

// Enqueue adds a participant to a scene's waiting room and immediately
// attempts a match.
func (mm *Matchmaker) Enqueue(ctx context.Context, scene domain.SceneSpec, participantID domain.ParticipantIDType, attributes map[string]any) {
	wr := mm.reg.WaitroomFor(scene.SceneID)
	entry := domain.WaitingEntry{
		ParticipantID: participantID,
		SceneID:       scene.SceneID,
		ArrivedAtUnix: time.Now().Unix(),
		Attributes:    attributes,
	}

	if p, ok := mm.reg.GetParticipant(participantID); ok {
		p.State = domain.ParticipantInWaitroom
	}

	matcher := mm.matcherFor(scene.SceneID)
	var formed []domain.WaitingEntry

	wr.WithLock(func() {
		snapshot := append(wr.SnapshotLocked(), entry)
		group := matcher.FindMatch(entry, snapshot, scene.GroupSize)
		if group == nil {
			return
		}
		ids := make(map[domain.ParticipantIDType]struct{}, len(group))
		for _, e := range group {
			ids[e.ParticipantID] = struct{}{}
		}
		wr.RemoveLocked(ids)
		formed = group
	})

	if formed == nil {
		// entry wasn't part of a formed group (or the matcher declined);
		// persist it in the waiting list and arm the timeout timer.
		wr.Enqueue(entry)
		waitMax := scene.WaitroomMaxWait
		wr.SetTimer(participantID, waitMax, func() {
			mm.handleTimeout(ctx, scene, entry)
		})
		mm.notifyWaitingStatus(scene.SceneID, wr)
		return
	}

	for _, e := range formed {
		wr.CancelTimer(e.ParticipantID)
	}
	mm.confirmGroup(ctx, scene, formed)
}

// confirmGroup runs optional pre-match probing, then hands the group to the
// Game Lifecycle Manager after any configured countdown.
func (mm *Matchmaker) confirmGroup(ctx context.Context, scene domain.SceneSpec, members []domain.WaitingEntry) {
	memberIDs := make([]domain.ParticipantIDType, len(members))
	for i, e := range members {
		memberIDs[i] = e.ParticipantID
	}

	if scene.ProbeRequired && len(memberIDs) == 2 {
		mm.runProbe(ctx, scene, memberIDs)
		return
	}

	mm.startCountdownAndCreate(ctx, scene, memberIDs)
}

// runProbe creates a ProbeSession for a 2-member group and instructs both
// peers to establish a transient direct channel. Resolution continues in
// ResolveProbe.
func (mm *Matchmaker) runProbe(ctx context.Context, scene domain.SceneSpec, memberIDs []domain.ParticipantIDType) {
	probeID := uuid.New().String()
	probe := mm.reg.CreateProbe(probeID, memberIDs[0], memberIDs[1])

	for _, id := range memberIDs {
		mm.sendToParticipant(id, wire.OpProbePrepare, wire.ProbePreparePayload{ProbeID: probeID})
	}

	maxRTT := scene.MaxPeerRTT
	if maxRTT <= 0 {
		maxRTT = 5 * time.Second
	}
	time.AfterFunc(maxRTT, func() {
		mm.resolveProbeTimeout(ctx, scene, probe.ID, memberIDs)
	})
}

// ProbeReady records a peer's direct-channel-established acknowledgement
// and, once both sides have reported, starts RTT measurement.
func (mm *Matchmaker) ProbeReady(probeID string, participantID domain.ParticipantIDType) {
	probe, ok := mm.reg.GetProbe(probeID)
	if !ok {
		return
	}
	probe.Mu.Lock()
	probe.ReadyParticipants[participantID] = struct{}{}
	ready := len(probe.ReadyParticipants) >= len(probe.Participants)
	probe.Mu.Unlock()
	if !ready {
		return
	}
	for _, id := range probe.Participants {
		mm.sendToParticipant(id, wire.OpProbeStart, wire.ProbeStartPayload{ProbeID: probeID})
	}
}

// ResolveProbe records a reported RTT for a probe participant and, once
// both sides have reported, confirms or dissolves the group.
func (mm *Matchmaker) ResolveProbe(ctx context.Context, scene domain.SceneSpec, probeID string, participantID domain.ParticipantIDType, measuredRTTMS int64) {
	probe, ok := mm.reg.GetProbe(probeID)
	if !ok {
		return
	}
	probe.Mu.Lock()
	probe.MeasuredRTTMS[participantID] = measuredRTTMS
	complete := len(probe.MeasuredRTTMS) >= len(probe.Participants)
	probe.Mu.Unlock()

	if !complete {
		return
	}

	mm.reg.DeleteProbe(probeID)

	maxRTT := scene.MaxPeerRTT.Milliseconds()
	ok2 := true
	for _, rtt := range probe.MeasuredRTTMS {
		if maxRTT > 0 && rtt > maxRTT {
			ok2 = false
		}
	}

	members := append([]domain.ParticipantIDType(nil), probe.Participants[:]...)
	if !ok2 {
		logging.Warn(ctx, "probe failed, dissolving group", zap.String("probe_id", probeID))
		for _, id := range members {
			mm.Enqueue(ctx, scene, id, nil)
		}
		return
	}

	mm.startCountdownAndCreate(ctx, scene, members)
}

func (mm *Matchmaker) resolveProbeTimeout(ctx context.Context, scene domain.SceneSpec, probeID string, memberIDs []domain.ParticipantIDType) {
	if _, ok := mm.reg.GetProbe(probeID); !ok {
		return // already resolved
	}
	mm.reg.DeleteProbe(probeID)
	logging.Warn(ctx, "probe timed out, dissolving group", zap.String("probe_id", probeID))
	for _, id := range memberIDs {
		mm.Enqueue(ctx, scene, id, nil)
	}
}

// startCountdownAndCreate emits the pre-game countdown then forms the
// PlayerGroup and hands it to the Game Lifecycle Manager.
func (mm *Matchmaker) startCountdownAndCreate(ctx context.Context, scene domain.SceneSpec, memberIDs []domain.ParticipantIDType) {
	group := &registry.PlayerGroup{
		ID:             domain.GroupIDType(uuid.New().String()),
		SceneID:        scene.SceneID,
		OrderedMembers: memberIDs,
		FormedAt:       time.Now(),
	}
	mm.reg.CreateGroup(group)
	metrics.MatchesFormed.WithLabelValues(string(scene.SceneID)).Inc()

	countdown := scene.CountdownDuration
	if countdown <= 0 {
		countdown = 3 * time.Second
	}

	for _, id := range memberIDs {
		mm.sendToParticipant(id, wire.OpMatchCountdown, wire.MatchCountdownPayload{
			GroupID: string(group.ID), Seconds: int(countdown.Seconds()),
		})
	}

	mm.writeAssignmentLog(ctx, scene.SceneID, group)

	time.AfterFunc(countdown, func() {
		mm.games.CreateGame(ctx, scene, group)
	})
}

func (mm *Matchmaker) writeAssignmentLog(ctx context.Context, sceneID domain.SceneIDType, group *registry.PlayerGroup) {
	if mm.sink == nil {
		return
	}
	record := struct {
		GroupID string                         `json:"group_id"`
		Members []domain.ParticipantIDType     `json:"members"`
		FormedAt time.Time                     `json:"formed_at"`
	}{string(group.ID), group.OrderedMembers, group.FormedAt}

	if err := mm.sink.WriteMatchAssignment(ctx, sceneID, record); err != nil {
		logging.Error(ctx, "failed to write match assignment log", zap.Error(err))
	}
}

// handleTimeout runs the matcher's onTimeout decision once a waiting
// entry's per-entry timer fires without a match.
func (mm *Matchmaker) handleTimeout(ctx context.Context, scene domain.SceneSpec, entry domain.WaitingEntry) {
	wr := mm.reg.WaitroomFor(scene.SceneID)
	var stillWaiting bool
	wr.WithLock(func() {
		for _, e := range wr.SnapshotLocked() {
			if e.ParticipantID == entry.ParticipantID {
				stillWaiting = true
			}
		}
		if stillWaiting {
			wr.RemoveLocked(map[domain.ParticipantIDType]struct{}{entry.ParticipantID: {}})
		}
	})
	if !stillWaiting {
		return // matched or removed concurrently; one event only, not two
	}

	matcher := mm.matcherFor(scene.SceneID)
	action := matcher.OnTimeout(entry)

	switch action.Kind {
	case domain.TimeoutRedirect:
		if p, ok := mm.reg.GetParticipant(entry.ParticipantID); ok {
			p.State = domain.ParticipantEnded
		}
		mm.sendToParticipant(entry.ParticipantID, wire.OpTerminateScene, wire.TerminateScenePayload{
			SceneID: string(scene.SceneID), Reason: action.Redirect,
		})
	case domain.TimeoutContinue:
		// participant stays InWaitroom; re-enqueue and re-arm the timeout
		// timer so it doesn't wait forever with no deadline.
		wr.Enqueue(entry)
		wr.SetTimer(entry.ParticipantID, scene.WaitroomMaxWait, func() {
			mm.handleTimeout(ctx, scene, entry)
		})
	case domain.TimeoutPairWithBots:
		if p, ok := mm.reg.GetParticipant(entry.ParticipantID); ok {
			p.State = domain.ParticipantEnded
		}
		mm.startCountdownAndCreate(ctx, scene, []domain.ParticipantIDType{entry.ParticipantID})
	}

	logging.Info(ctx, "waitroom timeout", zap.String("participant_id", string(entry.ParticipantID)), zap.String("scene_id", string(scene.SceneID)))
}

// LeaveWaitroom removes a participant who explicitly opts out of waiting.
func (mm *Matchmaker) LeaveWaitroom(sceneID domain.SceneIDType, participantID domain.ParticipantIDType) {
	wr := mm.reg.WaitroomFor(sceneID)
	wr.CancelTimer(participantID)
	wr.WithLock(func() {
		wr.RemoveLocked(map[domain.ParticipantIDType]struct{}{participantID: {}})
	})
	if p, ok := mm.reg.GetParticipant(participantID); ok {
		p.State = domain.ParticipantEnded
	}
}

// HandleDropout is invoked by the Orchestrator when a waiting participant's
// disconnect grace expires.
func (mm *Matchmaker) HandleDropout(ctx context.Context, scene domain.SceneSpec, participantID domain.ParticipantIDType) {
	wr := mm.reg.WaitroomFor(scene.SceneID)
	var entry domain.WaitingEntry
	var found bool
	var remaining []domain.WaitingEntry

	wr.WithLock(func() {
		for _, e := range wr.SnapshotLocked() {
			if e.ParticipantID == participantID {
				entry = e
				found = true
			}
		}
		if found {
			wr.RemoveLocked(map[domain.ParticipantIDType]struct{}{participantID: {}})
			remaining = wr.SnapshotLocked()
		}
	})
	if !found {
		return
	}

	matcher := mm.matcherFor(scene.SceneID)
	action := matcher.OnDropout(entry, remaining)
	if p, ok := mm.reg.GetParticipant(participantID); ok {
		p.State = domain.ParticipantEnded
	}

	if action == domain.DropoutCancel {
		for _, e := range remaining {
			wr.CancelTimer(e.ParticipantID)
			mm.sendToParticipant(e.ParticipantID, wire.OpTerminateScene, wire.TerminateScenePayload{
				SceneID: string(scene.SceneID), Reason: "partner dropped out",
			})
		}
		wr.WithLock(func() {
			ids := make(map[domain.ParticipantIDType]struct{}, len(remaining))
			for _, e := range remaining {
				ids[e.ParticipantID] = struct{}{}
			}
			wr.RemoveLocked(ids)
		})
	}
}

func (mm *Matchmaker) notifyWaitingStatus(sceneID domain.SceneIDType, wr *registry.WaitingRoom) {
	snapshot := wr.Snapshot()
	metrics.WaitingRoomSize.WithLabelValues(string(sceneID)).Set(float64(len(snapshot)))
	for i, e := range snapshot {
		mm.sendToParticipant(e.ParticipantID, wire.OpWaitingRoomStatus, wire.WaitingRoomStatusPayload{
			SceneID: string(sceneID), PositionInLine: i,
		})
	}
}

func (mm *Matchmaker) sendToParticipant(participantID domain.ParticipantIDType, opcode string, payload any) {
	p, ok := mm.reg.GetParticipant(participantID)
	if !ok || p.ConnectionID == "" {
		return
	}
	if conn, ok := mm.reg.ConnectionFor(p.ConnectionID); ok && conn.Client != nil {
		conn.Client.SendMessage(opcode, payload)
	}
}
