// Package dispatch is the thin opcode-to-handler table tying the
// transport adapter to the orchestrator, matchmaker, and game lifecycle
// subsystems. It holds no state of its own; every handler either forwards
// directly to the owning subsystem or first resolves session/scene context
// through the registry.
package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/game"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/matchmaker"
	"github.com/chasemcd/experimentd/internal/orchestrator"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// participantBinder is satisfied by transport.Client; kept local so this
// package depends only on domain.ClientInterface, not the transport
// package itself.
type participantBinder interface {
	BindParticipant(domain.ParticipantIDType)
}

// Dispatcher routes inbound wire messages to their owning subsystem.
type Dispatcher struct {
	reg   *registry.Registry
	orch  *orchestrator.Orchestrator
	mm    *matchmaker.Matchmaker
	games *game.Manager
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, mm *matchmaker.Matchmaker, games *game.Manager) *Dispatcher {
	return &Dispatcher{reg: reg, orch: orch, mm: mm, games: games}
}

// HandleMessage satisfies transport.MessageHandler.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, msg wire.Message) {
	switch msg.Opcode {
	case wire.OpRegister:
		d.handleRegister(ctx, connID, client, msg)
	case wire.OpSubmitScreening:
		d.handleSubmitScreening(ctx, client, msg)
	case wire.OpAdvance:
		d.handleAdvance(ctx, client, msg)
	case wire.OpSyncGlobals:
		d.handleSyncGlobals(client, msg)
	case wire.OpStaticSceneData:
		d.handleStaticSceneData(ctx, client, msg)
	case wire.OpEnqueueForScene:
		d.handleEnqueueForScene(ctx, client, msg)
	case wire.OpLeaveWaitroom:
		d.handleLeaveWaitroom(client, msg)
	case wire.OpProbeReady:
		d.handleProbeReady(client, msg)
	case wire.OpProbeResult:
		d.handleProbeResult(ctx, client, msg)
	case wire.OpAction:
		d.handleAction(client, msg)
	case wire.OpStateHashSample:
		d.handleStateHashSample(client, msg)
	case wire.OpResetComplete:
		d.handleResetComplete(client, msg)
	case wire.OpSignaling:
		d.handleSignaling(client, msg)
	case wire.OpSelfExclude:
		d.handleSelfExclude(client, msg)
	case wire.OpAdminExcludeParticipant:
		d.handleAdminExcludeParticipant(ctx, connID, msg)
	case wire.OpAdminForceAdvance:
		d.handleAdminForceAdvance(ctx, connID, msg)
	case wire.OpAdminEndGame:
		d.handleAdminEndGame(ctx, connID, msg)
	case wire.OpPing:
		client.SendMessage(wire.OpPong, struct{}{})
	default:
		logging.Warn(ctx, "dropping unrecognized opcode", zap.String("opcode", msg.Opcode))
	}
}

// HandleDisconnect satisfies transport.DisconnectHandler.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, connID domain.ConnectionIDType) {
	d.orch.OnConnectionDrop(ctx, connID)
}

// sessionByID looks up a session and rejects it if the caller's bound
// participant (when known) doesn't own it — a session is only ever
// addressable by the participant it belongs to.
func (d *Dispatcher) sessionByID(client domain.ClientInterface, sessionID string) (*registry.Session, bool) {
	sess, ok := d.reg.GetSession(domain.SessionIDType(sessionID))
	if !ok {
		return nil, false
	}
	if client.GetParticipantID() != "" && sess.ParticipantID != client.GetParticipantID() {
		return nil, false
	}
	return sess, true
}

func (d *Dispatcher) handleRegister(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, msg wire.Message) {
	var payload wire.RegisterPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logging.Warn(ctx, "dropping malformed register payload", zap.Error(err))
			return
		}
	}

	sess, err := d.orch.Register(ctx, connID, client, payload.ClaimedParticipantID, payload.ClientGlobals, payload.AdminPassword)
	if err != nil {
		client.SendMessage(wire.OpInvalidSession, wire.InvalidSessionPayload{Reason: err.Error()})
		client.Disconnect()
		return
	}

	if binder, ok := client.(participantBinder); ok {
		binder.BindParticipant(sess.ParticipantID)
	}
}

func (d *Dispatcher) handleSubmitScreening(ctx context.Context, client domain.ClientInterface, msg wire.Message) {
	var payload wire.SubmitScreeningPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logging.Warn(ctx, "dropping malformed submit_screening payload", zap.Error(err))
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.SubmitScreening(ctx, sess.ID, payload.Context)
}

func (d *Dispatcher) handleAdvance(ctx context.Context, client domain.ClientInterface, msg wire.Message) {
	var payload wire.AdvancePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logging.Warn(ctx, "dropping malformed advance payload", zap.Error(err))
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.Advance(ctx, sess.ID)
}

func (d *Dispatcher) handleSyncGlobals(client domain.ClientInterface, msg wire.Message) {
	var payload wire.SyncGlobalsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.SyncGlobals(sess.ID, payload.ClientGlobals)
}

func (d *Dispatcher) handleStaticSceneData(ctx context.Context, client domain.ClientInterface, msg wire.Message) {
	var payload wire.StaticSceneDataPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.StaticSceneData(ctx, sess.ID, payload.Elements)
}

func (d *Dispatcher) handleEnqueueForScene(ctx context.Context, client domain.ClientInterface, msg wire.Message) {
	var payload wire.EnqueueForScenePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.EnterWaitroom(ctx, sess.ID, payload.Attributes)
}

func (d *Dispatcher) handleLeaveWaitroom(client domain.ClientInterface, msg wire.Message) {
	var payload wire.LeaveWaitroomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	sess, ok := d.sessionByID(client, payload.SessionID)
	if !ok {
		return
	}
	d.orch.LeaveWaitroom(sess.ID)
}

func (d *Dispatcher) handleProbeReady(client domain.ClientInterface, msg wire.Message) {
	var payload wire.ProbeReadyPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.mm.ProbeReady(payload.ProbeID, participantID)
}

func (d *Dispatcher) handleProbeResult(ctx context.Context, client domain.ClientInterface, msg wire.Message) {
	var payload wire.ProbeResultPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.orch.ResolveProbe(ctx, participantID, payload.ProbeID, payload.MeasuredRTTMS)
}

func (d *Dispatcher) handleAction(client domain.ClientInterface, msg wire.Message) {
	var payload wire.ActionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.games.SubmitAction(domain.GameIDType(payload.GameID), participantID, payload.TickNum, payload.Action)
}

func (d *Dispatcher) handleStateHashSample(client domain.ClientInterface, msg wire.Message) {
	var payload wire.StateHashSamplePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.games.RecordHashSample(domain.GameIDType(payload.GameID), participantID, payload.Tick, payload.Hash)
}

func (d *Dispatcher) handleResetComplete(client domain.ClientInterface, msg wire.Message) {
	var payload wire.ResetCompletePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.games.AckResetComplete(domain.GameIDType(payload.GameID), participantID)
}

func (d *Dispatcher) handleSignaling(client domain.ClientInterface, msg wire.Message) {
	var payload wire.SignalingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.games.RelaySignaling(domain.GameIDType(payload.GameID), participantID, payload.Payload)
}

func (d *Dispatcher) handleSelfExclude(client domain.ClientInterface, msg wire.Message) {
	var payload wire.SelfExcludePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	participantID := client.GetParticipantID()
	if participantID == "" {
		return
	}
	d.games.SelfExclude(domain.GameIDType(payload.GameID), participantID, payload.Reason)
}

// isResearcherConnection reports whether connID was flagged researcher at
// registration; every admin_* opcode is rejected for any other connection.
func (d *Dispatcher) isResearcherConnection(connID domain.ConnectionIDType) bool {
	return d.orch.IsResearcherConnection(connID)
}

func (d *Dispatcher) handleAdminExcludeParticipant(ctx context.Context, connID domain.ConnectionIDType, msg wire.Message) {
	if !d.isResearcherConnection(connID) {
		logging.Warn(ctx, "rejecting admin_exclude_participant from non-researcher connection")
		return
	}
	var payload wire.AdminExcludeParticipantPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logging.Warn(ctx, "dropping malformed admin_exclude_participant payload", zap.Error(err))
		return
	}
	reason := payload.Reason
	if reason == "" {
		reason = "excluded by researcher"
	}
	d.games.SelfExclude(domain.GameIDType(payload.GameID), domain.ParticipantIDType(payload.ParticipantID), reason)
}

func (d *Dispatcher) handleAdminForceAdvance(ctx context.Context, connID domain.ConnectionIDType, msg wire.Message) {
	if !d.isResearcherConnection(connID) {
		logging.Warn(ctx, "rejecting admin_force_advance from non-researcher connection")
		return
	}
	var payload wire.AdminForceAdvancePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logging.Warn(ctx, "dropping malformed admin_force_advance payload", zap.Error(err))
		return
	}
	d.orch.AdminForceAdvance(ctx, domain.ParticipantIDType(payload.ParticipantID))
}

func (d *Dispatcher) handleAdminEndGame(ctx context.Context, connID domain.ConnectionIDType, msg wire.Message) {
	if !d.isResearcherConnection(connID) {
		logging.Warn(ctx, "rejecting admin_end_game from non-researcher connection")
		return
	}
	var payload wire.AdminEndGamePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logging.Warn(ctx, "dropping malformed admin_end_game payload", zap.Error(err))
		return
	}
	logging.Info(ctx, "admin end_game", zap.String("game_id", payload.GameID), zap.String("reason", payload.Reason))
	d.games.AdminEndGame(domain.GameIDType(payload.GameID), "admin_end_game")
}
