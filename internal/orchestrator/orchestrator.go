// Package orchestrator binds connections to participants, runs each
// participant's ordered scene graph, screens admission at experiment entry,
// and persists session progression across disconnect/reconnect.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/auth"
	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/game"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/matchmaker"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/wire"
)

// sessionTokenTTL bounds how long a reconnect token remains usable; a fresh
// token is reissued on every register/restore so an active participant
// never runs up against it mid-experiment.
const sessionTokenTTL = 24 * time.Hour

// ScreeningCallback is the researcher-supplied admission hook named by a
// SceneSpec's ScreeningConfig.CallbackID. A callback error is treated as
// admit: this is a research tool, not a security boundary, so failing open
// keeps a buggy callback from blocking every participant.
type ScreeningCallback func(ctx context.Context, callbackID string, screeningCtx map[string]any) (admitted bool, reason string, err error)

// Orchestrator owns Session lifecycle and scene-graph progression.
type Orchestrator struct {
	reg        *registry.Registry
	sink       domain.DataSink
	matchmaker *matchmaker.Matchmaker
	games      *game.Manager

	experiment      domain.ExperimentConfig
	maxParticipants int
	screeningFn     ScreeningCallback
	validator       *auth.Validator
	adminPassword   string

	mu          sync.Mutex
	graceTimers map[domain.ParticipantIDType]*time.Timer
}

// New constructs an Orchestrator. screeningFn may be nil when no scene in
// the graph names a screening callback. validator may be nil, in which case
// claimedParticipantID is trusted as a raw participant ID rather than a
// signed session token — useful only for local development without
// SESSION_SECRET configured. adminPassword gates the researcher-console
// surface; empty disables it, so no connection is ever flagged IsResearcher.
func New(reg *registry.Registry, sink domain.DataSink, mm *matchmaker.Matchmaker, games *game.Manager, experiment domain.ExperimentConfig, screeningFn ScreeningCallback, validator *auth.Validator, adminPassword string) *Orchestrator {
	return &Orchestrator{
		reg:             reg,
		sink:            sink,
		matchmaker:      mm,
		games:           games,
		experiment:      experiment,
		maxParticipants: experiment.MaxParticipants,
		screeningFn:     screeningFn,
		validator:       validator,
		adminPassword:   adminPassword,
		graceTimers:     make(map[domain.ParticipantIDType]*time.Timer),
	}
}

// Register binds a freshly opened connection to a participant. A
// claimedParticipantID that already has a live connection evicts the older
// one with a duplicate-session notice; a claimedParticipantID that already
// exists (but is not currently connected) restores that participant's
// session in place.
func (o *Orchestrator) Register(ctx context.Context, connID domain.ConnectionIDType, client domain.ClientInterface, claimedParticipantID string, clientGlobals map[string]any, adminPassword string) (*registry.Session, error) {
	var participantID domain.ParticipantIDType
	switch {
	case claimedParticipantID == "":
		participantID = domain.ParticipantIDType(uuid.New().String())
	case o.validator != nil:
		claims, err := o.validator.ValidateToken(claimedParticipantID)
		if err != nil {
			logging.Warn(ctx, "rejecting unparseable session token, issuing fresh participant", zap.Error(err))
			participantID = domain.ParticipantIDType(uuid.New().String())
		} else {
			participantID = domain.ParticipantIDType(claims.ParticipantID)
		}
	default:
		participantID = domain.ParticipantIDType(claimedParticipantID)
	}

	if _, knownAlready := o.reg.GetParticipant(participantID); !knownAlready {
		if o.maxParticipants > 0 && o.reg.ParticipantCount() >= o.maxParticipants {
			return nil, ErrAdmissionDenied
		}
	}

	p, existed := o.reg.GetOrCreateParticipant(participantID)

	isResearcher := o.adminPassword != "" && adminPassword == o.adminPassword
	conn := &registry.Connection{ID: connID, ConnectedAt: time.Now(), InFocus: true, Client: client, IsResearcher: isResearcher}
	o.reg.RegisterConnection(conn)
	if evicted := o.reg.BindConnection(conn, p); evicted != nil && evicted.Client != nil {
		evicted.Client.SendMessage(wire.OpDuplicateSession, struct{}{})
		evicted.Client.Disconnect()
	}

	o.cancelGrace(participantID)
	if len(clientGlobals) > 0 {
		p.Globals.Merge(domain.Globals(clientGlobals))
	}

	if existed {
		sess, ok := o.reg.SessionForParticipant(participantID)
		if !ok {
			// a participant row with no session is a defensive impossibility
			// under normal operation; treat it as a fresh registration.
			sess = o.newSession(participantID)
			o.deliverExperimentConfig(p)
			o.activateScene(ctx, p, sess, 0, false)
			return sess, nil
		}
		sess.GraceDeadline = nil
		o.restoreSession(ctx, p, sess)
		return sess, nil
	}

	sess := o.newSession(participantID)
	o.deliverExperimentConfig(p)
	o.activateScene(ctx, p, sess, 0, false)
	return sess, nil
}

func (o *Orchestrator) newSession(participantID domain.ParticipantIDType) *registry.Session {
	sessionID := domain.SessionIDType(uuid.New().String())
	return o.reg.CreateSession(sessionID, participantID, o.experiment.SceneGraph)
}

func (o *Orchestrator) deliverExperimentConfig(p *registry.Participant) {
	ice := make([]wire.ICEServerPayload, len(o.experiment.ICEServers))
	for i, s := range o.experiment.ICEServers {
		ice[i] = wire.ICEServerPayload{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	o.sendToParticipant(p, wire.OpExperimentConfig, wire.ExperimentConfigPayload{
		MaxParticipants: o.experiment.MaxParticipants,
		ICEServers:      ice,
		SessionToken:    o.issueSessionToken(p.ID),
	})
}

// issueSessionToken mints a fresh reconnect token for participantID, or
// returns "" when no validator is configured.
func (o *Orchestrator) issueSessionToken(participantID domain.ParticipantIDType) string {
	if o.validator == nil {
		return ""
	}
	token, err := o.validator.IssueToken(string(participantID), "", sessionTokenTTL)
	if err != nil {
		logging.Error(context.Background(), "failed to issue session token", zap.Error(err))
		return ""
	}
	return token
}

// restoreSession re-establishes a returning participant's client-side view
// of its current scene without re-running admission or re-enqueueing into a
// waiting room or game it is already part of; the peer sees no
// partner_excluded notification as a result of the reconnect.
func (o *Orchestrator) restoreSession(ctx context.Context, p *registry.Participant, sess *registry.Session) {
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	o.sendToParticipant(p, wire.OpSessionRestored, wire.SessionRestoredPayload{
		SessionID:         string(sess.ID),
		SceneID:           string(scene.SceneID),
		CurrentSceneIndex: sess.CurrentSceneIndex,
		SessionToken:      o.issueSessionToken(p.ID),
	})

	switch p.State {
	case domain.ParticipantInGame:
		if g, ok := o.reg.GameForParticipant(p.ID); ok {
			o.sendToParticipant(p, wire.OpPlayerAssigned, wire.PlayerAssignedPayload{
				GameID:              string(g.ID),
				PlayerIndex:         g.Group.PlayerIndex(p.ID),
				Seed:                g.Seed,
				ExpectedPlayerCount: len(g.Group.OrderedMembers),
			})
		}
	case domain.ParticipantInWaitroom:
		// the waiting room's own timers and status broadcasts run
		// independent of connection churn; nothing further to replay.
	default:
		o.sendToParticipant(p, wire.OpActivateScene, wire.ActivateScenePayload{
			SceneID:   string(scene.SceneID),
			SceneKind: string(scene.Kind),
			Index:     sess.CurrentSceneIndex,
		})
	}
}

// SubmitScreening evaluates a session's current scene's admission rules. On
// denial the session ends and no further scene activation is permitted.
func (o *Orchestrator) SubmitScreening(ctx context.Context, sessionID domain.SessionIDType, screeningCtx map[string]any) (admitted bool, reason string) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok {
		return false, "unknown session"
	}
	p, ok := o.reg.GetParticipant(sess.ParticipantID)
	if !ok {
		return false, "unknown participant"
	}

	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	admitted, reason = o.evaluateScreening(ctx, scene.Screening, screeningCtx)

	sess.Metadata.Admitted = admitted
	sess.Metadata.ScreeningReason = reason
	if admitted {
		sess.Metadata.StartedAt = time.Now()
	} else {
		p.State = domain.ParticipantEnded
		o.sendToParticipant(p, wire.OpTerminateScene, wire.TerminateScenePayload{
			SceneID: string(scene.SceneID), Reason: "admission denied",
		})
	}

	if o.sink != nil {
		if err := o.sink.WriteSessionMetadata(ctx, sess.ID, sess.Metadata); err != nil {
			logging.Error(ctx, "failed to write session metadata", zap.Error(err))
		}
	}
	return admitted, reason
}

func (o *Orchestrator) evaluateScreening(ctx context.Context, cfg *domain.ScreeningConfig, screeningCtx map[string]any) (bool, string) {
	if cfg == nil {
		return true, ""
	}
	if cfg.MaxLatencyMS != nil {
		if lat, ok := numberFromContext(screeningCtx, "latencyMs"); ok && lat > float64(*cfg.MaxLatencyMS) {
			return false, "latency exceeds threshold"
		}
	}
	if len(cfg.AllowedBrowsers) > 0 {
		browser, _ := screeningCtx["browser"].(string)
		if !containsString(cfg.AllowedBrowsers, browser) {
			return false, "unsupported browser"
		}
	}
	if cfg.CallbackID != "" && o.screeningFn != nil {
		admitted, reason, err := o.screeningFn(ctx, cfg.CallbackID, screeningCtx)
		if err != nil {
			logging.Warn(ctx, "screening callback failed, admitting (fail-open)", zap.String("callback_id", cfg.CallbackID), zap.Error(err))
			return true, ""
		}
		if !admitted {
			return false, reason
		}
	}
	return true, ""
}

func numberFromContext(ctx map[string]any, key string) (float64, bool) {
	v, ok := ctx[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// StaticSceneData records form/element data submitted for the current
// static scene, collected by declared element ID on advance.
func (o *Orchestrator) StaticSceneData(ctx context.Context, sessionID domain.SessionIDType, elements map[string]any) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok || o.sink == nil {
		return
	}
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	if err := o.sink.AppendParticipantData(ctx, scene.SceneID, sess.ParticipantID, elements); err != nil {
		logging.Error(ctx, "failed to append static scene data", zap.Error(err))
	}
}

// Advance moves a session to the next scene in its graph. It is a no-op,
// safe to replay, if the participant is not in a state that permits
// advancing.
func (o *Orchestrator) Advance(ctx context.Context, sessionID domain.SessionIDType) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok {
		return
	}
	p, ok := o.reg.GetParticipant(sess.ParticipantID)
	if !ok {
		return
	}

	if p.State != domain.ParticipantIdle && p.State != domain.ParticipantGameEnded {
		logging.Warn(ctx, "advance rejected: invalid participant state",
			zap.String("participant_id", string(p.ID)), zap.String("state", string(p.State)))
		return
	}

	o.deactivateScene(ctx, p, sess, sess.CurrentSceneIndex)

	nextIndex := sess.CurrentSceneIndex + 1
	if nextIndex >= len(sess.SceneGraph) {
		p.State = domain.ParticipantEnded
		o.sendToParticipant(p, wire.OpTerminateScene, wire.TerminateScenePayload{
			SceneID: string(sess.SceneGraph[sess.CurrentSceneIndex].SceneID), Reason: "experiment complete",
		})
		return
	}

	sess.CurrentSceneIndex = nextIndex
	p.CurrentSceneIndex = nextIndex
	p.State = domain.ParticipantIdle
	o.activateScene(ctx, p, sess, nextIndex, false)
}

// activateScene announces a scene to its client. For Gym scenes this only
// advertises scene_kind=gym; actual waiting-room admission waits for the
// client's enqueue_for_scene message (see EnterWaitroom) rather than
// auto-enqueueing the instant the scene activates.
func (o *Orchestrator) activateScene(ctx context.Context, p *registry.Participant, sess *registry.Session, index int, restoring bool) {
	if restoring {
		return
	}
	scene := sess.SceneGraph[index]
	o.sendToParticipant(p, wire.OpActivateScene, wire.ActivateScenePayload{
		SceneID: string(scene.SceneID), SceneKind: string(scene.Kind), Index: index,
	})
}

// EnterWaitroom admits a session's current participant into their scene's
// waiting room, in response to the client's enqueue_for_scene message.
func (o *Orchestrator) EnterWaitroom(ctx context.Context, sessionID domain.SessionIDType, attributes map[string]any) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok {
		return
	}
	p, ok := o.reg.GetParticipant(sess.ParticipantID)
	if !ok {
		return
	}
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	if scene.Kind != domain.SceneKindGym || p.State != domain.ParticipantIdle {
		return
	}
	p.State = domain.ParticipantInWaitroom
	o.matchmaker.Enqueue(ctx, scene, p.ID, attributes)
}

// LeaveWaitroom handles a client's explicit leave_waitroom message.
func (o *Orchestrator) LeaveWaitroom(sessionID domain.SessionIDType) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok {
		return
	}
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	o.matchmaker.LeaveWaitroom(scene.SceneID, sess.ParticipantID)
}

// ResolveProbe forwards a client's probe_result message to the matchmaker,
// resolving scene context from the reporting participant's current session.
func (o *Orchestrator) ResolveProbe(ctx context.Context, participantID domain.ParticipantIDType, probeID string, measuredRTTMS int64) {
	sess, ok := o.reg.SessionForParticipant(participantID)
	if !ok {
		return
	}
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	o.matchmaker.ResolveProbe(ctx, scene, probeID, participantID, measuredRTTMS)
}

func (o *Orchestrator) deactivateScene(ctx context.Context, p *registry.Participant, sess *registry.Session, index int) {
	scene := sess.SceneGraph[index]
	if scene.Kind != domain.SceneKindGym {
		return
	}
	if p.State == domain.ParticipantInWaitroom {
		o.matchmaker.LeaveWaitroom(scene.SceneID, p.ID)
	}
	if g, ok := o.reg.GameForParticipant(p.ID); ok {
		o.games.TeardownMember(g.ID, p.ID)
	}
}

// OnConnectionDrop unbinds a connection from its participant and arms a
// disconnect-grace timer. If grace expires without a reconnect while the
// participant is mid-waitroom or mid-game, the drop propagates as a
// dropout to the owning subsystem.
func (o *Orchestrator) OnConnectionDrop(ctx context.Context, connID domain.ConnectionIDType) {
	conn := o.reg.DropConnection(connID)
	if conn == nil || conn.ParticipantID == "" {
		return
	}
	participantID := conn.ParticipantID

	sess, ok := o.reg.SessionForParticipant(participantID)
	if !ok {
		return
	}
	scene := sess.SceneGraph[sess.CurrentSceneIndex]
	grace := scene.GraceSeconds
	deadline := time.Now().Add(grace)
	sess.GraceDeadline = &deadline

	o.armGrace(participantID, grace, func() {
		o.handleGraceExpiry(ctx, participantID, scene)
	})
}

func (o *Orchestrator) handleGraceExpiry(ctx context.Context, participantID domain.ParticipantIDType, scene domain.SceneSpec) {
	p, ok := o.reg.GetParticipant(participantID)
	if !ok {
		return
	}
	switch p.State {
	case domain.ParticipantInGame:
		o.games.DropMember(participantID)
	case domain.ParticipantInWaitroom:
		o.matchmaker.HandleDropout(ctx, scene, participantID)
	}
	logging.Info(ctx, "disconnect grace expired", zap.String("participant_id", string(participantID)))
}

func (o *Orchestrator) armGrace(participantID domain.ParticipantIDType, d time.Duration, fire func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.graceTimers[participantID]; ok {
		existing.Stop()
	}
	o.graceTimers[participantID] = time.AfterFunc(d, fire)
}

func (o *Orchestrator) cancelGrace(participantID domain.ParticipantIDType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.graceTimers[participantID]; ok {
		t.Stop()
		delete(o.graceTimers, participantID)
	}
}

// SyncGlobals merges client-shipped globals into a participant's
// server-side bag. Reserved ("_"-prefixed) keys are server-authoritative on
// conflict.
func (o *Orchestrator) SyncGlobals(sessionID domain.SessionIDType, clientGlobals map[string]any) {
	sess, ok := o.reg.GetSession(sessionID)
	if !ok {
		return
	}
	p, ok := o.reg.GetParticipant(sess.ParticipantID)
	if !ok {
		return
	}
	p.Globals.Merge(domain.Globals(clientGlobals))
}

// Shutdown cancels every pending grace timer, used during graceful server
// shutdown so no stray dropout fires after sinks and games have been torn
// down.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.graceTimers {
		t.Stop()
	}
	o.graceTimers = make(map[domain.ParticipantIDType]*time.Timer)
}

// IsResearcherConnection reports whether connID was flagged as a researcher
// connection at registration time.
func (o *Orchestrator) IsResearcherConnection(connID domain.ConnectionIDType) bool {
	conn, ok := o.reg.ConnectionFor(connID)
	return ok && conn.IsResearcher
}

// AdminForceAdvance advances a participant's session past its current scene
// at a researcher's request, reusing the same mechanics as a client-issued
// advance.
func (o *Orchestrator) AdminForceAdvance(ctx context.Context, participantID domain.ParticipantIDType) {
	sess, ok := o.reg.SessionForParticipant(participantID)
	if !ok {
		return
	}
	o.Advance(ctx, sess.ID)
}

func (o *Orchestrator) sendToParticipant(p *registry.Participant, opcode string, payload any) {
	if p.ConnectionID == "" {
		return
	}
	if conn, ok := o.reg.ConnectionFor(p.ConnectionID); ok && conn.Client != nil {
		conn.Client.SendMessage(opcode, payload)
	}
}
