package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chasemcd/experimentd/internal/domain"
)

// Registry owns every entity in the system and enforces a coarse lock
// discipline: participantRegistry -> waitingRoom -> gameRegistry -> gameLock.
// Any code path acquiring more than one of these must acquire them in that
// order.
type Registry struct {
	participantMu sync.Mutex
	participants  map[domain.ParticipantIDType]*Participant
	connections   map[domain.ConnectionIDType]*Connection
	sessions      map[domain.SessionIDType]*Session
	bySession     map[domain.ParticipantIDType]domain.SessionIDType

	waitingMu sync.Mutex
	waitrooms map[domain.SceneIDType]*WaitingRoom
	probes    map[string]*ProbeSession

	gameMu sync.Mutex
	games  map[domain.GameIDType]*Game
	groups map[domain.GroupIDType]*PlayerGroup

	// gameLocks is per-game; acquired only after gameMu is released, never
	// nested under it, so no suspension point is ever reached while gameMu
	// is held.
	gameLocksMu sync.Mutex
	gameLocks   map[domain.GameIDType]*sync.Mutex
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		participants: make(map[domain.ParticipantIDType]*Participant),
		connections:  make(map[domain.ConnectionIDType]*Connection),
		sessions:     make(map[domain.SessionIDType]*Session),
		bySession:    make(map[domain.ParticipantIDType]domain.SessionIDType),
		waitrooms:    make(map[domain.SceneIDType]*WaitingRoom),
		probes:       make(map[string]*ProbeSession),
		games:        make(map[domain.GameIDType]*Game),
		groups:       make(map[domain.GroupIDType]*PlayerGroup),
		gameLocks:    make(map[domain.GameIDType]*sync.Mutex),
	}
}

// --- Participant registry ---

// GetOrCreateParticipant returns the existing Participant row for id, or
// creates a fresh Idle one. The bool return is true when a row already
// existed (a restoration, not a first contact).
func (r *Registry) GetOrCreateParticipant(id domain.ParticipantIDType) (*Participant, bool) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()

	if p, ok := r.participants[id]; ok {
		return p, true
	}
	p := &Participant{ID: id, Globals: make(domain.Globals), State: domain.ParticipantIdle}
	r.participants[id] = p
	return p, false
}

// GetParticipant looks up a participant without creating one.
func (r *Registry) GetParticipant(id domain.ParticipantIDType) (*Participant, bool) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

// ParticipantCount reports the number of participant rows ever admitted —
// used by the Orchestrator's AdmissionDenied capacity check.
func (r *Registry) ParticipantCount() int {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	return len(r.participants)
}

// BindConnection attaches conn to participant p, evicting any prior live
// connection so at most one live connection exists per participant. Returns
// the evicted connection, if any, so the caller can emit duplicate-session
// / detach it.
func (r *Registry) BindConnection(conn *Connection, p *Participant) *Connection {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()

	var evicted *Connection
	if p.ConnectionID != "" {
		if old, ok := r.connections[p.ConnectionID]; ok {
			evicted = old
		}
	}
	conn.ParticipantID = p.ID
	r.connections[conn.ID] = conn
	p.ConnectionID = conn.ID
	return evicted
}

// RegisterConnection stores a freshly attached, not-yet-bound connection.
func (r *Registry) RegisterConnection(conn *Connection) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	r.connections[conn.ID] = conn
}

// ConnectionFor looks up a live connection by ID, used by subsystems that
// hold only a participant's current connectionID and need to reach its
// domain.ClientInterface to emit a message.
func (r *Registry) ConnectionFor(connID domain.ConnectionIDType) (*Connection, bool) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	c, ok := r.connections[connID]
	return c, ok
}

// DropConnection removes a connection and, if it was the participant's
// current one, clears the participant's pointer back to it.
func (r *Registry) DropConnection(connID domain.ConnectionIDType) *Connection {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return nil
	}
	delete(r.connections, connID)

	if conn.ParticipantID != "" {
		if p, ok := r.participants[conn.ParticipantID]; ok && p.ConnectionID == connID {
			p.ConnectionID = ""
		}
	}
	return conn
}

// --- Session registry ---

// CreateSession allocates a fresh session for a participant, cloning their
// per-participant scene graph instance.
func (r *Registry) CreateSession(id domain.SessionIDType, participantID domain.ParticipantIDType, sceneGraph []domain.SceneSpec) *Session {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()

	s := &Session{
		ID:            id,
		ParticipantID: participantID,
		SceneGraph:    cloneSceneGraph(sceneGraph),
		SceneState:    make(map[string]any),
		CreatedAt:     time.Now(),
	}
	r.sessions[id] = s
	r.bySession[participantID] = id
	return s
}

// SessionForParticipant returns the immutable session bound to a participant.
func (r *Registry) SessionForParticipant(participantID domain.ParticipantIDType) (*Session, bool) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	id, ok := r.bySession[participantID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// GetSession looks up a session by ID.
func (r *Registry) GetSession(id domain.SessionIDType) (*Session, bool) {
	r.participantMu.Lock()
	defer r.participantMu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func cloneSceneGraph(src []domain.SceneSpec) []domain.SceneSpec {
	out := make([]domain.SceneSpec, len(src))
	copy(out, src)
	return out
}

// Shutdown releases resources held directly by the registry. Live games and
// connections are torn down by their owning subsystems before this is
// called; this only drops the connection table, leaving the participant,
// session, game and waiting-room maps as they are. A
// core restart ends live games; in-flight session state is not durable.
func (r *Registry) Shutdown() {
	r.participantMu.Lock()
	r.connections = make(map[domain.ConnectionIDType]*Connection)
	r.participantMu.Unlock()
	slog.Info("registry shutdown complete")
}
