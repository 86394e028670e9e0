// Package registry is the single owner of every entity in the data model:
// participants, connections, sessions, waiting entries, player groups,
// games, and their peer/probe sub-entities. Subsystems never keep their own
// copies — they mutate through the Registry's locked accessors.
package registry

import (
	"sync"
	"time"

	"github.com/chasemcd/experimentd/internal/domain"
)

// Participant is the long-lived row for one human across the server's
// lifetime.
type Participant struct {
	ID                domain.ParticipantIDType
	ConnectionID       domain.ConnectionIDType // empty when not currently connected
	CurrentSceneIndex int
	Globals           domain.Globals
	State             domain.ParticipantState
}

// Connection is a single live transport attachment.
type Connection struct {
	ID            domain.ConnectionIDType
	ParticipantID domain.ParticipantIDType // empty until bound
	ConnectedAt   time.Time
	InFocus       bool
	LastPingMS    int64
	Client        domain.ClientInterface
	IsResearcher  bool // flagged at registration by a matching admin password
}

// Session is a participant's per-experiment progression state, persisted in
// memory across reconnects.
type Session struct {
	ID                domain.SessionIDType
	ParticipantID     domain.ParticipantIDType
	SceneGraph        []domain.SceneSpec // cloned per-participant instance
	CurrentSceneIndex int
	SceneState        map[string]any
	Metadata          SessionMetadata
	CreatedAt         time.Time
	GraceDeadline     *time.Time // set while disconnected, nil while connected
}

// SessionMetadata is the audit trail persisted via DataSink.WriteSessionMetadata.
type SessionMetadata struct {
	Admitted          bool
	ScreeningReason   string
	StartedAt         time.Time
	AssignmentLog     []string
	Partial           bool
	TerminationReason string
}

// PlayerGroup is a fixed-size, immutable-once-formed tuple of participants.
type PlayerGroup struct {
	ID                 domain.GroupIDType
	SceneID            domain.SceneIDType
	OrderedMembers     []domain.ParticipantIDType
	FormedAt           time.Time
	PriorPartnerHistory map[domain.ParticipantIDType]map[domain.ParticipantIDType]struct{}
}

// PlayerIndex returns the 0-based index of participantID within the group,
// or -1 if it is not a member.
func (g *PlayerGroup) PlayerIndex(participantID domain.ParticipantIDType) int {
	for i, id := range g.OrderedMembers {
		if id == participantID {
			return i
		}
	}
	return -1
}

// Game is one run of an interactive scene for a single PlayerGroup.
type Game struct {
	ID                domain.GameIDType
	SceneID           domain.SceneIDType
	Scene             domain.SceneSpec
	Group             *PlayerGroup
	Status            domain.GameStatus
	TickSeqNum        int64
	CreatedAt         time.Time
	Seed              int64
	LastActions       map[int]any // playerIdx -> action
	Peer              *PeerSessionState
	Partial           bool
	TerminationReason string
	EpisodesCompleted int
	ExcludedMembers   map[domain.ParticipantIDType]struct{}

	// PendingAcks tracks reset_complete arrivals for the current phase: while
	// Active it collects externally-reported episode-end signals (driving the
	// episode boundary for scenes with no Stepper); while Resetting it
	// collects reset-applied acks gating re-entry to Active.
	PendingAcks   map[domain.ParticipantIDType]struct{}
	ResetDeadline time.Time // hard cutoff for Resetting -> Active when acks don't all arrive
}

// PeerSessionState is the Game's peer-coordination sub-entity, present only
// when the scene opts into peer mode.
type PeerSessionState struct {
	SignalingBuffer      map[domain.ParticipantIDType][][]byte // oldest-first, per member
	HashRing             map[int64]map[int]string              // tick -> playerIdx -> hash
	FallbackRelayEnabled map[domain.ParticipantIDType]bool
	ValidationEpoch      int64
}

// NewPeerSessionState allocates an empty peer state for a freshly created game.
func NewPeerSessionState() *PeerSessionState {
	return &PeerSessionState{
		SignalingBuffer:      make(map[domain.ParticipantIDType][][]byte),
		HashRing:             make(map[int64]map[int]string),
		FallbackRelayEnabled: make(map[domain.ParticipantIDType]bool),
	}
}

// ProbeSession tracks a pre-match RTT probe between two waiting participants.
// Its own mutex guards concurrent reports from both peers' read loops.
type ProbeSession struct {
	ID                string
	Participants      [2]domain.ParticipantIDType
	StartedAt         time.Time

	Mu                sync.Mutex
	ReadyParticipants map[domain.ParticipantIDType]struct{}
	MeasuredRTTMS     map[domain.ParticipantIDType]int64
}
