package domain

import "time"

// SceneSpec is the plain, explicit-optionality configuration record for one
// scene in a researcher's scene graph. Every optional field is a typed
// pointer or carries an explicit zero meaning, and a SceneSpec is validated
// once at load time and immutable thereafter.
type SceneSpec struct {
	SceneID   SceneIDType
	Kind      SceneKind
	GroupSize int // required and validated > 0 for Kind == SceneKindGym

	Matcher Matcher // nil means FIFO, the default

	WaitroomMaxWait   time.Duration // default 120s
	CountdownDuration time.Duration // default 3s

	TickRate               int // Hz, default per-scene, typical 10-60
	Episodes               int
	ResetFreeze            time.Duration
	ActionPopulationPolicy ActionPopulationPolicy

	PeerMode          PeerMode
	HashSamplingEvery int // tick stride, default 30

	ProbeRequired bool
	MaxServerRTT  time.Duration
	MaxPeerRTT    time.Duration

	GraceSeconds time.Duration // default 15s non-game, 30s active game

	Screening      *ScreeningConfig
	DataCollection *DataCollectionConfig

	AuthoritativeResync bool // enables lowest-playerIndex resync on desync
}

// Validate enforces construction-time invariants: >2-player groups may not
// opt into pre-match probing, since pre-match probing is only defined for
// pairwise RTT exchange.
func (s *SceneSpec) Validate() error {
	if s.Kind == SceneKindGym && s.GroupSize <= 0 {
		return errGroupSizeRequired
	}
	if s.ProbeRequired && s.GroupSize > 2 {
		return errProbingRequiresPairs
	}
	if s.HashSamplingEvery <= 0 {
		s.HashSamplingEvery = 30
	}
	if s.WaitroomMaxWait <= 0 {
		s.WaitroomMaxWait = 120 * time.Second
	}
	if s.CountdownDuration <= 0 {
		s.CountdownDuration = 3 * time.Second
	}
	if s.GraceSeconds <= 0 {
		if s.Kind == SceneKindGym {
			s.GraceSeconds = 30 * time.Second
		} else {
			s.GraceSeconds = 15 * time.Second
		}
	}
	return nil
}

// ScreeningConfig holds the admission-screening rules evaluated at
// experiment entry.
type ScreeningConfig struct {
	MaxLatencyMS    *int64
	AllowedBrowsers []string
	CallbackID      string // opaque id of a researcher-supplied screening callback
}

// DataCollectionConfig names which elements/events a scene persists via the
// DataSink collaborator.
type DataCollectionConfig struct {
	Elements []string
	Events   []string
}

// ExperimentConfig is the top-level registration-time tree: the ordered
// scene graph template plus the runtime peers must pre-load (e.g. STUN/TURN
// credentials handed out at registration).
type ExperimentConfig struct {
	SceneGraph      []SceneSpec
	MaxParticipants int
	ICEServers      []ICEServer
}

// ICEServer is an opaque STUN/TURN hint forwarded to clients; the core
// never interprets it.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errGroupSizeRequired    sentinelError = "scene: groupSize must be > 0 for gym scenes"
	errProbingRequiresPairs sentinelError = "scene: probeRequired is only supported for groupSize == 2"
)
