package registry

import (
	"sync"
	"time"

	"github.com/chasemcd/experimentd/internal/domain"
)

// WaitingRoom is the per-scene queue of WaitingEntry rows guarded by its own
// lock. The matchmaker holds this lock across its find+remove so concurrent
// arrivals can never double-assign the same entry into two groups.
type WaitingRoom struct {
	mu      sync.Mutex
	sceneID domain.SceneIDType
	entries []domain.WaitingEntry
	timers  map[domain.ParticipantIDType]*time.Timer
}

func newWaitingRoom(sceneID domain.SceneIDType) *WaitingRoom {
	return &WaitingRoom{
		sceneID: sceneID,
		timers:  make(map[domain.ParticipantIDType]*time.Timer),
	}
}

// WaitroomFor returns (creating if necessary) the WaitingRoom for a scene.
func (r *Registry) WaitroomFor(sceneID domain.SceneIDType) *WaitingRoom {
	r.waitingMu.Lock()
	defer r.waitingMu.Unlock()

	wr, ok := r.waitrooms[sceneID]
	if !ok {
		wr = newWaitingRoom(sceneID)
		r.waitrooms[sceneID] = wr
	}
	return wr
}

// Enqueue appends entry to the waiting list and returns a snapshot of every
// entry present at that instant (including the one just added), for the
// matcher to evaluate synchronously.
func (w *WaitingRoom) Enqueue(entry domain.WaitingEntry) []domain.WaitingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return w.snapshotLocked()
}

func (w *WaitingRoom) snapshotLocked() []domain.WaitingEntry {
	out := make([]domain.WaitingEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// SnapshotLocked is snapshotLocked exported for callers already holding the
// lock via WithLock. Calling Snapshot instead from inside a WithLock closure
// would deadlock, since sync.Mutex is not reentrant.
func (w *WaitingRoom) SnapshotLocked() []domain.WaitingEntry {
	return w.snapshotLocked()
}

// Snapshot returns the current waiting entries without mutating the queue.
func (w *WaitingRoom) Snapshot() []domain.WaitingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// WithLock runs fn with the waiting room's lock held, so a caller (the
// matchmaker) can run find+remove atomically.
func (w *WaitingRoom) WithLock(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

// RemoveLocked removes the given participant IDs from the queue. Caller
// must be holding the lock via WithLock.
func (w *WaitingRoom) RemoveLocked(ids map[domain.ParticipantIDType]struct{}) {
	kept := w.entries[:0]
	for _, e := range w.entries {
		if _, match := ids[e.ParticipantID]; !match {
			kept = append(kept, e)
		}
	}
	w.entries = kept
}

// SetTimer arms (replacing any existing) a per-entry timeout timer.
func (w *WaitingRoom) SetTimer(participantID domain.ParticipantIDType, d time.Duration, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.timers[participantID]; ok {
		existing.Stop()
	}
	w.timers[participantID] = time.AfterFunc(d, fire)
}

// CancelTimer stops and forgets a participant's timeout timer, if any.
func (w *WaitingRoom) CancelTimer(participantID domain.ParticipantIDType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[participantID]; ok {
		t.Stop()
		delete(w.timers, participantID)
	}
}

// --- Probe sessions ---

// CreateProbe registers a new ProbeSession for a candidate pair.
func (r *Registry) CreateProbe(id string, a, b domain.ParticipantIDType) *ProbeSession {
	r.waitingMu.Lock()
	defer r.waitingMu.Unlock()
	p := &ProbeSession{
		ID:                id,
		Participants:      [2]domain.ParticipantIDType{a, b},
		StartedAt:         time.Now(),
		ReadyParticipants: make(map[domain.ParticipantIDType]struct{}),
		MeasuredRTTMS:     make(map[domain.ParticipantIDType]int64),
	}
	r.probes[id] = p
	return p
}

// GetProbe looks up an active probe.
func (r *Registry) GetProbe(id string) (*ProbeSession, bool) {
	r.waitingMu.Lock()
	defer r.waitingMu.Unlock()
	p, ok := r.probes[id]
	return p, ok
}

// DeleteProbe removes a probe once it resolves or times out.
func (r *Registry) DeleteProbe(id string) {
	r.waitingMu.Lock()
	defer r.waitingMu.Unlock()
	delete(r.probes, id)
}
