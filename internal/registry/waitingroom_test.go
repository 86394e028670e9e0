package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chasemcd/experimentd/internal/domain"
)

func TestWaitroomFor_ReusesSameRoomPerScene(t *testing.T) {
	r := New()
	a := r.WaitroomFor("scene-1")
	b := r.WaitroomFor("scene-1")
	assert.Same(t, a, b)
}

func TestWaitingRoom_EnqueueSnapshotIncludesNewEntry(t *testing.T) {
	wr := newWaitingRoom("scene-1")
	snap := wr.Enqueue(domain.WaitingEntry{ParticipantID: "p1"})
	assert.Len(t, snap, 1)
	assert.Equal(t, domain.ParticipantIDType("p1"), snap[0].ParticipantID)
}

func TestWaitingRoom_RemoveLockedDropsOnlyMatched(t *testing.T) {
	wr := newWaitingRoom("scene-1")
	wr.Enqueue(domain.WaitingEntry{ParticipantID: "p1"})
	wr.Enqueue(domain.WaitingEntry{ParticipantID: "p2"})

	wr.WithLock(func() {
		wr.RemoveLocked(map[domain.ParticipantIDType]struct{}{"p1": {}})
	})

	snap := wr.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, domain.ParticipantIDType("p2"), snap[0].ParticipantID)
}

func TestWaitingRoom_TimerFiresOnce(t *testing.T) {
	wr := newWaitingRoom("scene-1")
	var mu sync.Mutex
	fired := 0
	wr.SetTimer("p1", 10*time.Millisecond, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}

func TestWaitingRoom_CancelTimerPreventsFire(t *testing.T) {
	wr := newWaitingRoom("scene-1")
	var mu sync.Mutex
	fired := false
	wr.SetTimer("p1", 10*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	wr.CancelTimer("p1")
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestProbeSession_CreateGetDelete(t *testing.T) {
	r := New()
	p := r.CreateProbe("probe-1", "a", "b")
	assert.Equal(t, [2]domain.ParticipantIDType{"a", "b"}, p.Participants)

	found, ok := r.GetProbe("probe-1")
	assert.True(t, ok)
	assert.Same(t, p, found)

	r.DeleteProbe("probe-1")
	_, ok = r.GetProbe("probe-1")
	assert.False(t, ok)
}
