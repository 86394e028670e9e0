package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
)

func TestGetOrCreateParticipant_FreshIsIdle(t *testing.T) {
	r := New()
	p, existed := r.GetOrCreateParticipant("p1")
	assert.False(t, existed)
	assert.Equal(t, domain.ParticipantIdle, p.State)
}

func TestGetOrCreateParticipant_ReturnsExisting(t *testing.T) {
	r := New()
	first, _ := r.GetOrCreateParticipant("p1")
	first.State = domain.ParticipantInGame

	second, existed := r.GetOrCreateParticipant("p1")
	assert.True(t, existed)
	assert.Same(t, first, second)
	assert.Equal(t, domain.ParticipantInGame, second.State)
}

func TestBindConnection_EvictsPriorConnection(t *testing.T) {
	r := New()
	p, _ := r.GetOrCreateParticipant("p1")

	connA := &Connection{ID: "a"}
	r.RegisterConnection(connA)
	evicted := r.BindConnection(connA, p)
	assert.Nil(t, evicted)

	connB := &Connection{ID: "b"}
	r.RegisterConnection(connB)
	evicted = r.BindConnection(connB, p)
	require.NotNil(t, evicted)
	assert.Equal(t, domain.ConnectionIDType("a"), evicted.ID)
	assert.Equal(t, domain.ConnectionIDType("b"), p.ConnectionID)
}

func TestDropConnection_ClearsParticipantPointer(t *testing.T) {
	r := New()
	p, _ := r.GetOrCreateParticipant("p1")
	conn := &Connection{ID: "a"}
	r.RegisterConnection(conn)
	r.BindConnection(conn, p)

	dropped := r.DropConnection("a")
	require.NotNil(t, dropped)
	assert.Equal(t, domain.ConnectionIDType(""), p.ConnectionID)

	_, ok := r.ConnectionFor("a")
	assert.False(t, ok)
}

func TestCreateSession_ClonesSceneGraphPerParticipant(t *testing.T) {
	r := New()
	graph := []domain.SceneSpec{{SceneID: "s1"}, {SceneID: "s2"}}
	sess := r.CreateSession("sess-1", "p1", graph)

	sess.SceneGraph[0].SceneID = "mutated"
	assert.Equal(t, domain.SceneIDType("s1"), graph[0].SceneID, "session holds its own clone, not an alias")

	found, ok := r.SessionForParticipant("p1")
	require.True(t, ok)
	assert.Same(t, sess, found)
}

func TestParticipantCount_TracksCapacity(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.ParticipantCount())
	r.GetOrCreateParticipant("p1")
	r.GetOrCreateParticipant("p2")
	r.GetOrCreateParticipant("p1") // re-registration doesn't double-count
	assert.Equal(t, 2, r.ParticipantCount())
}
