package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalsMerge_ReservedKeyServerWins(t *testing.T) {
	g := Globals{"_admitted": true}
	g.Merge(Globals{"_admitted": false, "nickname": "ringo"})

	assert.Equal(t, true, g["_admitted"], "reserved key is server-authoritative on conflict")
	assert.Equal(t, "ringo", g["nickname"])
}

func TestGlobalsMerge_ReservedKeyAdoptedWhenAbsent(t *testing.T) {
	g := Globals{}
	g.Merge(Globals{"_admitted": true})

	assert.Equal(t, true, g["_admitted"], "a reserved key with no prior value is adopted from the client")
}

func TestGlobalsMerge_UnreservedLastWriterWins(t *testing.T) {
	g := Globals{"score": 1}
	g.Merge(Globals{"score": 2})
	assert.Equal(t, 2, g["score"])
}

func TestGlobalsMerge_Idempotent(t *testing.T) {
	g := Globals{"score": 1}
	update := Globals{"score": 2}
	g.Merge(update)
	g.Merge(update)
	assert.Equal(t, 2, g["score"], "applying the same sync twice is equivalent to once")
}

func TestGlobalsClone_NotAliased(t *testing.T) {
	g := Globals{"a": 1}
	clone := g.Clone()
	clone["a"] = 2
	assert.Equal(t, 1, g["a"])
}
