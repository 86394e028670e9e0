package sceneconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ValidTwoSceneGraph(t *testing.T) {
	path := writeYAML(t, `
maxParticipants: 50
scenes:
  - sceneID: instructions
    kind: static
  - sceneID: coordination
    kind: gym
    groupSize: 2
    tickRate: 20
    episodes: 3
    peerMode: peer-authoritative
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxParticipants)
	require.Len(t, cfg.SceneGraph, 2)
	assert.Equal(t, domain.SceneKindStatic, cfg.SceneGraph[0].Kind)
	assert.Equal(t, domain.SceneKindGym, cfg.SceneGraph[1].Kind)
	assert.Equal(t, domain.PeerModePeerAuthoritative, cfg.SceneGraph[1].PeerMode)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/scenes.yaml")
	assert.Error(t, err)
}

func TestLoad_NoScenesIsError(t *testing.T) {
	path := writeYAML(t, "maxParticipants: 10\nscenes: []\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "no scenes")
}

func TestLoad_DuplicateSceneIDIsError(t *testing.T) {
	path := writeYAML(t, `
scenes:
  - sceneID: a
    kind: static
  - sceneID: a
    kind: static
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate sceneID")
}

func TestLoad_UnrecognizedKindIsError(t *testing.T) {
	path := writeYAML(t, `
scenes:
  - sceneID: a
    kind: holodeck
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unrecognized kind")
}

func TestLoad_UnrecognizedPeerModeIsError(t *testing.T) {
	path := writeYAML(t, `
scenes:
  - sceneID: a
    kind: gym
    groupSize: 2
    peerMode: omniscient
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unrecognized peerMode")
}

func TestLoad_PropagatesSceneValidationErrors(t *testing.T) {
	path := writeYAML(t, `
scenes:
  - sceneID: a
    kind: gym
`)
	_, err := Load(path)
	assert.Error(t, err, "gym scenes without groupSize must fail SceneSpec.Validate")
}

func TestLoad_ProbeRequiredAboveTwoIsRejected(t *testing.T) {
	path := writeYAML(t, `
scenes:
  - sceneID: a
    kind: gym
    groupSize: 3
    probeRequired: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}
