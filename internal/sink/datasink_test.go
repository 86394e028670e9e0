package sink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasemcd/experimentd/internal/domain"
)

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestFileDataSink_AppendParticipantDataCreatesPerSceneFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileDataSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.AppendParticipantData(ctx, "scene-1", "p1", map[string]any{"x": 1}))
	require.NoError(t, sink.AppendParticipantData(ctx, "scene-1", "p1", map[string]any{"x": 2}))

	path := filepath.Join(dir, "scene-1", "participant_data.jsonl")
	assert.Equal(t, 2, countLines(t, path))
}

func TestFileDataSink_WriteMatchAssignmentAndSessionMetadataUseDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileDataSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.WriteMatchAssignment(ctx, "scene-1", map[string]any{"group": "g1"}))
	require.NoError(t, sink.WriteSessionMetadata(ctx, domain.SessionIDType("sess-1"), map[string]any{"reason": "complete"}))

	assert.Equal(t, 1, countLines(t, filepath.Join(dir, "scene-1", "match_assignments.jsonl")))
	assert.Equal(t, 1, countLines(t, filepath.Join(dir, "session_metadata.jsonl")))
}

func TestFileDataSink_CloseClosesOpenHandles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileDataSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.AppendParticipantData(context.Background(), "scene-1", "p1", "x"))
	assert.NoError(t, sink.Close())
}
