package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chasemcd/experimentd/internal/domain"
)

// FileDataSink is a domain.DataSink that appends newline-delimited JSON
// records to per-scene/per-session files under a base directory: an
// append-only log of participant actions and session metadata with no
// external database dependency.
type FileDataSink struct {
	baseDir string
	mu      sync.Mutex
	files   map[string]*os.File
}

// NewFileDataSink prepares (creating if necessary) baseDir for writing.
func NewFileDataSink(baseDir string) (*FileDataSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileDataSink{baseDir: baseDir, files: make(map[string]*os.File)}, nil
}

func (s *FileDataSink) appendLine(relPath string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[relPath]
	if !ok {
		full := filepath.Join(s.baseDir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create data subdir: %w", err)
		}
		var err error
		f, err = os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open data file: %w", err)
		}
		s.files[relPath] = f
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

type participantDataRecord struct {
	Timestamp     time.Time                 `json:"timestamp"`
	ParticipantID domain.ParticipantIDType  `json:"participant_id"`
	Record        any                       `json:"record"`
}

// AppendParticipantData appends a single per-tick or per-event record for a
// participant within a scene.
func (s *FileDataSink) AppendParticipantData(ctx context.Context, sceneID domain.SceneIDType, participantID domain.ParticipantIDType, record any) error {
	relPath := filepath.Join(string(sceneID), "participant_data.jsonl")
	return s.appendLine(relPath, participantDataRecord{
		Timestamp:     time.Now(),
		ParticipantID: participantID,
		Record:        record,
	})
}

// WriteMatchAssignment appends a record of a waiting-room match decision.
func (s *FileDataSink) WriteMatchAssignment(ctx context.Context, sceneID domain.SceneIDType, record any) error {
	relPath := filepath.Join(string(sceneID), "match_assignments.jsonl")
	return s.appendLine(relPath, struct {
		Timestamp time.Time `json:"timestamp"`
		Record    any       `json:"record"`
	}{time.Now(), record})
}

// WriteSessionMetadata appends a session's final metadata (admission
// decision, assignment log, termination reason).
func (s *FileDataSink) WriteSessionMetadata(ctx context.Context, sessionID domain.SessionIDType, metadata any) error {
	return s.appendLine("session_metadata.jsonl", struct {
		Timestamp time.Time              `json:"timestamp"`
		SessionID domain.SessionIDType   `json:"session_id"`
		Metadata  any                    `json:"metadata"`
	}{time.Now(), sessionID, metadata})
}

// Close flushes and closes every open file handle.
func (s *FileDataSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
