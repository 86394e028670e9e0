// Package sceneconfig loads a researcher-authored scene graph from a YAML
// file at process startup into the core's domain.ExperimentConfig,
// validating everything up front and failing loudly rather than lazily.
// Parsed with gopkg.in/yaml.v3.
package sceneconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chasemcd/experimentd/internal/domain"
)

// document is the on-disk shape of a scene graph file.
type document struct {
	MaxParticipants int              `yaml:"maxParticipants"`
	ICEServers      []iceServerYAML  `yaml:"iceServers"`
	Scenes          []sceneYAML      `yaml:"scenes"`
}

type iceServerYAML struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type sceneYAML struct {
	SceneID                string             `yaml:"sceneID"`
	Kind                    string             `yaml:"kind"`
	GroupSize               int                `yaml:"groupSize"`
	WaitroomMaxWaitSeconds  int                `yaml:"waitroomMaxWait"`
	CountdownSeconds        int                `yaml:"countdownSeconds"`
	TickRate                int                `yaml:"tickRate"`
	Episodes                int                `yaml:"episodes"`
	ResetFreezeSeconds      int                `yaml:"resetFreezeSec"`
	ActionPopulationPolicy  string             `yaml:"actionPopulationPolicy"`
	PeerMode                string             `yaml:"peerMode"`
	HashSamplingEvery       int                `yaml:"hashSamplingEvery"`
	ProbeRequired           bool               `yaml:"probeRequired"`
	MaxServerRTTMS          int64              `yaml:"maxServerRTT"`
	MaxPeerRTTMS            int64              `yaml:"maxPeerRTT"`
	GraceSeconds            int                `yaml:"graceSeconds"`
	AuthoritativeResync     bool               `yaml:"authoritativeResync"`
	Screening               *screeningYAML     `yaml:"screening"`
	DataCollection          *dataCollectionYAML `yaml:"dataCollection"`
}

type screeningYAML struct {
	MaxLatencyMS    *int64   `yaml:"maxLatencyMS"`
	AllowedBrowsers []string `yaml:"allowedBrowsers"`
	CallbackID      string   `yaml:"callbackID"`
}

type dataCollectionYAML struct {
	Elements []string `yaml:"elements"`
	Events   []string `yaml:"events"`
}

var sceneKindByName = map[string]domain.SceneKind{
	"static":   domain.SceneKindStatic,
	"gym":      domain.SceneKindGym,
	"external": domain.SceneKindExternal,
}

var peerModeByName = map[string]domain.PeerMode{
	"":                       domain.PeerModeNone,
	"none":                   domain.PeerModeNone,
	"peer-authoritative":     domain.PeerModePeerAuthoritative,
	"server-authoritative":   domain.PeerModeServerAuthoritative,
}

var policyByName = map[string]domain.ActionPopulationPolicy{
	"":                domain.PopulationDefaultAction,
	"default_action":  domain.PopulationDefaultAction,
	"previous_action": domain.PopulationPreviousAction,
	"repeat":          domain.PopulationPreviousAction,
	"block":           domain.PopulationBlock,
}

// Load reads and validates the scene graph at path, returning a fully
// populated domain.ExperimentConfig ready for the orchestrator.
func Load(path string) (domain.ExperimentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ExperimentConfig{}, fmt.Errorf("failed to read scene config %q: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.ExperimentConfig{}, fmt.Errorf("failed to parse scene config %q: %w", path, err)
	}

	if len(doc.Scenes) == 0 {
		return domain.ExperimentConfig{}, fmt.Errorf("scene config %q defines no scenes", path)
	}

	cfg := domain.ExperimentConfig{
		MaxParticipants: doc.MaxParticipants,
	}
	for _, s := range doc.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	seen := make(map[string]bool, len(doc.Scenes))
	for i, s := range doc.Scenes {
		if s.SceneID == "" {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %d: sceneID is required", i)
		}
		if seen[s.SceneID] {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %d: duplicate sceneID %q", i, s.SceneID)
		}
		seen[s.SceneID] = true

		kind, ok := sceneKindByName[s.Kind]
		if !ok {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %q: unrecognized kind %q", s.SceneID, s.Kind)
		}
		peerMode, ok := peerModeByName[s.PeerMode]
		if !ok {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %q: unrecognized peerMode %q", s.SceneID, s.PeerMode)
		}
		policy, ok := policyByName[s.ActionPopulationPolicy]
		if !ok {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %q: unrecognized actionPopulationPolicy %q", s.SceneID, s.ActionPopulationPolicy)
		}

		spec := domain.SceneSpec{
			SceneID:                domain.SceneIDType(s.SceneID),
			Kind:                   kind,
			GroupSize:              s.GroupSize,
			WaitroomMaxWait:        time.Duration(s.WaitroomMaxWaitSeconds) * time.Second,
			CountdownDuration:      time.Duration(s.CountdownSeconds) * time.Second,
			TickRate:               s.TickRate,
			Episodes:               s.Episodes,
			ResetFreeze:            time.Duration(s.ResetFreezeSeconds) * time.Second,
			ActionPopulationPolicy: policy,
			PeerMode:               peerMode,
			HashSamplingEvery:      s.HashSamplingEvery,
			ProbeRequired:          s.ProbeRequired,
			MaxServerRTT:           time.Duration(s.MaxServerRTTMS) * time.Millisecond,
			MaxPeerRTT:             time.Duration(s.MaxPeerRTTMS) * time.Millisecond,
			GraceSeconds:           time.Duration(s.GraceSeconds) * time.Second,
			AuthoritativeResync:    s.AuthoritativeResync,
		}

		if s.Screening != nil {
			spec.Screening = &domain.ScreeningConfig{
				MaxLatencyMS:    s.Screening.MaxLatencyMS,
				AllowedBrowsers: s.Screening.AllowedBrowsers,
				CallbackID:      s.Screening.CallbackID,
			}
		}
		if s.DataCollection != nil {
			spec.DataCollection = &domain.DataCollectionConfig{
				Elements: s.DataCollection.Elements,
				Events:   s.DataCollection.Events,
			}
		}

		if err := spec.Validate(); err != nil {
			return domain.ExperimentConfig{}, fmt.Errorf("scene %q: %w", s.SceneID, err)
		}

		cfg.SceneGraph = append(cfg.SceneGraph, spec)
	}

	return cfg, nil
}
