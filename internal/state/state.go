// Package state owns the desired/applied state model of the appliance: the
// compose document, the probe configuration and the env file as one logical
// value with three serialization targets. It builds the state document
// exchanged with AgentCore, validates pushed documents, computes
// service-level plans and commits files atomically.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/infrasonar/rapp/internal/config"
)

// Source tells where a DesiredState candidate originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// DesiredState is an immutable target configuration. A newer DesiredState
// supersedes an older one; values are never mutated after construction.
type DesiredState struct {
	Compose  ComposeDoc
	Config   map[string]any
	Env      config.Env
	Source   Source
	Project  string
	Version  int64
	SkipPull bool
}

// NewDesiredState stamps a version from the wall clock; versions only need
// to be monotone within one process so latest-wins coalescing can order
// candidates.
func NewDesiredState(compose ComposeDoc, cfg map[string]any, env config.Env, source Source) DesiredState {
	return DesiredState{
		Compose: compose,
		Config:  cfg,
		Env:     env,
		Source:  source,
		Version: time.Now().UnixNano(),
	}
}

// AppliedState reflects the last DesiredState for which every container
// operation succeeded. A partially applied state is never recorded.
type AppliedState struct {
	Version       int64
	ComposeDigest string
	EnvDigest     string
	Services      []string
	AppliedAt     time.Time
}

// State is the mutable working copy of the three managed files. Only the
// reconciler goroutine touches it.
type State struct {
	Settings config.Settings

	Compose ComposeDoc
	Config  map[string]any
	Env     config.Env
}

// Load reads the compose document, probe configuration and env file from
// disk. Any failure here is a startup-fatal ConfigError; at runtime the
// caller retries on the next change event instead.
func Load(settings config.Settings) (*State, error) {
	data, err := os.ReadFile(settings.ComposeFile)
	if err != nil {
		return nil, &config.ConfigError{Path: settings.ComposeFile, Err: err}
	}
	compose, err := ParseCompose(data)
	if err != nil {
		return nil, &config.ConfigError{Path: settings.ComposeFile, Err: err}
	}
	compose.stripLegacy()
	patchOwnService(compose, settings)

	cfg, err := config.LoadProbeConfig(settings.ConfigFile)
	if err != nil {
		return nil, err
	}
	if len(cfg) == 0 {
		slog.Warn("no probe configurations found", "path", settings.ConfigFile)
	}

	env, err := config.LoadEnv(settings.EnvFile)
	if err != nil {
		return nil, err
	}

	return &State{
		Settings: settings,
		Compose:  compose,
		Config:   cfg,
		Env:      env,
	}, nil
}

// Desired snapshots the current working copy as an immutable DesiredState.
func (s *State) Desired(source Source) (DesiredState, error) {
	compose, err := s.Compose.Clone()
	if err != nil {
		return DesiredState{}, err
	}
	ds := NewDesiredState(compose, cloneMap(s.Config), s.Env, source)
	ds.Project = s.Settings.ProjectName
	return ds, nil
}

// patchOwnService pins the ALLOW_REMOTE_ACCESS environment variable in the
// rapp service definition to the process setting, so the compose file shown
// to operators always states the effective policy.
func patchOwnService(doc ComposeDoc, settings config.Settings) {
	rapp, ok := doc.Service(ServiceRapp)
	if !ok {
		return
	}
	env, ok := rapp["environment"].(map[string]any)
	if !ok {
		env = map[string]any{}
		rapp["environment"] = env
	}
	flag := 0
	if settings.AllowRemoteAccess {
		flag = 1
	}
	env["ALLOW_REMOTE_ACCESS"] = flag
}

// Digest returns the hex SHA-256 of a serialized artifact; used to key
// AppliedState and to detect self-inflicted file changes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
