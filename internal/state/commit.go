package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/infrasonar/rapp/internal/config"
)

const configHeader = `## WARNING: InfraSonar will make ` + "`password`" + ` and ` + "`secret`" + ` values unreadable but
## this must not be regarded as true encryption as the encryption key is
## publicly available.
##
## Example configuration for ` + "`myprobe`" + ` collector:
##
##  myprobe:
##    config:
##      username: alice
##      password: "secret password"
##    assets:
##    - id: [12345, 34567]
##      config:
##        username: bob
##        password: "my secret"
##
## !! This file is managed by InfraSonar !!
##
## It's okay to add custom probe configuration for when you want to
## specify the "_use" value for assets. The appliance toolkit will not
## overwrite these custom probe configurations. You can also add additional
## assets configurations for managed probes.

`

// CommitResult reports what Commit wrote, so the caller can refresh the
// file watcher and record digests.
type CommitResult struct {
	ComposeDigest string
	EnvDigest     string
	Paths         []string
}

// Commit atomically replaces the compose, probe-config and env files from
// the working copy. Every artifact is first written to a temp file in its
// target directory, then renamed into place; a crash mid-commit leaves
// each file either fully old or fully new, never truncated. Temp files are
// only renamed once all of them were written, so a serialization error
// leaves every previous file intact.
func (s *State) Commit() (CommitResult, error) {
	composeData, err := s.Compose.Marshal()
	if err != nil {
		return CommitResult{}, err
	}

	configBody, err := yaml.Marshal(s.Config)
	if err != nil {
		return CommitResult{}, fmt.Errorf("marshal probe config: %w", err)
	}
	configData := append([]byte(configHeader), configBody...)

	envData := []byte(config.FormatEnvFile(s.Env.Map()))

	files := []struct {
		path string
		data []byte
	}{
		{s.Settings.ComposeFile, composeData},
		{s.Settings.ConfigFile, configData},
		{s.Settings.EnvFile, envData},
	}

	temps := make([]string, len(files))
	for i, f := range files {
		tmp, err := writeTemp(f.path, f.data)
		if err != nil {
			removeAll(temps[:i])
			return CommitResult{}, err
		}
		temps[i] = tmp
	}

	for i, f := range files {
		if err := os.Rename(temps[i], f.path); err != nil {
			removeAll(temps[i:])
			return CommitResult{}, fmt.Errorf("replace %s: %w", f.path, err)
		}
	}

	return CommitResult{
		ComposeDigest: Digest(composeData),
		EnvDigest:     Digest(envData),
		Paths:         []string{s.Settings.ComposeFile, s.Settings.ConfigFile, s.Settings.EnvFile},
	}, nil
}

// writeTemp writes data to a temp file next to path and syncs it, so the
// later rename publishes fully durable content.
func writeTemp(path string, data []byte) (string, error) {
	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, base+".*")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	return tmp, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}
