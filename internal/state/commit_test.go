package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCommitRoundTrips(t *testing.T) {
	s := loadTestState(t)
	s.Env.SocatTargetAddr = "10.9.9.9"
	s.Config["extra"] = map[string]any{"enabled": false}

	res, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.ComposeDigest == "" || res.EnvDigest == "" {
		t.Error("commit result misses digests")
	}
	if len(res.Paths) != 3 {
		t.Errorf("expected three committed paths, got %v", res.Paths)
	}

	// Everything written must load back cleanly.
	reloaded, err := Load(s.Settings)
	if err != nil {
		t.Fatalf("reload after commit: %v", err)
	}
	if reloaded.Env.SocatTargetAddr != "10.9.9.9" {
		t.Errorf("env change lost: %q", reloaded.Env.SocatTargetAddr)
	}
	if _, ok := reloaded.Config["extra"]; !ok {
		t.Error("config change lost")
	}
	if _, ok := reloaded.Compose.Service("wmi-probe"); !ok {
		t.Error("compose services lost")
	}
}

func TestCommitWritesManagedHeaders(t *testing.T) {
	s := loadTestState(t)
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	composeData, err := os.ReadFile(s.Settings.ComposeFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(composeData), "## InfraSonar docker-compose.yml file") {
		t.Error("compose managed header missing")
	}

	configData, err := os.ReadFile(s.Settings.ConfigFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(configData), "!! This file is managed by InfraSonar !!") {
		t.Error("config managed header missing")
	}
}

func TestCommitLeavesNoTempFiles(t *testing.T) {
	s := loadTestState(t)
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Settings.ComposeFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		switch e.Name() {
		case "docker-compose.yml", ".env", "infrasonar.yaml":
		default:
			t.Errorf("stray file after commit: %s", e.Name())
		}
	}
}

func TestCommitFailureLeavesPreviousFilesIntact(t *testing.T) {
	s := loadTestState(t)
	before, err := os.ReadFile(s.Settings.ComposeFile)
	if err != nil {
		t.Fatal(err)
	}

	// Point the env file into a directory that does not exist, so its temp
	// file cannot be created and the commit fails before any rename.
	s.Settings.EnvFile = filepath.Join(s.Settings.EnvFile, "missing", ".env")
	if _, err := s.Commit(); err == nil {
		t.Fatal("expected commit failure")
	}

	after, err := os.ReadFile(s.Settings.ComposeFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("compose file changed despite failed commit")
	}
}

func TestCommitDigestsMatchContent(t *testing.T) {
	s := loadTestState(t)
	res, err := s.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	composeData, err := os.ReadFile(s.Settings.ComposeFile)
	if err != nil {
		t.Fatal(err)
	}
	if Digest(composeData) != res.ComposeDigest {
		t.Error("compose digest does not match file content")
	}
	envData, err := os.ReadFile(s.Settings.EnvFile)
	if err != nil {
		t.Fatal(err)
	}
	if Digest(envData) != res.EnvDigest {
		t.Error("env digest does not match file content")
	}
}

func TestExpireRemoteAccess(t *testing.T) {
	s := loadTestState(t)
	s.Compose.SetService("ra", remoteAccessService())
	s.Config[raUntilConfigKey] = "2020-01-01T00:00:00Z"

	now := time.Now()
	if !s.ExpireRemoteAccess(now) {
		t.Fatal("expected expiry to trigger")
	}
	if _, ok := s.Compose.Service("ra"); ok {
		t.Error("ra service not removed")
	}
	// A second call is a no-op.
	if s.ExpireRemoteAccess(now) {
		t.Error("expiry reported twice")
	}
}

func TestExpireRemoteAccessFutureWindowKeepsService(t *testing.T) {
	s := loadTestState(t)
	s.Compose.SetService("ra", remoteAccessService())
	s.Config[raUntilConfigKey] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	if s.ExpireRemoteAccess(time.Now()) {
		t.Fatal("active window must not expire")
	}
	if _, ok := s.Compose.Service("ra"); !ok {
		t.Error("ra service removed while window active")
	}
}
