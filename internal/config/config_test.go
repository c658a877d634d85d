package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    Env
		wantErr bool
	}{
		{
			name: "complete file",
			content: "AGENTCORE_TOKEN=0123456789abcdef0123456789abcdef\n" +
				"AGENT_TOKEN=fedcba9876543210fedcba9876543210\n" +
				"AGENTCORE_ZONE_ID=3\n" +
				"SOCAT_TARGET_ADDR=10.0.0.5\n",
			want: Env{
				AgentCoreToken:  "0123456789abcdef0123456789abcdef",
				AgentToken:      "fedcba9876543210fedcba9876543210",
				AgentCoreZoneID: 3,
				SocatTargetAddr: "10.0.0.5",
			},
		},
		{
			name: "quotes and comments",
			content: "# managed file\n" +
				"AGENTCORE_TOKEN=\"0123456789abcdef0123456789abcdef\"\n" +
				"AGENT_TOKEN='fedcba9876543210fedcba9876543210'\n\n",
			want: Env{
				AgentCoreToken: "0123456789abcdef0123456789abcdef",
				AgentToken:     "fedcba9876543210fedcba9876543210",
			},
		},
		{
			name:    "missing agent token",
			content: "AGENTCORE_TOKEN=0123456789abcdef0123456789abcdef\n",
			wantErr: true,
		},
		{
			name: "invalid zone id",
			content: "AGENTCORE_TOKEN=0123456789abcdef0123456789abcdef\n" +
				"AGENT_TOKEN=fedcba9876543210fedcba9876543210\n" +
				"AGENTCORE_ZONE_ID=zone-a\n",
			wantErr: true,
		},
		{
			name:    "malformed line",
			content: "AGENTCORE_TOKEN\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".env", tt.content)
			got, err := LoadEnv(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var ce *ConfigError
				if !errors.As(err, &ce) {
					t.Fatalf("expected *ConfigError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadEnv: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	_, err := LoadEnv(filepath.Join(t.TempDir(), "nope.env"))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
}

func TestLoadProbeConfig(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "infrasonar.yaml", `
wmi:
  config:
    username: alice
    password: hunter2
snmp:
  use: wmi
`)
	doc, err := LoadProbeConfig(path)
	if err != nil {
		t.Fatalf("LoadProbeConfig: %v", err)
	}
	wmi, ok := doc["wmi"].(map[string]any)
	if !ok {
		t.Fatalf("wmi entry missing or wrong type: %#v", doc["wmi"])
	}
	if _, ok := wmi["config"]; !ok {
		t.Fatal("wmi config missing")
	}
}

func TestLoadProbeConfigEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "")
	doc, err := LoadProbeConfig(path)
	if err != nil {
		t.Fatalf("LoadProbeConfig: %v", err)
	}
	if len(doc) != 0 {
		t.Fatalf("expected empty map, got %#v", doc)
	}
}

func TestLoadProbeConfigMalformed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "a: [unclosed")
	if _, err := LoadProbeConfig(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestFormatEnvFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := map[string]string{
		"AGENTCORE_TOKEN":   "0123456789abcdef0123456789abcdef",
		"AGENT_TOKEN":       "fedcba9876543210fedcba9876543210",
		"AGENTCORE_ZONE_ID": "0",
		"SOCAT_TARGET_ADDR": "",
	}
	path := writeFile(t, dir, "round.env", FormatEnvFile(in))
	out, err := ParseEnvFile(path)
	if err != nil {
		t.Fatalf("ParseEnvFile: %v", err)
	}
	for k, v := range in {
		if out[k] != v {
			t.Errorf("%s: got %q, want %q", k, out[k], v)
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"AGENTCORE_HOST", "AGENTCORE_PORT", "COMPOSE_FILE", "ENV_FILE",
		"CONFIG_FILE", "ALLOW_REMOTE_ACCESS", "SKIP_IMAGE_PRUNE",
	} {
		t.Setenv(key, "")
	}
	s := FromEnv()
	if s.AgentCoreAddr() != "127.0.0.1:8770" {
		t.Errorf("AgentCoreAddr: got %q", s.AgentCoreAddr())
	}
	if s.ComposeFile != DefaultComposeFile || s.ConfigFile != DefaultConfigFile {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.AllowRemoteAccess {
		t.Error("remote access must default to disabled")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_HOST", "core.example.com")
	t.Setenv("AGENTCORE_PORT", "9000")
	t.Setenv("ALLOW_REMOTE_ACCESS", "1")
	s := FromEnv()
	if s.AgentCoreAddr() != "core.example.com:9000" {
		t.Errorf("AgentCoreAddr: got %q", s.AgentCoreAddr())
	}
	if !s.AllowRemoteAccess {
		t.Error("ALLOW_REMOTE_ACCESS=1 not honored")
	}
}
