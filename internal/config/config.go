package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError marks a malformed or missing local configuration file. It is
// fatal at startup and recoverable at runtime (the file can be re-read on
// the next change event).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Env holds the values RAPP manages in the compose .env file.
type Env struct {
	AgentCoreToken  string
	AgentToken      string
	AgentCoreZoneID int
	SocatTargetAddr string
}

// Map returns the env content as ordered KEY=VALUE pairs for serialization.
func (e Env) Map() map[string]string {
	return map[string]string{
		"AGENTCORE_TOKEN":   e.AgentCoreToken,
		"AGENT_TOKEN":       e.AgentToken,
		"AGENTCORE_ZONE_ID": strconv.Itoa(e.AgentCoreZoneID),
		"SOCAT_TARGET_ADDR": e.SocatTargetAddr,
	}
}

// LoadProbeConfig reads the probe/asset configuration YAML. An empty file
// yields an empty map, not an error.
func LoadProbeConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// LoadEnv reads the compose .env file. Missing required tokens or a
// non-numeric zone id make the file broken.
func LoadEnv(path string) (Env, error) {
	pairs, err := ParseEnvFile(path)
	if err != nil {
		return Env{}, err
	}

	env := Env{
		AgentCoreToken:  pairs["AGENTCORE_TOKEN"],
		AgentToken:      pairs["AGENT_TOKEN"],
		SocatTargetAddr: pairs["SOCAT_TARGET_ADDR"],
	}
	if env.AgentCoreToken == "" {
		return Env{}, &ConfigError{Path: path, Err: errors.New("missing AGENTCORE_TOKEN")}
	}
	if env.AgentToken == "" {
		return Env{}, &ConfigError{Path: path, Err: errors.New("missing AGENT_TOKEN")}
	}
	if raw := pairs["AGENTCORE_ZONE_ID"]; raw != "" {
		zone, err := strconv.Atoi(raw)
		if err != nil {
			return Env{}, &ConfigError{Path: path, Err: fmt.Errorf("invalid AGENTCORE_ZONE_ID %q", raw)}
		}
		env.AgentCoreZoneID = zone
	}
	return env, nil
}

// ParseEnvFile parses a KEY=VALUE file. Blank lines and #-comments are
// skipped; surrounding single or double quotes on values are stripped.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	pairs := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("line %d: expected KEY=VALUE", i+1)}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("line %d: empty key", i+1)}
		}
		pairs[key] = unquote(strings.TrimSpace(value))
	}
	return pairs, nil
}

// FormatEnvFile renders KEY=VALUE pairs with stable key ordering.
func FormatEnvFile(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(pairs[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
