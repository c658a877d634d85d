package state

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxRemoteAccessWindow bounds how far in the future a remote-access
// session may be extended.
const maxRemoteAccessWindow = 3 * 24 * time.Hour

var (
	reVar        = regexp.MustCompile(`^[_a-zA-Z][_0-9a-zA-Z]{0,40}$`)
	reToken      = regexp.MustCompile(`^[0-9a-f]{32}$`)
	reNumber     = regexp.MustCompile(`^([1-9][0-9]*)?$`)
	reWhitespace = regexp.MustCompile(`\s`)
)

// agentVars whitelists the environment variables AgentCore may set on
// managed agents, with a validator per variable.
var agentVars = map[string]func(v any) bool{
	"LOG_LEVEL": func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		switch strings.ToLower(s) {
		case "debug", "info", "warning", "error", "critical":
			return true
		}
		return false
	},
	"LOG_COLORIZED": func(v any) bool {
		switch v {
		case 0, 1, int64(0), int64(1), uint64(0), uint64(1), "0", "1":
			return true
		}
		return false
	},
	"ASSET_ID": func(v any) bool {
		switch val := v.(type) {
		case nil:
			return true
		case int:
			return val > 0
		case int64:
			return val > 0
		case uint64:
			return val > 0
		case string:
			return reNumber.MatchString(val)
		}
		return false
	},
	"NETWORK": func(v any) bool {
		s, ok := v.(string)
		return ok && s != "" && !reWhitespace.MatchString(s)
	},
	"CHECK_NMAP_INTERVAL": func(v any) bool {
		n, ok := asInt(v)
		return ok && n >= 900 && n <= 259200
	},
}

// Validate checks a pushed state document against the rules AgentCore must
// obey: key shapes, image prefixes, use/config exclusivity, token formats
// and the remote-access window. It also reverts masked secrets from the
// current configuration, so a valid document is directly applicable.
func (s *State) Validate(doc *Document) error {
	seen := map[string]bool{}
	for _, probe := range doc.Probes {
		if seen[probe.Key] {
			return fmt.Errorf("duplicated probes and/or configs in state: %s", probe.Key)
		}
		seen[probe.Key] = true
	}
	for _, cfg := range doc.Configs {
		if seen[cfg.Name] {
			return fmt.Errorf("duplicated probes and/or configs in state: %s", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	for i := range doc.Probes {
		if err := s.validateProbe(&doc.Probes[i], seen); err != nil {
			return err
		}
	}
	for i := range doc.Agents {
		if err := validateAgent(&doc.Agents[i]); err != nil {
			return err
		}
	}
	for i := range doc.Configs {
		if err := s.validateNamedConfig(&doc.Configs[i], seen); err != nil {
			return err
		}
	}

	if err := s.validateToken("agent_token", &doc.AgentToken, s.Env.AgentToken); err != nil {
		return err
	}
	if err := s.validateToken("agentcore_token", &doc.AgentCoreToken, s.Env.AgentCoreToken); err != nil {
		return err
	}
	if doc.AgentCoreZoneID < 0 || doc.AgentCoreZoneID > 9 {
		return fmt.Errorf("missing or invalid `agentcore_zone_id` in state")
	}
	if doc.RemoteAccess.Until > 0 {
		window := time.Until(time.Unix(doc.RemoteAccess.Until, 0))
		if window > maxRemoteAccessWindow {
			return fmt.Errorf("remote access can be extended up to 3 days")
		}
	}
	return nil
}

func (s *State) validateProbe(probe *Probe, known map[string]bool) error {
	if !reVar.MatchString(probe.Key) {
		return fmt.Errorf("missing or invalid `key` in probe")
	}
	if probe.Use != "" && probe.Config != nil {
		return fmt.Errorf("both \"use\" and \"config\" for probe %s", probe.Key)
	}
	if probe.Use != "" && (probe.Use == probe.Key || !known[probe.Use]) {
		return fmt.Errorf("invalid \"use\" value for probe %s", probe.Key)
	}
	if !probe.Enabled {
		return nil
	}

	if probe.Compose == nil {
		return fmt.Errorf("missing or invalid `compose` in probe %s", probe.Key)
	}
	if !strings.HasPrefix(probe.Compose.Image, probeImage(probe.Key)) {
		return fmt.Errorf("invalid probe image: %s", probe.Compose.Image)
	}
	if err := validateEnvironment(probe.Compose.Environment); err != nil {
		return fmt.Errorf("invalid environment for probe %s: %w", probe.Key, err)
	}
	if probe.Config != nil {
		orig := s.storedConfig(probe.Key)
		if err := revertSecrets(probe.Config, orig); err != nil {
			return fmt.Errorf("probe %s: %w", probe.Key, err)
		}
	}
	return nil
}

func validateAgent(agent *Agent) error {
	if !isAgentKey(agent.Key) {
		return fmt.Errorf("missing or invalid `key` in agent")
	}
	if !agent.Enabled {
		if agent.Compose != nil {
			return fmt.Errorf("unexpected compose; agent %s is disabled", agent.Key)
		}
		return nil
	}
	if agent.Compose == nil {
		return fmt.Errorf("invalid `compose` in agent %s", agent.Key)
	}
	if !strings.HasPrefix(agent.Compose.Image, agentImage(agent.Key)) {
		return fmt.Errorf("invalid agent image: %s", agent.Compose.Image)
	}
	for k, v := range agent.Compose.Environment {
		if v == nil || v == "" {
			// Empty values mean "unset"; checked on apply.
			continue
		}
		validator, ok := agentVars[k]
		if !ok || !validator(v) {
			return fmt.Errorf("invalid agent environment: %s = %v", k, v)
		}
	}
	return nil
}

func (s *State) validateNamedConfig(cfg *NamedConfig, known map[string]bool) error {
	if !reVar.MatchString(cfg.Like) {
		return fmt.Errorf("missing or invalid `like` in config")
	}
	if !reVar.MatchString(cfg.Name) {
		return fmt.Errorf("missing or invalid `name` in config")
	}
	if cfg.Use != "" && cfg.Config != nil {
		return fmt.Errorf("both \"use\" and \"config\" for config %s", cfg.Name)
	}
	if cfg.Use == "" && cfg.Config == nil {
		return fmt.Errorf("both \"use\" and \"config\" missing for config %s", cfg.Name)
	}
	if cfg.Use != "" && (cfg.Use == cfg.Name || !known[cfg.Use]) {
		return fmt.Errorf("invalid \"use\" value for config %s", cfg.Name)
	}
	if cfg.Config != nil {
		if err := revertSecrets(cfg.Config, s.storedConfig(cfg.Name)); err != nil {
			return fmt.Errorf("config %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// validateToken resolves the bool-or-string token field: a string must be a
// lowercase 32-digit hex token, a bool keeps the current value.
func (s *State) validateToken(name string, field *any, current string) error {
	switch v := (*field).(type) {
	case string:
		if !reToken.MatchString(v) {
			return fmt.Errorf("invalid %s", name)
		}
		return nil
	case bool:
		*field = current
		return nil
	default:
		return fmt.Errorf("missing or invalid %s", name)
	}
}

func validateEnvironment(env map[string]any) error {
	for k, v := range env {
		if k == "" || strings.ToUpper(k) != k {
			return fmt.Errorf("environment keys must be uppercase strings")
		}
		switch v.(type) {
		case string, int, int64, uint64, float64:
		default:
			return fmt.Errorf("environment variable must be number or string")
		}
	}
	return nil
}

// storedConfig returns the currently stored `config` block for a probe or
// named config, or an empty map.
func (s *State) storedConfig(key string) map[string]any {
	obj, _ := s.Config[key].(map[string]any)
	cfg, _ := obj["config"].(map[string]any)
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}

func asInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case string:
		if !reNumber.MatchString(val) || val == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
