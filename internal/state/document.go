package state

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// timeNull is the zero value stored for an unset remote-access expiry.
const timeNull = "1970-01-01T00:00:00+00:00"

// ServiceCompose is the slice of a service definition AgentCore may see
// and modify: image and environment, nothing else.
type ServiceCompose struct {
	Image       string         `cbor:"image" json:"image"`
	Environment map[string]any `cbor:"environment" json:"environment"`
}

// Probe describes one probe collector in the state document.
type Probe struct {
	Key     string          `cbor:"key" json:"key"`
	Compose *ServiceCompose `cbor:"compose,omitempty" json:"compose,omitempty"`
	Config  map[string]any  `cbor:"config,omitempty" json:"config,omitempty"`
	Use     string          `cbor:"use,omitempty" json:"use,omitempty"`
	Enabled bool            `cbor:"enabled" json:"enabled"`
}

// Agent describes one managed appliance agent.
type Agent struct {
	Key     string          `cbor:"key" json:"key"`
	Compose *ServiceCompose `cbor:"compose,omitempty" json:"compose,omitempty"`
	Enabled bool            `cbor:"enabled" json:"enabled"`
}

// NamedConfig is a reusable configuration referenced by probes via `use`.
type NamedConfig struct {
	Like   string         `cbor:"like" json:"like"`
	Name   string         `cbor:"name" json:"name"`
	Use    string         `cbor:"use,omitempty" json:"use,omitempty"`
	Config map[string]any `cbor:"config,omitempty" json:"config,omitempty"`
}

// RemoteAccess reports the remote-access policy and session window.
type RemoteAccess struct {
	Allowed bool   `cbor:"allowed" json:"allowed"`
	Enabled *bool  `cbor:"enabled,omitempty" json:"enabled,omitempty"`
	Until   int64  `cbor:"until,omitempty" json:"until,omitempty"`
	Info    string `cbor:"info,omitempty" json:"info,omitempty"`
}

// Document is the state document exchanged with AgentCore. Token fields are
// booleans on read (presence only, the value never leaves the appliance)
// and may be replacement strings on push.
type Document struct {
	Probes          []Probe       `cbor:"probes" json:"probes"`
	Agents          []Agent       `cbor:"agents" json:"agents"`
	Configs         []NamedConfig `cbor:"configs" json:"configs"`
	AgentToken      any           `cbor:"agent_token" json:"agent_token"`
	AgentCoreToken  any           `cbor:"agentcore_token" json:"agentcore_token"`
	AgentCoreZoneID int           `cbor:"agentcore_zone_id" json:"agentcore_zone_id"`
	SocatTargetAddr string        `cbor:"socat_target_addr" json:"socat_target_addr"`
	RemoteAccess    RemoteAccess  `cbor:"ra" json:"ra"`
}

// Document builds the Read payload for AgentCore from the working copy.
// All secrets are masked to presence booleans.
func (s *State) Document() Document {
	doc := Document{
		Probes:          s.documentProbes(),
		Agents:          s.documentAgents(),
		Configs:         s.documentConfigs(),
		AgentToken:      s.Env.AgentToken != "",
		AgentCoreToken:  s.Env.AgentCoreToken != "",
		AgentCoreZoneID: s.Env.AgentCoreZoneID,
		SocatTargetAddr: s.Env.SocatTargetAddr,
		RemoteAccess:    s.documentRemoteAccess(),
	}
	return doc
}

func (s *State) documentProbes() []Probe {
	probes := make([]Probe, 0)

	services := s.Compose.Services()
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.HasSuffix(name, probeSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, probeSuffix)
		entry, _ := s.Compose.Service(name)

		pc, _ := s.Config[key].(map[string]any)
		if pc != nil && !boolOr(pc["enabled"], true) {
			slog.Warn("probe present in compose file but disabled in config",
				"probe", key)
			continue
		}

		probe := Probe{
			Key:     key,
			Enabled: true,
			Compose: &ServiceCompose{
				Image:       stringOr(entry["image"], probeImage(key)),
				Environment: environmentOf(entry),
			},
		}
		fillProbeConfig(&probe, pc)
		probes = append(probes, probe)
	}

	// Disabled probes only exist in the configuration file.
	for _, key := range sortedKeys(s.Config) {
		pc, ok := s.Config[key].(map[string]any)
		if !ok {
			continue
		}
		if boolOr(pc["enabled"], true) || pc["like"] != nil {
			continue
		}
		probe := Probe{
			Key:     key,
			Enabled: false,
			Compose: &ServiceCompose{
				Image:       probeImage(key),
				Environment: map[string]any{},
			},
		}
		fillProbeConfig(&probe, pc)
		probes = append(probes, probe)
	}

	return probes
}

func fillProbeConfig(probe *Probe, pc map[string]any) {
	if pc == nil {
		probe.Config = map[string]any{}
		return
	}
	if use, ok := pc["use"].(string); ok && use != "" {
		probe.Use = use
		return
	}
	cfg, _ := pc["config"].(map[string]any)
	cfg = cloneMap(cfg)
	maskSecrets(cfg)
	probe.Config = cfg
}

func (s *State) documentAgents() []Agent {
	agents := make([]Agent, 0, len(AgentKeys))
	for _, key := range AgentKeys {
		entry, ok := s.Compose.Service(agentService(key))
		if !ok {
			agents = append(agents, Agent{Key: key, Enabled: false})
			continue
		}
		env := map[string]any{}
		for k, v := range environmentOf(entry) {
			if _, known := agentVars[k]; known {
				env[k] = v
			}
		}
		agents = append(agents, Agent{
			Key:     key,
			Enabled: true,
			Compose: &ServiceCompose{
				Image:       stringOr(entry["image"], agentImage(key)),
				Environment: env,
			},
		})
	}
	return agents
}

func (s *State) documentConfigs() []NamedConfig {
	configs := make([]NamedConfig, 0)
	for _, name := range sortedKeys(s.Config) {
		obj, ok := s.Config[name].(map[string]any)
		if !ok {
			continue
		}
		like, ok := obj["like"].(string)
		if !ok || like == "" {
			continue
		}
		item := NamedConfig{Like: like, Name: name}
		if use, ok := obj["use"].(string); ok && use != "" {
			item.Use = use
		} else {
			cfg, _ := obj["config"].(map[string]any)
			cfg = cloneMap(cfg)
			maskSecrets(cfg)
			item.Config = cfg
		}
		configs = append(configs, item)
	}
	return configs
}

func (s *State) documentRemoteAccess() RemoteAccess {
	dir, file := filepath.Split(s.Settings.ComposeFile)
	toName, toVal := "allow", 1
	if s.Settings.AllowRemoteAccess {
		toName, toVal = "block", 0
	}
	ra := RemoteAccess{
		Allowed: s.Settings.AllowRemoteAccess,
		Info: fmt.Sprintf(
			"To %s remote access, locate the `%s` file at `%s` on your "+
				"appliance and modify the `ALLOW_REMOTE_ACCESS` environment "+
				"variable to `%d` within the rapp service definition and "+
				"press _Pull & update_ before making other changes.",
			toName, file, strings.TrimSuffix(dir, "/"), toVal),
	}
	if !ra.Allowed {
		return ra
	}

	enabled := false
	if _, ok := s.Compose.Service(serviceRA); ok {
		enabled = true
		until := s.remoteAccessUntil()
		ra.Until = until.Unix()
	}
	ra.Enabled = &enabled
	return ra
}

// remoteAccessUntil reads the expiry stored in the config file, falling
// back to the epoch for unset or unparsable values.
func (s *State) remoteAccessUntil() time.Time {
	raw, _ := s.Config[raUntilConfigKey].(string)
	if raw == "" {
		raw = timeNull
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Unix(0, 0)
	}
	return t
}

func environmentOf(entry map[string]any) map[string]any {
	env, _ := entry["environment"].(map[string]any)
	if env == nil {
		return map[string]any{}
	}
	return cloneMap(env)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
