package state

import (
	"strings"
	"time"
)

// minRemoteAccessLead skips enabling the remote-access container when the
// requested window would expire almost immediately anyway.
const minRemoteAccessLead = 55 * time.Second

// ApplyDocument validates a pushed state document and folds it into the
// working copy: compose services, probe configuration and env values. It
// mutates memory only; Commit writes the result to disk and the reconciler
// drives the container engine afterwards.
func (s *State) ApplyDocument(doc Document) error {
	if err := s.Validate(&doc); err != nil {
		return err
	}

	s.applyProbes(doc.Probes)
	s.applyAgents(doc.Agents)
	s.applyConfigs(doc.Configs)
	s.applySocat(doc.SocatTargetAddr)
	s.applyRemoteAccess(doc.RemoteAccess)

	if token, ok := doc.AgentCoreToken.(string); ok {
		s.Env.AgentCoreToken = token
	}
	if token, ok := doc.AgentToken.(string); ok {
		s.Env.AgentToken = token
	}
	s.Env.AgentCoreZoneID = doc.AgentCoreZoneID
	s.Env.SocatTargetAddr = doc.SocatTargetAddr
	return nil
}

func (s *State) applyProbes(probes []Probe) {
	enabled := map[string]bool{}
	for _, probe := range probes {
		if probe.Enabled {
			enabled[probe.Key] = true
		}
	}

	// Drop probe services that are no longer enabled.
	for name := range s.Compose.Services() {
		if !strings.HasSuffix(name, probeSuffix) {
			continue
		}
		if !enabled[strings.TrimSuffix(name, probeSuffix)] {
			s.Compose.RemoveService(name)
		}
	}

	hasSelenium := false
	for _, probe := range probes {
		if !probe.Enabled {
			// Disabling keeps the stored configuration intact.
			if obj, ok := s.Config[probe.Key].(map[string]any); ok {
				obj["enabled"] = false
			} else {
				s.Config[probe.Key] = map[string]any{"enabled": false}
			}
			continue
		}

		name := probeService(probe.Key)
		if probe.Key == "selenium" {
			hasSelenium = true
			if _, ok := s.Compose.Service(serviceSelenium); !ok {
				s.Compose.SetService(serviceSelenium, seleniumService())
			}
		}

		if entry, ok := s.Compose.Service(name); ok {
			if len(probe.Compose.Environment) > 0 {
				entry["environment"] = cloneMap(probe.Compose.Environment)
			} else {
				delete(entry, "environment")
			}
			entry["image"] = probe.Compose.Image
		} else {
			entry := s.Compose.Template()
			entry["image"] = probe.Compose.Image
			if len(probe.Compose.Environment) > 0 {
				entry["environment"] = cloneMap(probe.Compose.Environment)
			}
			s.Compose.SetService(name, entry)
		}

		// Rebuild the probe's config entry, preserving asset overrides.
		assets, _ := configEntry(s.Config, probe.Key)["assets"]
		obj := map[string]any{}
		if assets != nil {
			obj["assets"] = assets
		}
		switch {
		case probe.Use != "":
			obj["use"] = probe.Use
		case len(probe.Config) > 0:
			obj["config"] = probe.Config
		}
		if len(obj) == 0 {
			delete(s.Config, probe.Key)
		} else {
			s.Config[probe.Key] = obj
		}
	}

	if !hasSelenium {
		s.Compose.RemoveService(serviceSelenium)
	}
}

func (s *State) applyAgents(agents []Agent) {
	byKey := map[string]*ServiceCompose{}
	for _, agent := range agents {
		if agent.Enabled {
			byKey[agent.Key] = agent.Compose
		}
	}

	for _, key := range AgentKeys {
		name := agentService(key)
		compose, ok := byKey[key]
		if !ok {
			s.Compose.RemoveService(name)
			continue
		}

		entry, exists := s.Compose.Service(name)
		if !exists {
			entry = s.Compose.Template()
			for k, v := range agentTemplate(key, s.Settings) {
				entry[k] = v
			}
			s.Compose.SetService(name, entry)
		}

		env, _ := entry["environment"].(map[string]any)
		if env == nil {
			env = map[string]any{}
			entry["environment"] = env
		}
		// Empty values mean "unset the variable".
		for k, v := range compose.Environment {
			if v == nil || v == "" {
				delete(env, k)
			} else {
				env[k] = v
			}
		}
		entry["image"] = compose.Image
	}
}

func (s *State) applyConfigs(configs []NamedConfig) {
	stale := map[string]bool{}
	for name, raw := range s.Config {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if like, ok := obj["like"].(string); ok && like != "" {
			stale[name] = true
		}
	}

	for _, cfg := range configs {
		assets, _ := configEntry(s.Config, cfg.Name)["assets"]
		obj := map[string]any{"like": cfg.Like}
		if assets != nil {
			obj["assets"] = assets
		}
		if cfg.Use != "" {
			obj["use"] = cfg.Use
		} else {
			obj["config"] = cfg.Config
		}
		s.Config[cfg.Name] = obj
		delete(stale, cfg.Name)
	}

	for name := range stale {
		delete(s.Config, name)
	}
}

func (s *State) applySocat(targetAddr string) {
	if targetAddr != "" {
		s.Compose.SetService(serviceSocat, socatService())
	} else {
		s.Compose.RemoveService(serviceSocat)
	}
}

func (s *State) applyRemoteAccess(ra RemoteAccess) {
	enabled := ra.Enabled != nil && *ra.Enabled
	window := time.Until(time.Unix(ra.Until, 0))

	if s.Settings.AllowRemoteAccess && enabled &&
		window > minRemoteAccessLead && window <= maxRemoteAccessWindow {
		until := time.Unix(ra.Until, 0).UTC()
		s.Config[raUntilConfigKey] = until.Format(time.RFC3339)
		s.Compose.SetService(serviceRA, remoteAccessService())
		return
	}
	s.Compose.RemoveService(serviceRA)
}

// RemoteAccessDue reports whether the remote-access service exists and its
// window has passed, without mutating anything.
func (s *State) RemoteAccessDue(now time.Time) bool {
	if _, ok := s.Compose.Service(serviceRA); !ok {
		return false
	}
	return !s.remoteAccessUntil().After(now)
}

// ExpireRemoteAccess removes the remote-access service once its window has
// passed. It reports whether anything changed.
func (s *State) ExpireRemoteAccess(now time.Time) bool {
	if !s.RemoteAccessDue(now) {
		return false
	}
	s.Config[raUntilConfigKey] = timeNull
	s.Compose.RemoveService(serviceRA)
	return true
}

func configEntry(cfg map[string]any, key string) map[string]any {
	obj, _ := cfg[key].(map[string]any)
	if obj == nil {
		return map[string]any{}
	}
	return obj
}
