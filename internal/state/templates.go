package state

import "github.com/infrasonar/rapp/internal/config"

const (
	imageRegistry    = "ghcr.io/infrasonar/"
	apiURI           = "https://api.infrasonar.com"
	socatImage       = "alpine/socat"
	remoteAccessImg  = "ghcr.io/infrasonar/remote-access"
	seleniumImage    = "selenium/standalone-chrome"
	probeSuffix      = "-probe"
	agentSuffix      = "-agent"
	raUntilConfigKey = "__ra_until__"
)

// AgentKeys lists the managed appliance agents in a stable order. The
// speedtest agent stays out until its collector is fixed upstream.
var AgentKeys = []string{"docker", "discovery"}

func socatService() map[string]any {
	return map[string]any{
		"image":        socatImage,
		"command":      "tcp-l:443,fork,reuseaddr tcp:${SOCAT_TARGET_ADDR}:443",
		"expose":       []any{443},
		"restart":      "always",
		"logging":      map[string]any{"options": map[string]any{"max-size": "5m"}},
		"network_mode": "host",
	}
}

func remoteAccessService() map[string]any {
	return map[string]any{
		"image":        remoteAccessImg,
		"expose":       []any{6213},
		"restart":      "always",
		"logging":      map[string]any{"options": map[string]any{"max-size": "5m"}},
		"network_mode": "host",
	}
}

func seleniumService() map[string]any {
	return map[string]any{
		"image":        seleniumImage,
		"expose":       []any{4444, 7900},
		"shm_size":     "2gb",
		"restart":      "always",
		"logging":      map[string]any{"options": map[string]any{"max-size": "5m"}},
		"network_mode": "host",
	}
}

// agentTemplate returns the base definition for a managed agent service,
// or nil for an unknown key.
func agentTemplate(key string, settings config.Settings) map[string]any {
	switch key {
	case "docker":
		return map[string]any{
			"image": imageRegistry + "docker-agent",
			"environment": map[string]any{
				"TOKEN":   "${AGENT_TOKEN}",
				"API_URI": apiURI,
			},
			"volumes": []any{
				"/var/run/docker.sock:/var/run/docker.sock",
				settings.DataPath + ":/data/",
			},
		}
	case "discovery":
		return map[string]any{
			"image": imageRegistry + "discovery-agent",
			"environment": map[string]any{
				"TOKEN":       "${AGENT_TOKEN}",
				"API_URI":     apiURI,
				"DAEMON":      "1",
				"CONFIG_PATH": "/data/discovery",
			},
			"volumes": []any{
				"/var/run/docker.sock:/var/run/docker.sock",
				settings.DataPath + ":/data/",
			},
		}
	}
	return nil
}

func isAgentKey(key string) bool {
	for _, k := range AgentKeys {
		if k == key {
			return true
		}
	}
	return false
}

func probeService(key string) string { return key + probeSuffix }
func agentService(key string) string { return key + agentSuffix }
func probeImage(key string) string   { return imageRegistry + key + probeSuffix }
func agentImage(key string) string   { return imageRegistry + key + agentSuffix }
