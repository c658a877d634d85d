// Package config implements the local configuration surface of the
// appliance: process settings from the environment, the probe/asset
// configuration YAML, the compose .env file, and a poll-based watcher
// that reports when any of these change on disk.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Defaults match the paths the appliance installer lays down.
const (
	DefaultAgentCoreHost = "127.0.0.1"
	DefaultAgentCorePort = 8770
	DefaultComposeFile   = "/docker/docker-compose.yml"
	DefaultEnvFile       = "/docker/.env"
	DefaultConfigFile    = "/config/infrasonar.yaml"
	DefaultDataPath      = "/data"
	DefaultProjectName   = "infrasonar"
)

// Settings is the process-wide configuration, read once at startup and
// passed by value into the components that need it.
type Settings struct {
	AgentCoreHost string
	AgentCorePort int
	ComposeFile   string
	EnvFile       string
	ConfigFile    string
	ProjectName   string
	DataPath      string
	LogLevel      string

	// AllowRemoteAccess gates every remote command that would mutate
	// local state. It is not hot-reloadable.
	AllowRemoteAccess bool
	SkipImagePrune    bool
}

// FromEnv builds Settings from environment variables, falling back to the
// installer defaults for anything unset.
func FromEnv() Settings {
	s := Settings{
		AgentCoreHost:     envString("AGENTCORE_HOST", DefaultAgentCoreHost),
		AgentCorePort:     envInt("AGENTCORE_PORT", DefaultAgentCorePort),
		ComposeFile:       envString("COMPOSE_FILE", DefaultComposeFile),
		EnvFile:           envString("ENV_FILE", DefaultEnvFile),
		ConfigFile:        envString("CONFIG_FILE", DefaultConfigFile),
		ProjectName:       envString("PROJECT_NAME", DefaultProjectName),
		DataPath:          envString("DATA_PATH", DefaultDataPath),
		LogLevel:          envString("LOG_LEVEL", "info"),
		AllowRemoteAccess: envBool("ALLOW_REMOTE_ACCESS"),
		SkipImagePrune:    envBool("SKIP_IMAGE_PRUNE"),
	}
	return s
}

// AgentCoreAddr returns the host:port dial target for the controller.
func (s Settings) AgentCoreAddr() string {
	return s.AgentCoreHost + ":" + strconv.Itoa(s.AgentCorePort)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
