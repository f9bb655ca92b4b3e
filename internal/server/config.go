package server

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ecmlink/ecmlink/internal/recorder"
)

// Config holds the full daemon configuration.
type Config struct {
	mu sync.RWMutex

	Serial  SerialConfig    `yaml:"serial" json:"serial"`
	Poll    PollConfig      `yaml:"poll" json:"poll"`
	Logging recorder.Config `yaml:"logging" json:"logging"`
	Server  ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

// SerialConfig selects the diagnostic link. Demo replaces the serial
// port with a simulated module.
type SerialConfig struct {
	Port string `yaml:"port" json:"port"` // e.g. /dev/rfcomm0
	Baud int    `yaml:"baud" json:"baud"`
	Demo bool   `yaml:"demo" json:"demo"`
}

type PollConfig struct {
	Hz int `yaml:"hz" json:"hz"` // runtime polling rate
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults. The link runs
// at 9600 8N1, which caps useful polling at a few Hz.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/rfcomm0",
			Baud: 9600,
		},
		Poll: PollConfig{
			Hz: 4,
		},
		Logging: recorder.Config{
			Enabled:    false,
			Path:       "/var/log/ecmlink",
			IntervalMs: 250,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the YAML
// is missing or broken.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real environment takes precedence over the .env file.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: ECM_PORT, ECM_BAUD, ECM_DEMO, POLL_HZ, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECM_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("ECM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
	if v := os.Getenv("ECM_DEMO"); v != "" {
		c.Serial.Demo = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.Hz = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/ecmlink/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes the config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
