package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/logger"
	"github.com/shaunagostinho/rigctl/internal/notify"
	"github.com/shaunagostinho/rigctl/internal/session"
	"github.com/shaunagostinho/rigctl/internal/telemetry"
)

// Config holds all rig configuration.
type Config struct {
	mu sync.RWMutex

	// Serial device
	Device DeviceConfig `yaml:"device" json:"device"`

	// Session defaults
	Session SessionConfig `yaml:"session" json:"session"`

	// Device echo / event log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// End-of-session notification
	Notify notify.Config `yaml:"notify" json:"notify"`

	// Metrics export
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	PortPath       string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	ReadyTimeoutMs int    `yaml:"ready_timeout_ms" json:"readyTimeoutMs"`
	AckTimeoutMs   int    `yaml:"ack_timeout_ms" json:"ackTimeoutMs"`
	SettleMs       int    `yaml:"settle_ms" json:"settleMs"` // quiet gap before the startup text is flushed
	Demo           bool   `yaml:"demo" json:"demo"`          // simulated device
	DemoPace       int    `yaml:"demo_pace" json:"demoPace"`
}

type SessionConfig struct {
	Profile        string `yaml:"profile" json:"profile"`
	ProfilesFile   string `yaml:"profiles_file" json:"profilesFile"` // extra YAML/TOML profiles
	DataDir        string `yaml:"data_dir" json:"dataDir"`
	Group          string `yaml:"group" json:"group"`
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	StopTimeoutMs  int    `yaml:"stop_timeout_ms" json:"stopTimeoutMs"` // 0 waits for END forever
	Recipient      string `yaml:"recipient" json:"recipient"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Echo    string `yaml:"echo" json:"echo"` // "auto", "on" or "off"
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastMs int    `yaml:"broadcast_ms" json:"broadcastMs"` // status frame period
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			PortPath:       "/dev/ttyACM0",
			BaudRate:       device.DefaultBaudRate,
			ReadTimeoutMs:  int(device.DefaultReadTimeout / time.Millisecond),
			ReadyTimeoutMs: int(device.DefaultReadyTimeout / time.Millisecond),
			AckTimeoutMs:   int(device.DefaultAckTimeout / time.Millisecond),
			SettleMs:       int(device.DefaultSettle / time.Millisecond),
			Demo:           false,
			DemoPace:       10,
		},
		Session: SessionConfig{
			Profile:        session.DefaultProfile,
			DataDir:        "data",
			PollIntervalMs: int(session.DefaultPollInterval / time.Millisecond),
			StopTimeoutMs:  0,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "logs",
			Echo:    "auto",
		},
		Notify: notify.Config{
			Type: "disabled",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastMs: 200,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
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

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
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
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads RIG_* environment variables and overrides config
// values.
func (c *Config) applyEnvOverrides() {
	envString("RIG_PORT", &c.Device.PortPath)
	envInt("RIG_BAUD", &c.Device.BaudRate)
	envInt("RIG_READY_TIMEOUT_MS", &c.Device.ReadyTimeoutMs)
	envInt("RIG_ACK_TIMEOUT_MS", &c.Device.AckTimeoutMs)
	envInt("RIG_SETTLE_MS", &c.Device.SettleMs)
	envBool("RIG_DEMO", &c.Device.Demo)

	envString("RIG_PROFILE", &c.Session.Profile)
	envString("RIG_PROFILES_FILE", &c.Session.ProfilesFile)
	envString("RIG_DATA_DIR", &c.Session.DataDir)
	envString("RIG_GROUP", &c.Session.Group)
	envInt("RIG_POLL_MS", &c.Session.PollIntervalMs)
	envInt("RIG_STOP_TIMEOUT_MS", &c.Session.StopTimeoutMs)
	envString("RIG_RECIPIENT", &c.Session.Recipient)

	// Logging
	envBool("RIG_LOG_ENABLED", &c.Logging.Enabled)
	envString("RIG_LOG_PATH", &c.Logging.Path)
	envString("RIG_ECHO", &c.Logging.Echo)

	envString("RIG_NOTIFY_TYPE", &c.Notify.Type)
	envString("RIG_NOTIFY_URL", &c.Notify.URL)
	envString("RIG_NOTIFY_TOKEN", &c.Notify.Token)

	envBool("RIG_OTEL_ENABLED", &c.Telemetry.Enabled)
	envString("RIG_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	envBool("RIG_OTEL_INSECURE", &c.Telemetry.Insecure)

	envString("RIG_LISTEN_ADDR", &c.Server.ListenAddr)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "rigctl.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Changes apply to the next session.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ControllerConfig converts the device and session sections for
// session.New.
func (c *Config) ControllerConfig() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.Config{
		Port: device.PortConfig{
			BaudRate:    c.Device.BaudRate,
			ReadTimeout: ms(c.Device.ReadTimeoutMs),
		},
		Handshake: device.HandshakeConfig{
			ReadyTimeout: ms(c.Device.ReadyTimeoutMs),
			AckTimeout:   ms(c.Device.AckTimeoutMs),
			Settle:       ms(c.Device.SettleMs),
		},
		PollInterval: ms(c.Session.PollIntervalMs),
		StopTimeout:  ms(c.Session.StopTimeoutMs),
		DataDir:      c.Session.DataDir,
		Group:        c.Session.Group,
	}
}

// LoggerConfig returns the event log settings.
func (c *Config) LoggerConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{Enabled: c.Logging.Enabled, Path: c.Logging.Path}
}

// SessionDefaults returns a copy of the session section.
func (c *Config) SessionDefaults() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// DeviceSettings returns a copy of the device section.
func (c *Config) DeviceSettings() DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}
