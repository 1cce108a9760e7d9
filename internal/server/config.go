package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
	"github.com/shaunagostinho/pmsdash/internal/publish"
	"github.com/shaunagostinho/pmsdash/internal/store"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "/etc/pmsdash/config.yaml"

// Config holds all configuration.
type Config struct {
	mu sync.RWMutex

	// Measurement board link
	Device DeviceConfig `yaml:"device" json:"device"`

	// Run parameters applied at startup
	Acquisition acquisition.Config `yaml:"acquisition" json:"acquisition"`

	Export  ExportConfig   `yaml:"export" json:"export"`
	Store   store.Config   `yaml:"store" json:"store"`
	MQTT    publish.Config `yaml:"mqtt" json:"mqtt"`
	Server  ServerConfig   `yaml:"server" json:"server"`
	Logging logger.Config  `yaml:"logging" json:"logging"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type           string `yaml:"type" json:"type"`          // "serial", "demo" or "none"
	PortPath       string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" json:"readTimeoutMs"` // acknowledgment timeout
	AbortThreshold int    `yaml:"abort_threshold" json:"abortThreshold"`
}

// Port returns the serial settings.
func (d DeviceConfig) Port() device.PortConfig {
	return device.PortConfig{Path: d.PortPath, BaudRate: d.BaudRate}
}

// Options converts the failure policy for the controller.
func (d DeviceConfig) Options() acquisition.Options {
	return acquisition.Options{
		AckTimeout:     time.Duration(d.ReadTimeoutMs) * time.Millisecond,
		AbortThreshold: d.AbortThreshold,
	}
}

type ExportConfig struct {
	Dir string `yaml:"dir" json:"dir"` // default destination; "" is the working directory
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollHz     int    `yaml:"poll_hz" json:"pollHz"` // tick rate while a run is active
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:           "serial",
			PortPath:       "/dev/ttyACM0",
			BaudRate:       9600,
			ReadTimeoutMs:  int(acquisition.DefaultAckTimeout / time.Millisecond),
			AbortThreshold: acquisition.DefaultAbortThreshold,
		},
		Acquisition: acquisition.DefaultConfig(),
		Export: ExportConfig{
			Dir: "",
		},
		Store: store.Config{
			Enabled: false,
			Path:    "/var/lib/pmsdash/runs.db",
			Keep:    100,
		},
		MQTT: publish.Config{
			Enabled:  false,
			Server:   publish.DefaultServer,
			ClientID: publish.DefaultClientID,
			Topic:    publish.DefaultTopic,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollHz:     20,
		},
		Logging: logger.Config{
			Level: "info",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	log := logger.For("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Error().Err(err).Str("path", path).Msg("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Acquisition.Validate(); err != nil {
		log.Warn().Err(err).Msg("acquisition settings rejected, using defaults")
		cfg.Acquisition = acquisition.DefaultConfig()
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log := logger.For("config")
	log.Debug().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Malformed numbers are ignored.
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	str("DEVICE_TYPE", &c.Device.Type)
	str("DEVICE_PORT", &c.Device.PortPath)
	num("DEVICE_BAUD", &c.Device.BaudRate)
	num("READ_TIMEOUT_MS", &c.Device.ReadTimeoutMs)
	num("ABORT_THRESHOLD", &c.Device.AbortThreshold)

	num("SAMPLES", &c.Acquisition.Samples)
	num("INTERVAL_MS", &c.Acquisition.IntervalMs)
	if v := os.Getenv("CHANNEL"); v != "" {
		if ch, err := protocol.ParseChannel(v); err == nil {
			c.Acquisition.Channel = ch
		}
	}

	str("EXPORT_DIR", &c.Export.Dir)
	flag("STORE_ENABLED", &c.Store.Enabled)
	str("STORE_PATH", &c.Store.Path)
	flag("MQTT_ENABLED", &c.MQTT.Enabled)
	str("MQTT_SERVER", &c.MQTT.Server)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("LOG_LEVEL", &c.Logging.Level)
}

// Path is the file Save writes to.
func (c *Config) Path() string { return c.path }

// AcquisitionConfig returns the run parameters.
func (c *Config) AcquisitionConfig() acquisition.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Acquisition
}

// SetAcquisition records run parameters accepted by the controller.
func (c *Config) SetAcquisition(a acquisition.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Acquisition = a
}

// ExportDir returns the default export destination.
func (c *Config) ExportDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Export.Dir
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that leaves invalid acquisition
// settings is rejected as a whole.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{
		Device:      c.Device,
		Acquisition: c.Acquisition,
		Export:      c.Export,
		Store:       c.Store,
		MQTT:        c.MQTT,
		Server:      c.Server,
		Logging:     c.Logging,
	}
	if err := json.Unmarshal(merged, next); err != nil {
		return err
	}
	if err := next.Acquisition.Validate(); err != nil {
		return err
	}

	c.Device = next.Device
	c.Acquisition = next.Acquisition
	c.Export = next.Export
	c.Store = next.Store
	c.MQTT = next.MQTT
	c.Server = next.Server
	c.Logging = next.Logging
	return nil
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
