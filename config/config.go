package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

type Config struct {
	DataDir   string            `toml:"DataDir" yaml:"dataDir"`
	Backend   string            `toml:"Backend" yaml:"backend"`
	LevelDB   LevelDBConfig     `toml:"LevelDB" yaml:"leveldb"`
	RPC       RPCConfig         `toml:"RPC" yaml:"rpc"`
	Profile   ProfileConfig     `toml:"Profile" yaml:"profile"`
	Genesis   GenesisConfig     `toml:"Genesis" yaml:"genesis"`
	Journal   JournalConfig     `toml:"Journal" yaml:"journal"`
	Results   ResultCacheConfig `toml:"Results" yaml:"results"`
	Kafka     KafkaConfig       `toml:"Kafka" yaml:"kafka"`
	Telemetry TelemetryConfig   `toml:"Telemetry" yaml:"telemetry"`
	Log       LogConfig         `toml:"Log" yaml:"log"`
}

// Load loads the configuration from path. TOML is assumed unless the file ends
// in .yaml or .yml. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
		}
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	cfg := &Config{
		DataDir: "./htlc-data",
		Backend: BackendLevelDB,
		RPC: RPCConfig{
			Address:            "127.0.0.1:8645",
			AuthTokenEnv:       "HTLC_RPC_TOKEN",
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			MaxConnections:     256,
		},
		Profile: ProfileConfig{Preset: "default"},
		Genesis: GenesisConfig{Alloc: map[string]string{}},
		Journal: JournalConfig{Enabled: true},
		Results: ResultCacheConfig{Enabled: true},
		Kafka:   KafkaConfig{Topic: "htlc-events"},
		Log:     LogConfig{Env: "local", Level: "info"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./htlc-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = BackendLevelDB
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if strings.TrimSpace(c.RPC.Address) == "" {
		c.RPC.Address = "127.0.0.1:8645"
	}
	if c.RPC.ReadTimeoutSeconds <= 0 {
		c.RPC.ReadTimeoutSeconds = 15
	}
	if c.RPC.WriteTimeoutSeconds <= 0 {
		c.RPC.WriteTimeoutSeconds = 15
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst <= 0 {
		c.RPC.RateLimitBurst = int(c.RPC.RateLimitPerSecond) + 1
	}
	if strings.TrimSpace(c.Profile.Preset) == "" {
		c.Profile.Preset = "default"
	}
	if c.Genesis.Alloc == nil {
		c.Genesis.Alloc = map[string]string{}
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "events.db")
	}
	if c.Results.Enabled && strings.TrimSpace(c.Results.Path) == "" {
		c.Results.Path = filepath.Join(c.DataDir, "results.db")
	}
	if c.Results.TTLMinutes == 0 {
		c.Results.TTLMinutes = 24 * 60
	}
	if strings.TrimSpace(c.Kafka.Topic) == "" {
		c.Kafka.Topic = "htlc-events"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
