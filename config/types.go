package config

// LevelDBConfig tunes the persistent backend.
type LevelDBConfig struct {
	CacheMiB int `toml:"CacheMiB" yaml:"cacheMiB"`
	Handles  int `toml:"Handles" yaml:"handles"`
}

// RPCConfig controls the JSON-RPC listener. Mutating calls require either the
// static bearer token or a JWT signed with the configured secret.
type RPCConfig struct {
	Address             string  `toml:"Address" yaml:"address"`
	AuthToken           string  `toml:"AuthToken" yaml:"authToken"`
	AuthTokenEnv        string  `toml:"AuthTokenEnv" yaml:"authTokenEnv"`
	JWTSecretEnv        string  `toml:"JWTSecretEnv" yaml:"jwtSecretEnv"`
	JWTIssuer           string  `toml:"JWTIssuer" yaml:"jwtIssuer"`
	RateLimitPerSecond  float64 `toml:"RateLimitPerSecond" yaml:"rateLimitPerSecond"`
	RateLimitBurst      int     `toml:"RateLimitBurst" yaml:"rateLimitBurst"`
	ReadTimeoutSeconds  int     `toml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds int     `toml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	MaxConnections      int     `toml:"MaxConnections" yaml:"maxConnections"`
}

// ProfileConfig selects a preset and optionally overrides individual flags.
type ProfileConfig struct {
	Preset           string `toml:"Preset" yaml:"preset"`
	StrictValidation *bool  `toml:"StrictValidation,omitempty" yaml:"strictValidation,omitempty"`
	RetainOnClaim    *bool  `toml:"RetainOnClaim,omitempty" yaml:"retainOnClaim,omitempty"`
	ExpiryEnforced   *bool  `toml:"ExpiryEnforced,omitempty" yaml:"expiryEnforced,omitempty"`
	AmountSource     string `toml:"AmountSource,omitempty" yaml:"amountSource,omitempty"`
	Digest           string `toml:"Digest,omitempty" yaml:"digest,omitempty"`
}

// GenesisConfig lists the initial state. File, when set, takes precedence over
// the inline values.
type GenesisConfig struct {
	File  string            `toml:"File,omitempty" yaml:"file,omitempty"`
	Owner string            `toml:"Owner" yaml:"owner"`
	Alloc map[string]string `toml:"Alloc" yaml:"alloc"`
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Path    string `toml:"Path" yaml:"path"`
}

// ResultCacheConfig enables replay of committed call responses from BoltDB.
type ResultCacheConfig struct {
	Enabled    bool   `toml:"Enabled" yaml:"enabled"`
	Path       string `toml:"Path" yaml:"path"`
	TTLMinutes int    `toml:"TTLMinutes" yaml:"ttlMinutes"`
}

// KafkaConfig enables streaming committed events to Kafka.
type KafkaConfig struct {
	Enabled            bool     `toml:"Enabled" yaml:"enabled"`
	Brokers            []string `toml:"Brokers" yaml:"brokers"`
	Topic              string   `toml:"Topic" yaml:"topic"`
	BatchTimeoutMillis int      `toml:"BatchTimeoutMillis" yaml:"batchTimeoutMillis"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Env        string `toml:"Env" yaml:"env"`
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
}
