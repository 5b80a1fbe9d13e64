// Package config loads and validates the tracker configuration from a YAML
// file, with environment overrides and sane defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Run modes.
const (
	ModePoll = "poll"
	ModePush = "push"
)

// Storage backends for the fee event archive.
const (
	BackendNone       = "none"
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

// Config is the complete tracker configuration.
type Config struct {
	RPC     RPCConfig     `mapstructure:"rpc"`
	WS      WSConfig      `mapstructure:"ws"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RPCConfig configures the JSON-RPC HTTP endpoint.
type RPCConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Endpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	if cfg.Timeout <= 0 {
		return errors.New("rpc timeout must be positive")
	}
	return nil
}

// WSConfig configures the websocket subscription endpoint. Only required in
// push mode.
type WSConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect-delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max-reconnect-delay"`
	MaxReconnectAttempts int           `mapstructure:"max-reconnect-attempts"`
	PingInterval         time.Duration `mapstructure:"ping-interval"`
}

func (cfg *WSConfig) Validate() error {
	if cfg.ReconnectDelay <= 0 {
		return errors.New("ws reconnect-delay must be positive")
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		return errors.New("ws max-reconnect-delay must be >= reconnect-delay")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return errors.New("ws max-reconnect-attempts must be positive")
	}
	return nil
}

// GatewayConfig configures retries and the circuit breaker in front of the
// RPC endpoint.
type GatewayConfig struct {
	MaxRetries       int           `mapstructure:"max-retries"`
	RetryDelay       time.Duration `mapstructure:"retry-delay"`
	MaxDelay         time.Duration `mapstructure:"max-delay"`
	MaxJitter        time.Duration `mapstructure:"max-jitter"`
	BatchPageSize    int           `mapstructure:"batch-page-size"`
	FailureThreshold int           `mapstructure:"failure-threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset-timeout"`
	SuccessThreshold int           `mapstructure:"success-threshold"`
}

func (cfg *GatewayConfig) Validate() error {
	if cfg.MaxRetries < 0 {
		return errors.New("gateway max-retries must not be negative")
	}
	if cfg.RetryDelay <= 0 {
		return errors.New("gateway retry-delay must be positive")
	}
	if cfg.BatchPageSize <= 0 {
		return errors.New("gateway batch-page-size must be positive")
	}
	if cfg.FailureThreshold <= 0 {
		return errors.New("gateway failure-threshold must be positive")
	}
	if cfg.SuccessThreshold <= 0 {
		return errors.New("gateway success-threshold must be positive")
	}
	return nil
}

// EngineConfig configures the attribution engine and its run mode.
type EngineConfig struct {
	Mode              string        `mapstructure:"mode"`
	Owner             string        `mapstructure:"owner"`
	PrimaryVault      string        `mapstructure:"primary-vault"`
	SecondaryVault    string        `mapstructure:"secondary-vault"`
	CurveProgram      string        `mapstructure:"curve-program"`
	PoolProgram       string        `mapstructure:"pool-program"`
	MetadataProgram   string        `mapstructure:"metadata-program"`
	Mints             []string      `mapstructure:"mints"`
	PollInterval      time.Duration `mapstructure:"poll-interval"`
	SignatureLookback int           `mapstructure:"signature-lookback"`
	SeenCapacity      int           `mapstructure:"seen-capacity"`
	AssetCapacity     int           `mapstructure:"asset-capacity"`
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Mode != ModePoll && cfg.Mode != ModePush {
		return fmt.Errorf("engine mode must be %q or %q", ModePoll, ModePush)
	}
	if cfg.Owner == "" {
		return errors.New("engine owner is required")
	}
	if cfg.PrimaryVault == "" {
		return errors.New("engine primary-vault is required")
	}
	if cfg.CurveProgram == "" {
		return errors.New("engine curve-program is required")
	}
	if cfg.SecondaryVault != "" && cfg.PoolProgram == "" {
		return errors.New("engine pool-program is required when secondary-vault is set")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("engine poll-interval must be positive")
	}
	if cfg.SignatureLookback <= 0 {
		return errors.New("engine signature-lookback must be positive")
	}
	return nil
}

// LedgerConfig configures the ledger file and projection persistence.
type LedgerConfig struct {
	Path            string `mapstructure:"path"`
	ProjectionPath  string `mapstructure:"projection-path"`
	BackupRetention int    `mapstructure:"backup-retention"`
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Path == "" {
		return errors.New("ledger path is required")
	}
	if cfg.ProjectionPath == "" {
		return errors.New("ledger projection-path is required")
	}
	if cfg.BackupRetention <= 0 {
		return errors.New("ledger backup-retention must be positive")
	}
	return nil
}

// StorageConfig selects the optional fee event archive backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	PostgresDSN   string `mapstructure:"postgres-dsn"`
	ClickHouseDSN string `mapstructure:"clickhouse-dsn"`
}

func (cfg *StorageConfig) Validate() error {
	switch cfg.Backend {
	case BackendNone, BackendMemory:
		return nil
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("storage postgres-dsn is required for postgres backend")
		}
		return nil
	case BackendClickHouse:
		if cfg.ClickHouseDSN == "" {
			return errors.New("storage clickhouse-dsn is required for clickhouse backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// MetricsConfig configures the metrics and health HTTP listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func (cfg *MetricsConfig) Validate() error {
	if cfg.Addr == "" {
		return errors.New("metrics addr is required")
	}
	return nil
}

// Validate validates every section, and the push-mode websocket requirement
// that crosses sections.
func (cfg *Config) Validate() error {
	sections := []interface{ Validate() error }{
		&cfg.RPC, &cfg.WS, &cfg.Gateway, &cfg.Engine, &cfg.Ledger, &cfg.Storage, &cfg.Metrics,
	}
	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if cfg.Engine.Mode == ModePush && cfg.WS.Endpoint == "" {
		return errors.New("ws endpoint is required in push mode")
	}
	return nil
}

// Load reads a config file, applies TRACKER_* environment overrides and
// defaults, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.timeout", 30*time.Second)

	v.SetDefault("ws.reconnect-delay", time.Second)
	v.SetDefault("ws.max-reconnect-delay", 30*time.Second)
	v.SetDefault("ws.max-reconnect-attempts", 10)
	v.SetDefault("ws.ping-interval", 30*time.Second)

	v.SetDefault("gateway.max-retries", 3)
	v.SetDefault("gateway.retry-delay", 500*time.Millisecond)
	v.SetDefault("gateway.max-delay", 10*time.Second)
	v.SetDefault("gateway.max-jitter", 250*time.Millisecond)
	v.SetDefault("gateway.batch-page-size", 100)
	v.SetDefault("gateway.failure-threshold", 5)
	v.SetDefault("gateway.reset-timeout", 30*time.Second)
	v.SetDefault("gateway.success-threshold", 2)

	v.SetDefault("engine.mode", ModePoll)
	v.SetDefault("engine.poll-interval", 15*time.Second)
	v.SetDefault("engine.signature-lookback", 50)
	v.SetDefault("engine.seen-capacity", 10000)
	v.SetDefault("engine.asset-capacity", 1000)

	v.SetDefault("ledger.path", "data/ledger.jsonl")
	v.SetDefault("ledger.projection-path", "data/projection.json")
	v.SetDefault("ledger.backup-retention", 3)

	v.SetDefault("storage.backend", BackendNone)

	v.SetDefault("metrics.addr", ":9090")
}
