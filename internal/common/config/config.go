package config

import (
	"os"
	"regexp"
	"time"

	"github.com/workmesh/relay/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// RelayConfig is the root configuration for the relay process.
	RelayConfig struct {
		Port    int           `yaml:"port"`
		PID     string        `yaml:"pid"`
		Logger  LoggerConfig  `yaml:"logger"`
		Gateway GatewayConfig `yaml:"gateway"`
		Pool    PoolConfig    `yaml:"pool"`
		SSE     SSEConfig     `yaml:"sse"`
		Auth    AuthConfig    `yaml:"auth"`
		Metrics MetricsConfig `yaml:"metrics"`
		Tenants []TenantConfig `yaml:"tenants"`
	}

	// GatewayConfig tunes the per-tenant gateway connection behavior.
	GatewayConfig struct {
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
		RPCTimeout           time.Duration `yaml:"rpc_timeout"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ClientID             string        `yaml:"client_id"`
		ClientName           string        `yaml:"client_name"`
		Role                 string        `yaml:"role"`
		Scopes               []string      `yaml:"scopes"`
		AgentID              string        `yaml:"agent_id"`
	}

	// PoolConfig tunes idle pruning of tenant gateway clients.
	PoolConfig struct {
		PruneInterval time.Duration `yaml:"prune_interval"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
	}

	// SSEConfig tunes the browser-facing stream manager.
	SSEConfig struct {
		KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
		QueueSize         int           `yaml:"queue_size"`
	}

	// AuthConfig holds the request-authentication settings.
	AuthConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	// JWTConfig configures verification of browser-supplied tokens.
	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// MetricsConfig configures the Prometheus registry.
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TenantConfig is one tenant directory entry: where that tenant's
	// gateway lives and the credential used to authenticate to it.
	TenantConfig struct {
		ID         string `yaml:"id"`
		GatewayURL string `yaml:"gateway_url"`
		Token      string `yaml:"token"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps
		TimeFormat string `yaml:"time_format"` // time format for log timestamps
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*RelayConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	setDefaults(&cfg)
	return &cfg, cfgPath, nil
}

// setDefaults fills in zero-valued tunables after unmarshalling.
func setDefaults(cfg *RelayConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Gateway.HandshakeTimeout <= 0 {
		cfg.Gateway.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Gateway.RPCTimeout <= 0 {
		cfg.Gateway.RPCTimeout = 30 * time.Second
	}
	if cfg.Gateway.ReconnectBaseDelay <= 0 {
		cfg.Gateway.ReconnectBaseDelay = time.Second
	}
	if cfg.Gateway.ReconnectMaxDelay <= 0 {
		cfg.Gateway.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Gateway.MaxReconnectAttempts <= 0 {
		cfg.Gateway.MaxReconnectAttempts = 10
	}
	if cfg.Gateway.ClientID == "" {
		cfg.Gateway.ClientID = "relay"
	}
	if cfg.Gateway.ClientName == "" {
		cfg.Gateway.ClientName = "Workmesh Relay"
	}
	if cfg.Gateway.Role == "" {
		cfg.Gateway.Role = "operator"
	}
	if cfg.Gateway.AgentID == "" {
		cfg.Gateway.AgentID = "assistant"
	}
	if cfg.Pool.PruneInterval <= 0 {
		cfg.Pool.PruneInterval = time.Minute
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.SSE.KeepaliveInterval <= 0 {
		cfg.SSE.KeepaliveInterval = 30 * time.Second
	}
	if cfg.SSE.QueueSize <= 0 {
		cfg.SSE.QueueSize = 100
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "relay"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
