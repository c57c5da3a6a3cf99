package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway  GatewayConfig            `toml:"gateway"`
	Agent    AgentConfig              `toml:"agent"`
	Channels map[string]ChannelConfig `toml:"channels"`
	Store    StoreConfig              `toml:"store"`
	Secrets  SecretsConfig            `toml:"secrets"`
	Security SecurityConfig           `toml:"security"`
	Log      LogConfig                `toml:"log"`
	Tracing  TracingConfig            `toml:"tracing"`
}

type GatewayConfig struct {
	Bind      string `toml:"bind"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
}

type AgentConfig struct {
	DefaultAgent string `toml:"default_agent"`
	LandDir      string `toml:"land_dir"`
}

// ChannelConfig is one network's block. Token networks use Token/TokenEnv
// (falling back to the secrets store); the peer-paired network uses DBPath
// for its credential store.
type ChannelConfig struct {
	Enabled  bool   `toml:"enabled"`
	Token    string `toml:"token"`
	TokenEnv string `toml:"token_env"`

	AllowFrom      []string `toml:"allow_from"`
	Groups         string   `toml:"groups"`
	AllowGroups    []string `toml:"allow_groups"`
	RequireMention bool     `toml:"require_mention"`

	// whatsapp
	DBPath string `toml:"db_path"`

	// slack
	AppToken    string `toml:"app_token"`
	AppTokenEnv string `toml:"app_token_env"`

	// matrix
	Homeserver string `toml:"homeserver"`
	UserID     string `toml:"user_id"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

type SecretsConfig struct {
	DSN          string `toml:"dsn"`
	MasterKeyEnv string `toml:"master_key_env"`
}

type SecurityConfig struct {
	Mode         string   `toml:"mode"`
	AllowedPaths []string `toml:"allowed_paths"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind: "loopback",
			Port: 18790,
		},
		Agent: AgentConfig{
			DefaultAgent: "main",
		},
		Channels: map[string]ChannelConfig{},
		Store: StoreConfig{
			DSN: filepath.Join(DataDir(), "courier.db"),
		},
		Secrets: SecretsConfig{
			DSN:          filepath.Join(DataDir(), "secrets.db"),
			MasterKeyEnv: "COURIER_MASTER_KEY",
		},
		Security: SecurityConfig{
			Mode: "restricted",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			mu.Lock()
			current = cfg
			mu.Unlock()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(DataDir(), "courier.db")
	}
	if cfg.Secrets.DSN == "" {
		cfg.Secrets.DSN = filepath.Join(DataDir(), "secrets.db")
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

// Channel returns the named channel block, zero-valued when absent.
func (c *Config) Channel(name string) ChannelConfig {
	if c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[name]
}

// ResolveToken resolves a channel token: explicit value first, then the
// named environment variable.
func (cc ChannelConfig) ResolveToken() string {
	if cc.Token != "" {
		return cc.Token
	}
	if cc.TokenEnv != "" {
		return os.Getenv(cc.TokenEnv)
	}
	return ""
}

// ResolveAppToken resolves the secondary app-level token (slack).
func (cc ChannelConfig) ResolveAppToken() string {
	if cc.AppToken != "" {
		return cc.AppToken
	}
	if cc.AppTokenEnv != "" {
		return os.Getenv(cc.AppTokenEnv)
	}
	return ""
}

func DataDir() string {
	if dir := os.Getenv("COURIER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courier"
	}
	return filepath.Join(home, ".courier")
}

func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "courier.toml")
}

func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}
