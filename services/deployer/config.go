package deployer

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"omniloyalty/contracts"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the deployer.
type Config struct {
	Network   NetworkConfig  `yaml:"network"`
	Signer    SignerConfig   `yaml:"signer"`
	Artifacts ArtifactConfig `yaml:"artifacts"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Programs  []PlanEntry    `yaml:"programs"`
	Plan      string         `yaml:"plan"`
	Archive   string         `yaml:"archive"`
	Report    string         `yaml:"report"`
	Admin     AdminConfig    `yaml:"admin"`
	Log       LogConfig      `yaml:"log"`
	DryRun    bool           `yaml:"dry_run"`
}

// NetworkConfig selects the ledger endpoint.
type NetworkConfig struct {
	Name         string   `yaml:"name"`
	RPC          string   `yaml:"rpc"`
	ChainID      uint64   `yaml:"chain_id"`
	PollInterval Duration `yaml:"poll_interval"`
	RateLimit    float64  `yaml:"rate_limit"`
	Burst        int      `yaml:"burst"`
}

// SignerConfig locates the deployer key. A keystore takes precedence over the
// raw hex key environment variable.
type SignerConfig struct {
	KeyEnv        string `yaml:"key_env"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ArtifactConfig points at the hardhat artifacts of both contracts.
type ArtifactConfig struct {
	Token   string `yaml:"token"`
	Factory string `yaml:"factory"`
}

// Paths returns the artifact path per contract name.
func (a ArtifactConfig) Paths() map[string]string {
	return map[string]string{
		contracts.Token:   a.Token,
		contracts.Factory: a.Factory,
	}
}

// TimeoutConfig bounds every wait of a run.
type TimeoutConfig struct {
	Confirm Duration `yaml:"confirm"`
	Event   Duration `yaml:"event"`
}

// AdminConfig configures the read-only admin API. An empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures log output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Network.Name = strings.TrimSpace(c.Network.Name)
	c.Network.RPC = strings.TrimSpace(c.Network.RPC)
	c.Signer.KeyEnv = strings.TrimSpace(c.Signer.KeyEnv)
	c.Signer.Keystore = strings.TrimSpace(c.Signer.Keystore)
	c.Signer.PassphraseEnv = strings.TrimSpace(c.Signer.PassphraseEnv)
	c.Artifacts.Token = strings.TrimSpace(c.Artifacts.Token)
	c.Artifacts.Factory = strings.TrimSpace(c.Artifacts.Factory)
	c.Plan = strings.TrimSpace(c.Plan)
	c.Archive = strings.TrimSpace(c.Archive)
	c.Report = strings.TrimSpace(c.Report)
	c.Admin.Listen = strings.TrimSpace(c.Admin.Listen)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
}

func applyDefaults(cfg *Config) {
	if cfg.Network.Name == "" {
		cfg.Network.Name = "localhost"
	}
	if cfg.Network.RPC == "" {
		cfg.Network.RPC = "http://127.0.0.1:8545"
	}
	if cfg.Network.PollInterval.Duration == 0 {
		cfg.Network.PollInterval.Duration = time.Second
	}
	if cfg.Network.RateLimit == 0 {
		cfg.Network.RateLimit = 20
	}
	if cfg.Network.Burst <= 0 {
		cfg.Network.Burst = 5
	}
	if cfg.Signer.KeyEnv == "" {
		cfg.Signer.KeyEnv = "PRIVATE_KEY"
	}
	if cfg.Signer.PassphraseEnv == "" {
		cfg.Signer.PassphraseEnv = "DEPLOYER_KEYSTORE_PASSPHRASE"
	}
	if cfg.Artifacts.Token == "" {
		cfg.Artifacts.Token = "artifacts/contracts/OmniToken.sol/OmniToken.json"
	}
	if cfg.Artifacts.Factory == "" {
		cfg.Artifacts.Factory = "artifacts/contracts/LoyaltyProgramFactory.sol/LoyaltyProgramFactory.json"
	}
	if cfg.Timeouts.Confirm.Duration == 0 {
		cfg.Timeouts.Confirm.Duration = 2 * time.Minute
	}
	if cfg.Timeouts.Event.Duration == 0 {
		cfg.Timeouts.Event.Duration = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
}

func validateConfig(cfg Config) error {
	if cfg.Timeouts.Confirm.Duration < 0 || cfg.Timeouts.Event.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if cfg.Network.PollInterval.Duration < 0 {
		return fmt.Errorf("network.poll_interval must not be negative")
	}
	if cfg.Network.RateLimit < 0 {
		return fmt.Errorf("network.rate_limit must not be negative")
	}
	if cfg.Plan != "" && len(cfg.Programs) > 0 {
		return fmt.Errorf("set either programs or plan, not both")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.DryRun {
		return nil
	}
	if !strings.HasPrefix(cfg.Network.RPC, "http://") && !strings.HasPrefix(cfg.Network.RPC, "https://") &&
		!strings.HasPrefix(cfg.Network.RPC, "ws://") && !strings.HasPrefix(cfg.Network.RPC, "wss://") {
		return fmt.Errorf("network.rpc must be an http(s) or ws(s) url")
	}
	return nil
}
