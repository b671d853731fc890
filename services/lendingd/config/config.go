// Package config captures the runtime settings for the lending daemon.
// Protocol parameters live in their own TOML file; this YAML file holds
// deployment concerns only.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded at startup.
type Config struct {
	ListenAddress string `yaml:"listen"`
	Environment   string `yaml:"environment"`
	// DataDir is the LevelDB directory for lending state. Empty keeps state
	// in memory, which is only acceptable in dev.
	DataDir string `yaml:"data_dir"`
	// AuditDB is the SQLite file for the persistent audit trail. Empty logs
	// audit entries without persisting them.
	AuditDB string `yaml:"audit_db"`
	// ParamsPath points at the TOML protocol parameter file.
	ParamsPath string `yaml:"params"`

	CustodyAccount  string   `yaml:"custody_account"`
	OperatorAccount string   `yaml:"operator_account"`
	Admins          []string `yaml:"admins"`
	// AttesterKey is a hex-encoded secp256k1 private key used to sign
	// liquidation attestations. Empty generates an ephemeral key.
	AttesterKey string `yaml:"attester_key"`

	Auth        AuthConfig           `yaml:"auth"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits"`
	LogRequests bool                 `yaml:"log_requests"`
}

// AuthConfig controls JWT verification on the gateway.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// RateLimit bounds request rates per client for one route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:   ":8080",
		CustodyAccount:  "pool-custody",
		OperatorAccount: "pool-operator",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.AuditDB = strings.TrimSpace(cfg.AuditDB)
	cfg.ParamsPath = strings.TrimSpace(cfg.ParamsPath)
	cfg.CustodyAccount = strings.TrimSpace(cfg.CustodyAccount)
	if cfg.CustodyAccount == "" {
		cfg.CustodyAccount = "pool-custody"
	}
	cfg.OperatorAccount = strings.TrimSpace(cfg.OperatorAccount)
	if cfg.OperatorAccount == "" {
		cfg.OperatorAccount = "pool-operator"
	}
	cfg.AttesterKey = strings.TrimSpace(cfg.AttesterKey)

	admins := make([]string, 0, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		if trimmed := strings.TrimSpace(admin); trimmed != "" {
			admins = append(admins, trimmed)
		}
	}
	cfg.Admins = admins
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.CustodyAccount == cfg.OperatorAccount {
		return fmt.Errorf("custody and operator accounts must differ")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac_secret is required when auth is enabled")
	}
	if !cfg.Auth.Enabled && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("auth must be enabled outside the dev environment")
	}
	if cfg.DataDir == "" && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("data_dir is required outside the dev environment")
	}
	if len(cfg.Admins) == 0 {
		return fmt.Errorf("at least one admin principal must be configured")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_minute must be positive", group)
		}
	}
	return nil
}
