package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/dataguardlabs/dataguard/internal/crypto"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Vault    VaultConfig    `koanf:"vault"`
	DLP      DLPConfig      `koanf:"dlp"`

	Retention RetentionConfig `koanf:"retention"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// VaultConfig carries the master key material. Secrets are base64 so they
// can travel through YAML and environment variables.
type VaultConfig struct {
	// MasterSecrets maps master key id to a base64-encoded secret.
	MasterSecrets map[string]string `koanf:"master_secrets"`
	ActiveKeyID   string            `koanf:"active_key_id"`
	Algorithm     string            `koanf:"algorithm"`
}

type DLPConfig struct {
	// RuleCacheTTL bounds how stale the redis rule cache may serve.
	RuleCacheTTL time.Duration `koanf:"rule_cache_ttl"`
	CacheEnabled bool          `koanf:"cache_enabled"`
}

type RetentionConfig struct {
	DefaultDays      int `koanf:"default_days"`
	PublicDays       int `koanf:"public_days"`
	InternalDays     int `koanf:"internal_days"`
	ConfidentialDays int `koanf:"confidential_days"`
	RestrictedDays   int `koanf:"restricted_days"`
}

// Days maps the retention config onto the per-classification table the
// protection service consumes.
func (r RetentionConfig) Days() map[record.Classification]int {
	return map[record.Classification]int{
		record.ClassificationPublic:       r.PublicDays,
		record.ClassificationInternal:     r.InternalDays,
		record.ClassificationConfidential: r.ConfidentialDays,
		record.ClassificationRestricted:   r.RestrictedDays,
	}
}

// VaultCryptoConfig decodes the base64 secrets into the explicit vault
// configuration object.
func (v VaultConfig) VaultCryptoConfig() (crypto.Config, error) {
	secrets := make(map[string][]byte, len(v.MasterSecrets))
	for id, encoded := range v.MasterSecrets {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return crypto.Config{}, fmt.Errorf("decoding master secret %q: %w", id, err)
		}
		secrets[id] = raw
	}
	return crypto.Config{
		MasterSecrets:     secrets,
		ActiveMasterKeyID: v.ActiveKeyID,
		Algorithm:         v.Algorithm,
	}, nil
}

// Load builds the configuration from defaults, an optional YAML file and
// DATAGUARD_-prefixed environment overrides, in that precedence order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Vault: VaultConfig{
			Algorithm: crypto.AlgorithmAESGCM,
		},
		DLP: DLPConfig{
			RuleCacheTTL: 30 * time.Second,
		},
		Retention: RetentionConfig{
			DefaultDays:      365,
			PublicDays:       365,
			InternalDays:     730,
			ConfidentialDays: 1825,
			RestrictedDays:   2555,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DATAGUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "DATAGUARD_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
