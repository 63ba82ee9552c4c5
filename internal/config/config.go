// Package config holds OPERATOR-LEVEL configuration for an Access Guard
// installation.
//
// This is infrastructure config set by the admin who deploys the gateway,
// NOT end-user configuration. Values come from env vars (GUARD_*) or a
// guard.config.yaml file. End users authenticate with bearer tokens; their
// identity never appears here.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the GUARD_ prefix
// (e.g. "jwt_secret" → GUARD_JWT_SECRET) and to a YAML field in
// guard.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyJWTSecret         = "jwt_secret"
	KeyTokenTTLMinutes   = "token_ttl_minutes"
	KeyUpstreamAPIKey    = "upstream_api_key"
	KeyUpstreamBaseURL   = "upstream_base_url"
	KeyChatModel         = "chat_model"
	KeyGuardModel        = "guard_model"
	KeyClassifierTimeout = "classifier_timeout"
	KeyModelTimeout      = "model_timeout"
	KeyCacheCapacity     = "cache_capacity"
	KeyCacheTTL          = "cache_ttl"
	KeyRulesPath         = "rules_path"
	KeyLedgerRetention   = "ledger_retention_days"
	KeyChatRPM           = "chat_requests_per_minute"
)

// Defaults that do NOT involve crypto material. The JWT secret intentionally
// has no baked-in default; when unset we derive a deterministic per-machine
// fallback and warn loudly.
const (
	DefaultTokenTTL          = 30 * time.Minute
	DefaultUpstreamBaseURL   = "https://api.groq.com/openai/v1"
	DefaultChatModel         = "llama-3.1-70b-versatile"
	DefaultGuardModel        = "llama-guard-3-8b"
	DefaultClassifierTimeout = 5 * time.Second
	DefaultModelTimeout      = 30 * time.Second
	DefaultCacheCapacity     = 1024
	DefaultCacheTTL          = 24 * time.Hour
	DefaultLedgerRetention   = 90
	DefaultChatRPM           = 30
)

// Config holds resolved operator-level configuration for a gateway process.
type Config struct {
	DataDir           string        // Base directory for all state (~/.access-guard)
	JWTSecret         string        // HMAC-SHA256 key for bearer tokens (≥32 bytes)
	TokenTTL          time.Duration // Issued-token lifetime
	UpstreamAPIKey    string        // API key for the OpenAI-compatible upstream
	UpstreamBaseURL   string        // Upstream base URL (chat + guard models)
	ChatModel         string        // Default model for answer generation
	GuardModel        string        // Safety classifier model
	ClassifierTimeout time.Duration // Bound on a single safety classification
	ModelTimeout      time.Duration // Bound on a single model invocation
	CacheCapacity     int           // Max semantic cache entries
	CacheTTL          time.Duration // Cache entry lifetime
	RulesPath         string        // Optional role-rules YAML (embedded defaults when empty)
	LedgerRetention   int           // Days of query outcomes to keep
	ChatRPM           int           // Per-user chat messages per minute

	usingDefaultJWTSecret bool
}

// UsingDefaultJWTSecret returns true if the token signing key was derived
// (not set explicitly). Commands should warn when this is the case.
func (c *Config) UsingDefaultJWTSecret() bool {
	return c.usingDefaultJWTSecret
}

// LedgerDBPath returns the full path to the query-outcome SQLite database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultSecret logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultSecret() {
	if c.usingDefaultJWTSecret {
		log.Warn().Msg("Using generated default GUARD_JWT_SECRET; set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("GUARD")
	viper.AutomaticEnv()
	viper.SetDefault(KeyTokenTTLMinutes, int(DefaultTokenTTL.Minutes()))
	viper.SetDefault(KeyUpstreamBaseURL, DefaultUpstreamBaseURL)
	viper.SetDefault(KeyChatModel, DefaultChatModel)
	viper.SetDefault(KeyGuardModel, DefaultGuardModel)
	viper.SetDefault(KeyClassifierTimeout, DefaultClassifierTimeout)
	viper.SetDefault(KeyModelTimeout, DefaultModelTimeout)
	viper.SetDefault(KeyCacheCapacity, DefaultCacheCapacity)
	viper.SetDefault(KeyCacheTTL, DefaultCacheTTL)
	viper.SetDefault(KeyLedgerRetention, DefaultLedgerRetention)
	viper.SetDefault(KeyChatRPM, DefaultChatRPM)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:           resolveDataDir(),
		JWTSecret:         viper.GetString(KeyJWTSecret),
		TokenTTL:          time.Duration(viper.GetInt(KeyTokenTTLMinutes)) * time.Minute,
		UpstreamAPIKey:    viper.GetString(KeyUpstreamAPIKey),
		UpstreamBaseURL:   viper.GetString(KeyUpstreamBaseURL),
		ChatModel:         viper.GetString(KeyChatModel),
		GuardModel:        viper.GetString(KeyGuardModel),
		ClassifierTimeout: viper.GetDuration(KeyClassifierTimeout),
		ModelTimeout:      viper.GetDuration(KeyModelTimeout),
		CacheCapacity:     viper.GetInt(KeyCacheCapacity),
		CacheTTL:          viper.GetDuration(KeyCacheTTL),
		RulesPath:         viper.GetString(KeyRulesPath),
		LedgerRetention:   viper.GetInt(KeyLedgerRetention),
		ChatRPM:           viper.GetInt(KeyChatRPM),
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = deriveDefaultSecret(cfg.DataDir)
		cfg.usingDefaultJWTSecret = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".access-guard"
	}
	return filepath.Join(home, ".access-guard")
}

// deriveDefaultSecret produces a deterministic 64-hex-char fallback key from
// the data directory path. This is NOT cryptographically strong; it exists
// solely so `access-guard serve` works out of the box while still signing
// tokens with a per-machine-unique key.
func deriveDefaultSecret(dataDir string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("access-guard:%s:token-signing", dataDir)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes (got %d); set GUARD_JWT_SECRET", len(c.JWTSecret))
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl_minutes must be positive")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.ClassifierTimeout <= 0 || c.ModelTimeout <= 0 {
		return fmt.Errorf("classifier_timeout and model_timeout must be positive")
	}
	if c.ChatRPM <= 0 {
		return fmt.Errorf("chat_requests_per_minute must be positive")
	}
	return nil
}
