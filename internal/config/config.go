// Package config loads and validates kernel configuration from environment
// variables and an optional .env file via viper and godotenv.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SLOTargets holds the default, overridable SLO thresholds.
type SLOTargets struct {
	RetrievalLatencyMs int64   `mapstructure:"retrieval_latency_ms"`
	BuildTimeSeconds   int64   `mapstructure:"build_time_seconds"`
	ComplianceAccuracy float64 `mapstructure:"compliance_accuracy"`
	AuditTraceVerified float64 `mapstructure:"audit_trace_verified"`
	CPUPercent         float64 `mapstructure:"cpu_percent"`
	MemoryPercent      float64 `mapstructure:"memory_percent"`
}

// GovernanceDefaults seeds the initial SpendingLimits/RateLimit/AnomalyConfig.
type GovernanceDefaults struct {
	MaxTxnAmount            int64         `mapstructure:"max_txn_amount"`
	ApprovalThreshold       int64         `mapstructure:"approval_threshold"`
	DailyLimit              int64         `mapstructure:"daily_limit"`
	Currency                string        `mapstructure:"currency"`
	WindowSeconds           int64         `mapstructure:"window_seconds"`
	MaxTxnsPerWindow        int64         `mapstructure:"max_txns_per_window"`
	UnusualAmountMultiplier float64       `mapstructure:"unusual_amount_multiplier"`
	RapidCount              int64         `mapstructure:"rapid_count"`
	RapidWindowSeconds      int64         `mapstructure:"rapid_window_seconds"`
	ApprovalTTL             time.Duration `mapstructure:"approval_ttl"`
}

// Config is the fully validated kernel configuration.
type Config struct {
	MasterVaultKey       []byte
	AuditStoragePath     string `mapstructure:"audit_storage_path"`
	VaultStoragePath     string `mapstructure:"vault_storage_path"`
	EnabledChannels      []string
	SLO                  SLOTargets
	Governance           GovernanceDefaults
	RedisAddr            string `mapstructure:"redis_addr"`
	SendgridAPIKey       string `mapstructure:"sendgrid_api_key"`
	NotificationFromAddr string `mapstructure:"notification_from_addr"`
	Environment          string `mapstructure:"environment"`
}

// Load reads configuration from the process environment (optionally seeded by
// a .env file) and validates it. Invalid configuration refuses to start.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("OCCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("audit_storage_path", "./data/audit.log")
	v.SetDefault("vault_storage_path", "./data/vault.db")
	v.SetDefault("environment", "development")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("enabled_channels", "email")

	v.SetDefault("slo.retrieval_latency_ms", 2500)
	v.SetDefault("slo.build_time_seconds", 420)
	v.SetDefault("slo.compliance_accuracy", 0.97)
	v.SetDefault("slo.audit_trace_verified", 1.0)
	v.SetDefault("slo.cpu_percent", 80.0)
	v.SetDefault("slo.memory_percent", 75.0)

	v.SetDefault("governance.max_txn_amount", 10000)
	v.SetDefault("governance.approval_threshold", 5000)
	v.SetDefault("governance.daily_limit", 50000)
	v.SetDefault("governance.currency", "USD")
	v.SetDefault("governance.window_seconds", 60)
	v.SetDefault("governance.max_txns_per_window", 20)
	v.SetDefault("governance.unusual_amount_multiplier", 3.0)
	v.SetDefault("governance.rapid_count", 5)
	v.SetDefault("governance.rapid_window_seconds", 300)
	v.SetDefault("governance.approval_ttl", "24h")

	keyHex := v.GetString("master_vault_key")
	cfg := &Config{
		AuditStoragePath:     v.GetString("audit_storage_path"),
		VaultStoragePath:     v.GetString("vault_storage_path"),
		RedisAddr:            v.GetString("redis_addr"),
		SendgridAPIKey:       v.GetString("sendgrid_api_key"),
		NotificationFromAddr: v.GetString("notification_from_addr"),
		Environment:          v.GetString("environment"),
		EnabledChannels:      splitCSV(v.GetString("enabled_channels")),
		SLO: SLOTargets{
			RetrievalLatencyMs: v.GetInt64("slo.retrieval_latency_ms"),
			BuildTimeSeconds:   v.GetInt64("slo.build_time_seconds"),
			ComplianceAccuracy: v.GetFloat64("slo.compliance_accuracy"),
			AuditTraceVerified: v.GetFloat64("slo.audit_trace_verified"),
			CPUPercent:         v.GetFloat64("slo.cpu_percent"),
			MemoryPercent:      v.GetFloat64("slo.memory_percent"),
		},
		Governance: GovernanceDefaults{
			MaxTxnAmount:            v.GetInt64("governance.max_txn_amount"),
			ApprovalThreshold:       v.GetInt64("governance.approval_threshold"),
			DailyLimit:              v.GetInt64("governance.daily_limit"),
			Currency:                v.GetString("governance.currency"),
			WindowSeconds:           v.GetInt64("governance.window_seconds"),
			MaxTxnsPerWindow:        v.GetInt64("governance.max_txns_per_window"),
			UnusualAmountMultiplier: v.GetFloat64("governance.unusual_amount_multiplier"),
			RapidCount:              v.GetInt64("governance.rapid_count"),
			RapidWindowSeconds:      v.GetInt64("governance.rapid_window_seconds"),
			ApprovalTTL:             v.GetDuration("governance.approval_ttl"),
		},
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("config: OCCAM_MASTER_VAULT_KEY must be 32 bytes of hex, got %d decoded bytes (err=%v)", len(key), err)
	}
	cfg.MasterVaultKey = key

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Governance.MaxTxnAmount <= 0 {
		return fmt.Errorf("config: governance.max_txn_amount must be positive")
	}
	if c.Governance.ApprovalThreshold <= 0 || c.Governance.ApprovalThreshold > c.Governance.MaxTxnAmount {
		return fmt.Errorf("config: governance.approval_threshold must be in (0, max_txn_amount]")
	}
	if c.Governance.DailyLimit < c.Governance.MaxTxnAmount {
		return fmt.Errorf("config: governance.daily_limit must be >= max_txn_amount")
	}
	if c.SLO.ComplianceAccuracy <= 0 || c.SLO.ComplianceAccuracy > 1 {
		return fmt.Errorf("config: slo.compliance_accuracy must be in (0,1]")
	}
	if c.AuditStoragePath == "" || c.VaultStoragePath == "" {
		return fmt.Errorf("config: audit_storage_path and vault_storage_path are required")
	}
	if len(c.EnabledChannels) == 0 {
		return fmt.Errorf("config: at least one notification channel must be enabled")
	}
	return nil
}

// ChannelEnabled reports whether the named channel was enabled at startup.
func (c *Config) ChannelEnabled(channel string) bool {
	for _, ch := range c.EnabledChannels {
		if ch == channel {
			return true
		}
	}
	return false
}
