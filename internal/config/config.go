// Package config loads and validates the governance core configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment variables.
// Environment variables use the ORGGOV_ prefix (e.g. ORGGOV_DATABASE_HOST overrides
// database.host in the YAML), so the same binary runs from a config.yaml in local development
// and from pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Governance    GovernanceConfig    `mapstructure:"governance"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection used for bulk progress, rollback journals, resend
// throttling and revalidation events. An empty Addr disables Redis; in-process stores are
// used instead, which is only correct for single-instance deployments.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// RevalidationChannel is the pub/sub channel receiving organization-changed events
	RevalidationChannel string `mapstructure:"revalidation_channel"`
}

// Enabled reports whether a Redis address is configured.
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit shipping configuration. Entries are always written to the
// audit_logs table; shippers mirror them elsewhere.
type AuditConfig struct {
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // webhook, file
	// MinSeverity is info, warning or critical; empty ships every entry
	MinSeverity string              `mapstructure:"min_severity"`
	Webhook     *AuditWebhookConfig `mapstructure:"webhook"`
	File        *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NotificationsConfig selects and configures the notification sink
type NotificationsConfig struct {
	// Provider is smtp, sendgrid or log. log writes notifications to the application log only.
	Provider string `mapstructure:"provider"`
	// AppURL is the public base URL used to build accept links in notification bodies
	AppURL   string         `mapstructure:"app_url"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
}

// SMTPConfig holds outbound mail server configuration for notification emails
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"` // 587 for STARTTLS, 465 for SMTPS, 25 for plain
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

// GovernanceConfig holds the business constants of the membership governance core
type GovernanceConfig struct {
	// RetentionDays is how long a soft-deleted organization stays restorable
	RetentionDays      int `mapstructure:"retention_days"`
	TransferTTLHours   int `mapstructure:"transfer_ttl_hours"`
	InvitationTTLDays  int `mapstructure:"invitation_ttl_days"`
	ResendLimitPerHour int `mapstructure:"resend_limit_per_hour"`
	// ProgressTTL is how long bulk progress records remain readable (Redis only)
	ProgressTTL time.Duration `mapstructure:"progress_ttl"`
	// RollbackTTL is how long a bulk rollback token stays usable
	RollbackTTL time.Duration `mapstructure:"rollback_ttl"`
	// Timezone is the IANA zone used to evaluate unusual login hours
	Timezone string `mapstructure:"timezone"`
}

// Retention returns the soft-delete retention window.
func (g *GovernanceConfig) Retention() time.Duration {
	return time.Duration(g.RetentionDays) * 24 * time.Hour
}

// TransferTTL returns the lifetime of a pending ownership transfer.
func (g *GovernanceConfig) TransferTTL() time.Duration {
	return time.Duration(g.TransferTTLHours) * time.Hour
}

// InvitationTTL returns the lifetime of a pending invitation.
func (g *GovernanceConfig) InvitationTTL() time.Duration {
	return time.Duration(g.InvitationTTLDays) * 24 * time.Hour
}

// Location resolves Timezone.
func (g *GovernanceConfig) Location() (*time.Location, error) {
	return time.LoadLocation(g.Timezone)
}

// SchedulerConfig holds cron specs (with a leading seconds field) for the in-process
// scheduler. An empty spec disables that job.
type SchedulerConfig struct {
	ExpireTransfers   string `mapstructure:"expire_transfers"`
	ExpireInvitations string `mapstructure:"expire_invitations"`
	PurgeDeletions    string `mapstructure:"purge_deletions"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",
		"redis.revalidation_channel",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Notifications
		"notifications.provider",
		"notifications.app_url",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
		"notifications.sendgrid.api_key",
		"notifications.sendgrid.from_email",
		"notifications.sendgrid.from_name",

		// Governance
		"governance.retention_days",
		"governance.transfer_ttl_hours",
		"governance.invitation_ttl_days",
		"governance.resend_limit_per_hour",
		"governance.progress_ttl",
		"governance.rollback_ttl",
		"governance.timezone",

		// Scheduler
		"scheduler.expire_transfers",
		"scheduler.expire_invitations",
		"scheduler.purge_deletions",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/orggov")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment variables apply
	}

	v.SetEnvPrefix("ORGGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets may be written as ${VAR} references in the YAML file
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.Notifications.SMTP.Password = os.ExpandEnv(cfg.Notifications.SMTP.Password)
	cfg.Notifications.SendGrid.APIKey = os.ExpandEnv(cfg.Notifications.SendGrid.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "orggov")
	v.SetDefault("database.user", "orggov")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "orggov:")
	v.SetDefault("redis.revalidation_channel", "orggov:organization-changed")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "orggov")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Notifications defaults
	v.SetDefault("notifications.provider", "log")
	v.SetDefault("notifications.app_url", "http://localhost:3000")
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
	v.SetDefault("notifications.sendgrid.from_name", "TenderDesk")

	// Governance defaults
	v.SetDefault("governance.retention_days", 30)
	v.SetDefault("governance.transfer_ttl_hours", 72)
	v.SetDefault("governance.invitation_ttl_days", 7)
	v.SetDefault("governance.resend_limit_per_hour", 3)
	v.SetDefault("governance.progress_ttl", "1h")
	v.SetDefault("governance.rollback_ttl", "24h")
	v.SetDefault("governance.timezone", "UTC")

	// Scheduler defaults
	v.SetDefault("scheduler.expire_transfers", "0 */15 * * * *")
	v.SetDefault("scheduler.expire_invitations", "0 5 * * * *")
	v.SetDefault("scheduler.purge_deletions", "0 30 3 * * *")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Telemetry.Metrics.Enabled && (c.Telemetry.Metrics.PrometheusPort < 1 || c.Telemetry.Metrics.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.metrics.prometheus_port: %d", c.Telemetry.Metrics.PrometheusPort)
	}

	// Validate audit shippers
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.MinSeverity {
		case "", "info", "warning", "critical":
		default:
			return fmt.Errorf("invalid audit.shippers[%d].min_severity: %s (must be info, warning, or critical)", i, s.MinSeverity)
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d].webhook.url is required for webhook shipper", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d].file.path is required for file shipper", i)
			}
		default:
			return fmt.Errorf("invalid audit.shippers[%d].type: %s (must be webhook or file)", i, s.Type)
		}
	}

	// Validate notification provider
	switch c.Notifications.Provider {
	case "log":
	case "smtp":
		if c.Notifications.SMTP.Host == "" {
			return fmt.Errorf("notifications.smtp.host is required when provider is smtp")
		}
		if c.Notifications.SMTP.From == "" {
			return fmt.Errorf("notifications.smtp.from is required when provider is smtp")
		}
	case "sendgrid":
		if c.Notifications.SendGrid.APIKey == "" {
			return fmt.Errorf("notifications.sendgrid.api_key is required when provider is sendgrid")
		}
		if c.Notifications.SendGrid.FromEmail == "" {
			return fmt.Errorf("notifications.sendgrid.from_email is required when provider is sendgrid")
		}
	default:
		return fmt.Errorf("invalid notifications.provider: %s (must be smtp, sendgrid, or log)", c.Notifications.Provider)
	}

	// Validate governance constants
	g := c.Governance
	if g.RetentionDays < 1 {
		return fmt.Errorf("governance.retention_days must be at least 1")
	}
	if g.TransferTTLHours < 1 {
		return fmt.Errorf("governance.transfer_ttl_hours must be at least 1")
	}
	if g.InvitationTTLDays < 1 {
		return fmt.Errorf("governance.invitation_ttl_days must be at least 1")
	}
	if g.ResendLimitPerHour < 1 {
		return fmt.Errorf("governance.resend_limit_per_hour must be at least 1")
	}
	if g.ProgressTTL <= 0 || g.RollbackTTL <= 0 {
		return fmt.Errorf("governance.progress_ttl and governance.rollback_ttl must be positive")
	}
	if _, err := g.Location(); err != nil {
		return fmt.Errorf("invalid governance.timezone %q: %w", g.Timezone, err)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
