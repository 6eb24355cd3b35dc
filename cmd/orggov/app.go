package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/config"
	"github.com/tenderdesk/orggov/internal/db"
	"github.com/tenderdesk/orggov/internal/db/repositories"
	"github.com/tenderdesk/orggov/internal/jobs"
	"github.com/tenderdesk/orggov/internal/lifecycle"
	"github.com/tenderdesk/orggov/internal/membership"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/ratelimit"
	"github.com/tenderdesk/orggov/internal/revalidate"
	"github.com/tenderdesk/orggov/internal/transfer"
)

// app holds the wired governance services for one process.
type app struct {
	db      *sqlx.DB
	rdb     *redis.Client
	shipper *audit.MultiShipper

	membership  *membership.Service
	transfers   *transfer.Service
	lifecycle   *lifecycle.Service
	maintenance *jobs.Maintenance
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &app{db: database}

	shipper, err := audit.NewMultiShipper(shipperConfigs(cfg.Audit.Shippers))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create audit shippers: %w", err)
	}
	a.shipper = shipper

	notifier, err := notify.New(&cfg.Notifications)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	st := repositories.NewStore(database)
	var auditOpts []audit.Option
	if shipper.Len() > 0 {
		auditOpts = append(auditOpts, audit.WithShipper(shipper))
	}
	auditLog := audit.NewLogger(st, auditOpts...)

	gov := cfg.Governance

	var hook revalidate.Hook = revalidate.Noop{}
	memberOpts := []membership.Option{membership.WithNotifier(notifier)}
	resendRate := ratelimit.PerHour(gov.ResendLimitPerHour)

	if cfg.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		prefix := cfg.Redis.KeyPrefix
		hook = revalidate.NewRedisPublisher(a.rdb, cfg.Redis.RevalidationChannel)
		memberOpts = append(memberOpts,
			membership.WithProgressStore(membership.NewRedisProgressStore(a.rdb, prefix, gov.ProgressTTL)),
			membership.WithRollbackStore(membership.NewRedisRollbackStore(a.rdb, prefix, gov.RollbackTTL)),
			membership.WithResendLimiter(ratelimit.NewRedisLimiter(a.rdb, prefix+"resend:", resendRate)),
		)
	} else {
		slog.Warn("redis not configured; bulk progress, rollback tokens and resend limits are process-local")
		memberOpts = append(memberOpts,
			membership.WithProgressStore(membership.NewMemoryProgressStore(gov.ProgressTTL)),
			membership.WithRollbackStore(membership.NewMemoryRollbackStore(gov.RollbackTTL)),
			membership.WithResendLimiter(ratelimit.NewMemoryLimiter(resendRate)),
		)
	}
	memberOpts = append(memberOpts, membership.WithRevalidationHook(hook))

	appURL := cfg.Notifications.AppURL
	a.membership = membership.NewService(st, auditLog,
		membership.Config{InvitationTTL: gov.InvitationTTL(), AppURL: appURL}, memberOpts...)
	a.transfers = transfer.NewService(st, auditLog,
		transfer.Config{TTL: gov.TransferTTL(), AppURL: appURL},
		transfer.WithNotifier(notifier), transfer.WithRevalidationHook(hook))
	a.lifecycle = lifecycle.NewService(st, auditLog,
		lifecycle.Config{Retention: gov.Retention()},
		lifecycle.WithRevalidationHook(hook))
	a.maintenance = jobs.NewMaintenance(a.membership, a.transfers, a.lifecycle)

	return a, nil
}

// shipperConfigs converts the file-level shipper settings to audit.ShipperConfig.
func shipperConfigs(in []config.AuditShipperConfig) []audit.ShipperConfig {
	out := make([]audit.ShipperConfig, 0, len(in))
	for _, c := range in {
		sc := audit.ShipperConfig{Enabled: c.Enabled, Type: c.Type, MinSeverity: c.MinSeverity}
		if c.Webhook != nil {
			sc.Webhook = &audit.WebhookConfig{
				URL:           c.Webhook.URL,
				Headers:       c.Webhook.Headers,
				Timeout:       time.Duration(c.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     c.Webhook.BatchSize,
				FlushInterval: time.Duration(c.Webhook.FlushInterval) * time.Second,
			}
		}
		if c.File != nil {
			sc.File = &audit.FileConfig{
				Path:       c.File.Path,
				MaxSizeMB:  c.File.MaxSizeMB,
				MaxBackups: c.File.MaxBackups,
			}
		}
		out = append(out, sc)
	}
	return out
}

// Ping checks the database and, when configured, Redis.
func (a *app) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close flushes audit shippers and releases connections.
func (a *app) Close() {
	var errs []error
	if a.shipper != nil {
		errs = append(errs, a.shipper.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}
}
