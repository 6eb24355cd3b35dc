// Package main is the entry point for the orggov maintenance binary. It dispatches four
// subcommands via a switch on os.Args:
//
//	orggov serve              run the in-process scheduler and the ops listener (default)
//	orggov sweep [job...]     run maintenance jobs once and exit, for external cron triggers
//	orggov migrate <up|down>  apply or revert the governance schema
//	orggov version
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tenderdesk/orggov/internal/config"
	"github.com/tenderdesk/orggov/internal/db"
	"github.com/tenderdesk/orggov/internal/jobs"
	"github.com/tenderdesk/orggov/internal/middleware"
	"github.com/tenderdesk/orggov/internal/scheduler"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("orggov v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "sweep":
		return sweep(cfg, os.Args[2:])
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, sweep, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	telemetry.StartDBStatsCollector(app.db)

	sched, err := scheduler.New(app.maintenance, cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	for _, name := range sched.Jobs() {
		next, _ := sched.Next(name)
		slog.Info("scheduled maintenance job", "job", name, "next_run", next)
	}

	var srv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      opsRouter(app),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting ops server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	sched.Stop()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("ops server forced to shutdown", "error", err)
		}
	}
	return nil
}

// opsRouter serves /metrics and /healthz on the side-channel port.
func opsRouter(a *app) http.Handler {
	if gin.IsDebugging() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		if err := a.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	return r
}

func sweep(cfg *config.Config, names []string) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(names) == 0 {
		results, err := app.maintenance.RunAll(ctx)
		for _, r := range results {
			fmt.Printf("%-22s items=%d duration=%s\n", r.Job, r.Items, r.Duration.Round(time.Millisecond))
		}
		return err
	}

	var errs []error
	for _, name := range names {
		r := app.maintenance.Run(ctx, name)
		if r.Err != nil && !errors.Is(r.Err, jobs.ErrAlreadyRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", name, r.Err))
			continue
		}
		fmt.Printf("%-22s items=%d duration=%s\n", r.Job, r.Items, r.Duration.Round(time.Millisecond))
	}
	return errors.Join(errs...)
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
		return nil
	}
	slog.Info("migrations complete", "direction", direction, "version", v, "dirty", dirty)
	return nil
}
