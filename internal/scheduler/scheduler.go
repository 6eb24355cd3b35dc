// Package scheduler runs the maintenance jobs in-process on cron schedules, for deployments
// without an external cron trigger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tenderdesk/orggov/internal/config"
	"github.com/tenderdesk/orggov/internal/jobs"
)

// Runner is implemented by jobs.Maintenance.
type Runner interface {
	Run(ctx context.Context, name string) jobs.Result
}

// Scheduler manages cron job scheduling
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// New creates a scheduler for the jobs whose spec in cfg is non-empty. Specs carry a leading
// seconds field and are evaluated in UTC.
func New(runner Runner, cfg config.SchedulerConfig) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(slogLogger{})),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		runner:  runner,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}

	specs := []struct{ job, spec string }{
		{jobs.JobExpireInvitations, cfg.ExpireInvitations},
		{jobs.JobExpireTransfers, cfg.ExpireTransfers},
		{jobs.JobPurgeOrganizations, cfg.PurgeDeletions},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			slog.Info("scheduled job disabled", "job", sp.job)
			continue
		}
		job := sp.job
		id, err := c.AddFunc(sp.spec, func() { s.runner.Run(s.ctx, job) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register job %s with spec %q: %w", job, sp.spec, err)
		}
		s.entries[job] = id
	}
	return s, nil
}

// Start begins the cron scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("cron scheduler started", "jobs", len(s.entries))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("cron scheduler stopped")
}

// Next returns the next activation time of job, or false when it is not scheduled.
func (s *Scheduler) Next(job string) (time.Time, bool) {
	id, ok := s.entries[job]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
