// maintenance.go implements the maintenance jobs an external cron trigger (or the in-process
// scheduler) runs periodically: expiring stale invitations and ownership transfers, and purging
// organizations whose retention window has ended. Expiry is also applied lazily on read, so
// the sweeps only tidy up rows nobody has looked at. A job that is still running when it is
// triggered again is skipped rather than run twice.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenderdesk/orggov/internal/telemetry"
)

// Job names, used in logs, metrics and on the command line.
const (
	JobExpireInvitations  = "expire_invitations"
	JobExpireTransfers    = "expire_transfers"
	JobPurgeOrganizations = "purge_organizations"
)

// ErrUnknownJob is returned by Run for a name that is not registered.
var ErrUnknownJob = errors.New("unknown maintenance job")

// ErrAlreadyRunning is returned by Run when the previous run of the job has not finished.
var ErrAlreadyRunning = errors.New("maintenance job already running")

// InvitationExpirer is implemented by membership.Service.
type InvitationExpirer interface {
	ExpireInvitations(ctx context.Context) (int, error)
}

// TransferExpirer is implemented by transfer.Service.
type TransferExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Purger is implemented by lifecycle.Service.
type Purger interface {
	PurgeDue(ctx context.Context) (int, error)
}

// Job is one named maintenance task returning the number of rows it changed.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Result is the outcome of one job run.
type Result struct {
	Job      string        `json:"job"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Maintenance runs the registered jobs.
type Maintenance struct {
	jobs    []Job
	mu      sync.Mutex
	running map[string]bool
}

// NewMaintenance registers the standard jobs in the order RunAll executes them.
func NewMaintenance(invitations InvitationExpirer, transfers TransferExpirer, purger Purger) *Maintenance {
	return NewMaintenanceWithJobs(
		Job{Name: JobExpireInvitations, Run: invitations.ExpireInvitations},
		Job{Name: JobExpireTransfers, Run: transfers.ExpireStale},
		Job{Name: JobPurgeOrganizations, Run: purger.PurgeDue},
	)
}

// NewMaintenanceWithJobs registers an explicit job list.
func NewMaintenanceWithJobs(jobs ...Job) *Maintenance {
	return &Maintenance{jobs: jobs, running: make(map[string]bool)}
}

// Names returns the registered job names in execution order.
func (m *Maintenance) Names() []string {
	names := make([]string, len(m.jobs))
	for i, j := range m.jobs {
		names[i] = j.Name
	}
	return names
}

// Run executes the named job once.
func (m *Maintenance) Run(ctx context.Context, name string) Result {
	for _, j := range m.jobs {
		if j.Name == name {
			return m.run(ctx, j)
		}
	}
	return Result{Job: name, Err: fmt.Errorf("%w: %s", ErrUnknownJob, name)}
}

// RunAll executes every job in order. A failing job does not stop the others; the returned
// error joins every failure.
func (m *Maintenance) RunAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(m.jobs))
	var errs []error
	for _, j := range m.jobs {
		r := m.run(ctx, j)
		results = append(results, r)
		if r.Err != nil && !errors.Is(r.Err, ErrAlreadyRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (m *Maintenance) run(ctx context.Context, j Job) Result {
	if !m.acquire(j.Name) {
		slog.Warn("skipping maintenance job, previous run still in progress", "job", j.Name)
		return Result{Job: j.Name, Skipped: true, Err: ErrAlreadyRunning}
	}
	defer m.release(j.Name)

	start := time.Now()
	n, err := j.Run(ctx)
	telemetry.ObserveJob(j.Name, start, n, err)

	r := Result{Job: j.Name, Items: n, Duration: time.Since(start), Err: err}
	if err != nil {
		slog.Error("maintenance job failed", "job", j.Name, "items", n, "duration", r.Duration, "error", err)
	} else {
		slog.Info("maintenance job completed", "job", j.Name, "items", n, "duration", r.Duration)
	}
	return r
}

func (m *Maintenance) acquire(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[name] {
		return false
	}
	m.running[name] = true
	return true
}

func (m *Maintenance) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, name)
}
