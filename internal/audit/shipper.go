// shipper.go forwards persisted audit entries to external destinations (a SIEM webhook or an
// append-only JSON-lines file). Shipping is best effort: the database row is the record of
// truth, and a shipper failure is logged and counted but never surfaces to the governance
// operation. Each destination may ask only for entries at or above a minimum severity.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/safego"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// LogEntry is the wire form of an audit entry sent to shippers.
type LogEntry struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Action         string                 `json:"action"`
	Severity       string                 `json:"severity"`
	UserID         string                 `json:"user_id,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

func newLogEntry(l *models.AuditLog) *LogEntry {
	return &LogEntry{
		ID:             l.ID,
		Timestamp:      l.CreatedAt,
		Action:         l.Action,
		Severity:       string(l.Severity),
		UserID:         l.UserID,
		OrganizationID: l.OrganizationID,
		ResourceType:   l.ResourceType,
		ResourceID:     l.ResourceID,
		IPAddress:      l.IPAddress,
		UserAgent:      l.UserAgent,
		Details:        l.Details,
	}
}

// Shipper delivers audit entries to one destination.
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes buffered entries and releases resources
	Close() error
}

// ShipperConfig holds configuration for one audit log shipper
type ShipperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // webhook, file
	// MinSeverity drops entries below info, warning or critical. Empty ships everything.
	MinSeverity string         `mapstructure:"min_severity"`
	Webhook     *WebhookConfig `mapstructure:"webhook"`
	File        *FileConfig    `mapstructure:"file"`
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	// BatchSize is how many entries to batch before sending (0 = no batching)
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

var severityRank = map[string]int{
	string(models.SeverityInfo):     0,
	string(models.SeverityWarning):  1,
	string(models.SeverityCritical): 2,
}

// destination is one configured shipper with its severity floor.
type destination struct {
	kind    string
	minRank int
	Shipper
}

func (d destination) accepts(e *LogEntry) bool {
	return severityRank[e.Severity] >= d.minRank
}

// MultiShipper fans an entry out to every configured destination
type MultiShipper struct {
	mu   sync.RWMutex
	dest []destination
}

// NewMultiShipper builds a MultiShipper from configs, skipping disabled entries.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for i, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		d, err := newDestination(cfg)
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("audit shipper %d: %w", i, err)
		}
		ms.dest = append(ms.dest, d)
	}
	return ms, nil
}

func newDestination(cfg ShipperConfig) (destination, error) {
	d := destination{kind: cfg.Type}
	if cfg.MinSeverity != "" {
		rank, ok := severityRank[cfg.MinSeverity]
		if !ok {
			return d, fmt.Errorf("unknown min_severity %q", cfg.MinSeverity)
		}
		d.minRank = rank
	}

	var err error
	switch cfg.Type {
	case "webhook":
		if cfg.Webhook == nil {
			return d, errors.New("webhook config is required for webhook shipper")
		}
		d.Shipper, err = NewWebhookShipper(cfg.Webhook)
	case "file":
		if cfg.File == nil {
			return d, errors.New("file config is required for file shipper")
		}
		d.Shipper, err = NewFileShipper(cfg.File)
	default:
		return d, fmt.Errorf("unknown shipper type: %s", cfg.Type)
	}
	if err != nil {
		return d, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
	}
	return d, nil
}

// Len returns the number of active destinations.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.dest)
}

// Ship sends entry to every destination that accepts its severity and joins their errors.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, d := range ms.dest {
		if !d.accepts(entry) {
			continue
		}
		if err := d.Ship(ctx, entry); err != nil {
			telemetry.AuditShipFailuresTotal.WithLabelValues(d.kind).Inc()
			slog.Warn("audit shipper error", "destination", d.kind, "action", entry.Action, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every destination.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, d := range ms.dest {
		errs = append(errs, d.Close())
	}
	ms.dest = nil
	return errors.Join(errs...)
}

// WebhookShipper posts audit entries as JSON to an HTTP endpoint. With batching enabled a
// single goroutine owns the pending batch.
type WebhookShipper struct {
	cfg     WebhookConfig
	client  *http.Client
	queue   chan *LogEntry
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewWebhookShipper creates a webhook shipper. With BatchSize > 0 entries are queued and
// posted as a JSON array when the batch fills, on every FlushInterval, and on Close.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     c,
		client:  &http.Client{Timeout: c.Timeout},
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.BatchSize > 0 {
		ws.queue = make(chan *LogEntry, 1000)
		safego.Go("audit-webhook-batcher", ws.batchLoop)
	} else {
		close(ws.stopped)
	}
	return ws, nil
}

func (ws *WebhookShipper) batchLoop() {
	defer close(ws.stopped)

	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, ws.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
		defer cancel()
		if err := ws.post(ctx, batch); err != nil {
			telemetry.AuditShipFailuresTotal.WithLabelValues("webhook").Add(float64(len(batch)))
			slog.Error("failed to send audit batch", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ws.queue:
			batch = append(batch, e)
			if len(batch) >= ws.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ws.stop:
			for {
				select {
				case e := <-ws.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Ship posts entry immediately, or queues it when batching is enabled. A full queue falls
// back to a direct post.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.queue != nil {
		select {
		case ws.queue <- entry:
			return nil
		default:
		}
	}
	return ws.post(ctx, entry)
}

// post sends payload (one entry or a batch) as JSON.
func (ws *WebhookShipper) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the batcher after flushing queued entries. It is safe to call more than once.
func (ws *WebhookShipper) Close() error {
	ws.once.Do(func() { close(ws.stop) })
	<-ws.stopped
	return nil
}

// FileShipper appends audit entries to a JSON-lines file. When MaxSizeMB is set the file is
// rotated to path.1 .. path.MaxBackups once it grows past the limit.
type FileShipper struct {
	cfg   FileConfig
	mu    sync.Mutex
	file  *os.File
	size  int64
	limit int64
}

// NewFileShipper opens (or creates) the audit file for appending.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	fs := &FileShipper{cfg: *cfg, limit: int64(cfg.MaxSizeMB) << 20}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileShipper) open() error {
	f, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	fs.file, fs.size = f, info.Size()
	return nil
}

// Ship writes entry as one line.
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.limit > 0 && fs.size > fs.limit {
		if err := fs.rotate(); err != nil {
			slog.Error("failed to rotate audit log file", "path", fs.cfg.Path, "error", err)
		}
	}
	n, err := fs.file.Write(line)
	fs.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts every backup up by one, moves the live file to path.1 and reopens path.
// Backups beyond MaxBackups are removed.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	backup := func(n int) string { return fmt.Sprintf("%s.%d", fs.cfg.Path, n) }

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(backup(fs.cfg.MaxBackups))
	}
	for n := fs.cfg.MaxBackups - 1; n >= 1; n-- {
		_ = os.Rename(backup(n), backup(n+1))
	}
	_ = os.Rename(fs.cfg.Path, backup(1))
	return fs.open()
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
