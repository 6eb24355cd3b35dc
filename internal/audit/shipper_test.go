package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tenderdesk/orggov/internal/audit"
)

func sampleEntry(action string) *audit.LogEntry {
	return &audit.LogEntry{
		ID:             "log-1",
		Timestamp:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Action:         action,
		Severity:       "warning",
		UserID:         "u-owner",
		OrganizationID: "org-1",
		ResourceType:   "ownership_transfer",
		ResourceID:     "tr-1",
	}
}

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

func TestNewMultiShipper_EmptyAndDisabled(t *testing.T) {
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: false, Type: "webhook", Webhook: &audit.WebhookConfig{URL: "http://example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), sampleEntry("transfer.initiated")); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestNewMultiShipper_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  audit.ShipperConfig
	}{
		{"unknown type", audit.ShipperConfig{Enabled: true, Type: "syslog"}},
		{"webhook without config", audit.ShipperConfig{Enabled: true, Type: "webhook"}},
		{"webhook without url", audit.ShipperConfig{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{}}},
		{"file without config", audit.ShipperConfig{Enabled: true, Type: "file"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := audit.NewMultiShipper([]audit.ShipperConfig{tc.cfg}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	var delivered atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
	}))
	defer healthy.Close()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{URL: failing.URL, Timeout: time.Second}},
		{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{URL: healthy.URL, Timeout: time.Second}},
		{Enabled: true, Type: "file", File: &audit.FileConfig{Path: path}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	if ms.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ms.Len())
	}

	if err := ms.Ship(context.Background(), sampleEntry("transfer.accepted")); err == nil {
		t.Error("Ship() = nil, want error from failing webhook")
	}
	ms.Close()

	if delivered.Load() != 1 {
		t.Errorf("healthy webhook received %d calls, want 1", delivered.Load())
	}
	data, _ := os.ReadFile(path)
	if !bytes.Contains(data, []byte(`"transfer.accepted"`)) {
		t.Errorf("file shipper did not receive entry: %s", data)
	}
}

func TestMultiShipper_MinSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical.jsonl")
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "file", MinSeverity: "critical", File: &audit.FileConfig{Path: path}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}

	warning := sampleEntry("transfer.initiated")
	critical := sampleEntry("organization.permanently_deleted")
	critical.Severity = "critical"
	for _, e := range []*audit.LogEntry{warning, critical} {
		if err := ms.Ship(context.Background(), e); err != nil {
			t.Fatalf("Ship(): %v", err)
		}
	}
	ms.Close()

	data, _ := os.ReadFile(path)
	if bytes.Contains(data, []byte(`"transfer.initiated"`)) {
		t.Error("warning entry shipped to a critical-only destination")
	}
	if !bytes.Contains(data, []byte(`"organization.permanently_deleted"`)) {
		t.Errorf("critical entry missing: %s", data)
	}
}

func TestNewMultiShipper_UnknownMinSeverity(t *testing.T) {
	_, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "file", MinSeverity: "urgent", File: &audit.FileConfig{Path: filepath.Join(t.TempDir(), "a.jsonl")}},
	})
	if err == nil {
		t.Error("expected error for unknown min_severity")
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_PostsJSON(t *testing.T) {
	var body []byte
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer siem"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer ws.Close()

	if err := ws.Ship(context.Background(), sampleEntry("organization.soft_deleted")); err != nil {
		t.Fatalf("Ship(): %v", err)
	}

	var got audit.LogEntry
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Action != "organization.soft_deleted" || got.OrganizationID != "org-1" || got.Severity != "warning" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if auth != "Bearer siem" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	defer ws.Close()

	if err := ws.Ship(context.Background(), sampleEntry("member.removed")); err == nil {
		t.Error("Ship() = nil, want error for 500 response")
	}
}

func TestWebhookShipper_CloseTwice(t *testing.T) {
	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{URL: "http://localhost:0", BatchSize: 10})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	ws.Close()
}

func countingServer(t *testing.T) (*httptest.Server, chan []audit.LogEntry) {
	t.Helper()
	batches := make(chan []audit.LogEntry, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []audit.LogEntry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("batch is not a JSON array: %v", err)
		}
		batches <- batch
	}))
	t.Cleanup(srv.Close)
	return srv, batches
}

func waitBatch(t *testing.T, batches chan []audit.LogEntry) []audit.LogEntry {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestWebhookShipper_FlushesFullBatch(t *testing.T) {
	srv, batches := countingServer(t)
	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, BatchSize: 2, FlushInterval: time.Minute})
	defer ws.Close()

	ws.Ship(context.Background(), sampleEntry("member.invited"))
	ws.Ship(context.Background(), sampleEntry("member.invited"))

	if b := waitBatch(t, batches); len(b) != 2 {
		t.Errorf("batch size = %d, want 2", len(b))
	}
}

func TestWebhookShipper_FlushesOnInterval(t *testing.T) {
	srv, batches := countingServer(t)
	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, BatchSize: 100, FlushInterval: 50 * time.Millisecond})
	defer ws.Close()

	ws.Ship(context.Background(), sampleEntry("session.suspicious_activity"))

	if b := waitBatch(t, batches); len(b) != 1 {
		t.Errorf("batch size = %d, want 1", len(b))
	}
}

func TestWebhookShipper_FlushesQueuedEntriesOnClose(t *testing.T) {
	srv, batches := countingServer(t)
	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, BatchSize: 100, FlushInterval: time.Minute})

	for i := 0; i < 3; i++ {
		ws.Ship(context.Background(), sampleEntry("bulk.operation"))
	}
	ws.Close()

	if b := waitBatch(t, batches); len(b) != 3 {
		t.Errorf("batch size = %d, want 3", len(b))
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func TestFileShipper_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	for i := 0; i < 4; i++ {
		e := sampleEntry("member.role_updated")
		e.ResourceID = "m-" + strconv.Itoa(i)
		if err := fs.Ship(context.Background(), e); err != nil {
			t.Fatalf("Ship(): %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Errorf("Close(): %v", err)
	}

	f, _ := os.Open(path)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		var e audit.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if e.ResourceID != "m-"+strconv.Itoa(lines) {
			t.Errorf("line %d ResourceID = %q", lines, e.ResourceID)
		}
		lines++
	}
	if lines != 4 {
		t.Errorf("file has %d lines, want 4", lines)
	}
}

func TestNewFileShipper_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodir", "audit.jsonl")
	if _, err := audit.NewFileShipper(&audit.FileConfig{Path: path}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestFileShipper_RotatesWhenOversized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, make([]byte, 1024*1024+1), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), sampleEntry("organization.purged")); err != nil {
		t.Fatalf("Ship(): %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("live file missing after rotation: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("live file size = %d, expected only the new entry", info.Size())
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("backup .1 missing after rotation: %v", err)
	}
}
