package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/reqctx"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/store/memstore"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

var fixedNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type failingWriter struct {
	store.AuditStore
}

func (failingWriter) CreateAuditLog(context.Context, *models.AuditLog) error {
	return errors.New("disk full")
}

type panickingWriter struct {
	store.AuditStore
}

func (panickingWriter) CreateAuditLog(context.Context, *models.AuditLog) error {
	panic("nil connection pool")
}

type recordingShipper struct {
	entries chan *LogEntry
	err     error
}

func (r *recordingShipper) Ship(_ context.Context, e *LogEntry) error {
	r.entries <- e
	return r.err
}

func (r *recordingShipper) Close() error { return nil }

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewLogger(ms, opts...), ms
}

// ---------------------------------------------------------------------------
// Action
// ---------------------------------------------------------------------------

func TestAction_Valid(t *testing.T) {
	for a := range knownActions {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, Action("member.deleted").Valid())
	assert.False(t, Action("").Valid())
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

func TestLog_PersistsWithRequestMetadata(t *testing.T) {
	l, ms := newTestLogger(t)
	ctx := reqctx.WithMetadata(context.Background(), reqctx.Metadata{IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0"})

	l.Log(ctx, Entry{
		OrganizationID: "org-1",
		UserID:         "u-1",
		Action:         ActionMemberInvited,
		ResourceType:   ResourceInvitation,
		ResourceID:     "inv-1",
	})

	logs := ms.AuditLogs()
	require.Len(t, logs, 1)
	got := logs[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "member.invited", got.Action)
	assert.Equal(t, models.SeverityInfo, got.Severity)
	assert.Equal(t, "203.0.113.9", got.IPAddress)
	assert.Equal(t, "Mozilla/5.0", got.UserAgent)
	assert.Equal(t, fixedNow, got.CreatedAt)
}

func TestLog_DefaultsMetadataToUnknown(t *testing.T) {
	l, ms := newTestLogger(t)
	l.Log(context.Background(), Entry{Action: ActionOrganizationPurged, UserID: SystemActor})

	logs := ms.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, reqctx.Unknown, logs[0].IPAddress)
	assert.Equal(t, reqctx.Unknown, logs[0].UserAgent)
}

func TestLog_RejectsUnknownAction(t *testing.T) {
	l, ms := newTestLogger(t)
	before := testutil.ToFloat64(telemetry.AuditWriteFailuresTotal.WithLabelValues("invalid"))

	l.Log(context.Background(), Entry{Action: "member.vanished"})

	assert.Empty(t, ms.AuditLogs())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.AuditWriteFailuresTotal.WithLabelValues("invalid")))
}

func TestLog_WriteFailureIsSwallowedAndCounted(t *testing.T) {
	l := NewLogger(failingWriter{})
	before := testutil.ToFloat64(telemetry.AuditWriteFailuresTotal.WithLabelValues(string(ActionMemberRemoved)))

	assert.NotPanics(t, func() {
		l.LogMemberRemoved(context.Background(), &models.Member{ID: "m-1", OrganizationID: "org-1", UserID: "u-2"}, "u-1", "")
	})

	after := testutil.ToFloat64(telemetry.AuditWriteFailuresTotal.WithLabelValues(string(ActionMemberRemoved)))
	assert.Equal(t, before+1, after)
}

func TestLog_WriterPanicIsRecoveredAndCounted(t *testing.T) {
	l := NewLogger(panickingWriter{})
	counter := telemetry.AuditWriteFailuresTotal.WithLabelValues(string(ActionOrganizationRestored))
	before := testutil.ToFloat64(counter)

	assert.NotPanics(t, func() {
		l.LogOrganizationRestored(context.Background(), &models.Organization{ID: "org-1", Name: "Acme"}, "u-owner", "")
	})
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestLog_NilLoggerDiscards(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Log(context.Background(), Entry{Action: ActionRoleUpdated})
	})
}

func TestLog_ShipsPersistedEntry(t *testing.T) {
	rs := &recordingShipper{entries: make(chan *LogEntry, 1), err: errors.New("siem down")}
	l, ms := newTestLogger(t, WithShipper(rs))

	done := make(chan error, 1)
	l.shipped = func(_ *LogEntry, err error) { done <- err }

	l.LogTransferInitiated(context.Background(), &models.OwnershipTransfer{
		ID: "tr-1", OrganizationID: "org-1", FromUserID: "u-owner", ToUserID: "u-admin",
	})

	select {
	case e := <-rs.entries:
		assert.Equal(t, "transfer.initiated", e.Action)
		assert.Equal(t, "warning", e.Severity)
		assert.Equal(t, ms.AuditLogs()[0].ID, e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("entry was not shipped")
	}
	select {
	case err := <-done:
		assert.Error(t, err, "ship error is reported to the hook only")
	case <-time.After(2 * time.Second):
		t.Fatal("ship hook not called")
	}
}

func TestLog_DoesNotShipFailedWrites(t *testing.T) {
	rs := &recordingShipper{entries: make(chan *LogEntry, 1)}
	l := NewLogger(failingWriter{}, WithShipper(rs))

	l.Log(context.Background(), Entry{Action: ActionDataExported})

	select {
	case <-rs.entries:
		t.Fatal("failed write must not be shipped")
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Typed helpers
// ---------------------------------------------------------------------------

func TestHelpers_SeverityAndShape(t *testing.T) {
	l, ms := newTestLogger(t)
	ctx := context.Background()
	member := &models.Member{ID: "m-1", OrganizationID: "org-1", UserID: "u-2", Role: models.RoleManager}
	inv := &models.Invitation{ID: "inv-1", OrganizationID: "org-1", Email: "new@acme.test", Role: models.RoleMember}
	tr := &models.OwnershipTransfer{ID: "tr-1", OrganizationID: "org-1", FromUserID: "u-owner", ToUserID: "u-admin",
		Metadata: models.TransferMetadata{Reason: "retiring"}}
	org := &models.Organization{ID: "org-1", Name: "Acme"}
	session := &models.SessionTracking{SessionID: "s-1", UserID: "u-2", IPAddress: "10.0.0.1"}

	l.LogRoleUpdated(ctx, member, "u-owner", models.RoleMember, models.RoleManager, "promotion")
	l.LogMemberRemoved(ctx, member, "u-owner", "left company")
	l.LogMemberRestored(ctx, member, "u-owner")
	l.LogMemberInvited(ctx, inv, "u-owner")
	l.LogBulkOperation(ctx, "org-1", "u-owner", BulkSummary{OperationID: "op-1", Operation: "update_roles", Total: 3, Processed: 2, Failed: 1})
	l.LogBulkRollback(ctx, "org-1", "u-owner", BulkSummary{OperationID: "op-1", Operation: "rollback", Total: 2, Processed: 2})
	l.LogInvitationAccepted(ctx, inv, "u-3", "m-3")
	l.LogInvitationCancelled(ctx, inv, "u-owner", "")
	l.LogInvitationResent(ctx, inv, "u-owner")
	l.LogTransferInitiated(ctx, tr)
	l.LogTransferAccepted(ctx, tr)
	l.LogTransferCancelled(ctx, tr, "u-owner", "changed mind")
	l.LogTransferExpired(ctx, tr, "")
	l.LogTransferInconsistent(ctx, tr, "compensate", errors.New("connection reset"))
	l.LogOrganizationSoftDeleted(ctx, org, "u-owner", "closing", fixedNow.Add(30*24*time.Hour))
	l.LogOrganizationRestored(ctx, org, "u-owner", "reopening")
	l.LogOrganizationPermanentlyDeleted(ctx, org, "u-owner", "legal request")
	l.LogOrganizationPurged(ctx, org, &models.ScheduledDeletion{RequestedBy: "u-owner", ScheduledFor: fixedNow})
	l.LogDataExported(ctx, "org-1", "u-owner", "csv", 120)
	l.LogSuspiciousActivity(ctx, session, "org-1", []string{"multiple_ips"}, map[string]interface{}{"distinct_ips": 4})

	logs := ms.AuditLogs()
	require.Len(t, logs, len(knownActions), "one entry per action")

	seen := map[string]models.AuditLog{}
	for _, e := range logs {
		assert.True(t, Action(e.Action).Valid(), e.Action)
		seen[e.Action] = e
	}
	assert.Len(t, seen, len(knownActions), "every action exercised exactly once")

	want := map[Action]models.AuditSeverity{
		ActionRoleUpdated:                    models.SeverityInfo,
		ActionMemberRemoved:                  models.SeverityWarning,
		ActionMemberRestored:                 models.SeverityInfo,
		ActionBulkOperation:                  models.SeverityWarning,
		ActionTransferInitiated:              models.SeverityWarning,
		ActionTransferInconsistent:           models.SeverityCritical,
		ActionOrganizationSoftDeleted:        models.SeverityWarning,
		ActionOrganizationRestored:           models.SeverityInfo,
		ActionOrganizationPermanentlyDeleted: models.SeverityCritical,
		ActionOrganizationPurged:             models.SeverityCritical,
		ActionSuspiciousActivity:             models.SeverityCritical,
	}
	for action, sev := range want {
		assert.Equal(t, sev, seen[string(action)].Severity, action)
	}

	restored := seen[string(ActionMemberRestored)]
	assert.Equal(t, "u-2", restored.Details["target_user_id"])
	assert.Equal(t, "manager", restored.Details["role"])

	role := seen[string(ActionRoleUpdated)]
	assert.Equal(t, "member", role.Details["previous_role"])
	assert.Equal(t, "manager", role.Details["new_role"])
	assert.Equal(t, "promotion", role.Details["reason"])

	assert.Equal(t, SystemActor, seen[string(ActionTransferExpired)].UserID)
	assert.Equal(t, SystemActor, seen[string(ActionOrganizationPurged)].UserID)
	assert.Equal(t, "connection reset", seen[string(ActionTransferInconsistent)].Details["error"])
	assert.Equal(t, 4, seen[string(ActionSuspiciousActivity)].Details["distinct_ips"])
	assert.Equal(t, "u-2", seen[string(ActionSuspiciousActivity)].UserID)
}

// ---------------------------------------------------------------------------
// Query
// ---------------------------------------------------------------------------

func TestQuery_FiltersAndClampsLimit(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Log(ctx, Entry{OrganizationID: "org-1", UserID: "u-1", Action: ActionMemberInvited})
	}
	l.Log(ctx, Entry{OrganizationID: "org-2", UserID: "u-1", Action: ActionMemberInvited})

	org := "org-1"
	logs, total, err := l.Query(ctx, store.AuditFilter{OrganizationID: &org}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, logs, 3)

	logs, total, err = l.Query(ctx, store.AuditFilter{}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, logs, 1)
}

func TestQuery_RejectsInvertedRange(t *testing.T) {
	l, _ := newTestLogger(t)
	start := fixedNow
	end := fixedNow.Add(-time.Hour)

	_, _, err := l.Query(context.Background(), store.AuditFilter{StartDate: &start, EndDate: &end}, 10, 0)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}
