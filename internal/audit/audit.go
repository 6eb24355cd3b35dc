// Package audit records privileged governance actions. Audit entries are kept apart from
// application logs: they are append-only rows in audit_logs, optionally mirrored to external
// destinations through a Shipper, and they outlive the organizations they describe.
//
// Writing an audit entry never fails the operation that produced it. A failed write is logged
// through slog and counted in orggov_audit_write_failures_total.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/reqctx"
	"github.com/tenderdesk/orggov/internal/safego"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// SystemActor is the user id recorded for entries produced by maintenance jobs.
const SystemActor = "system"

// Action is the closed set of audited actions.
type Action string

const (
	ActionRoleUpdated                    Action = "member.role_updated"
	ActionMemberRemoved                  Action = "member.removed"
	ActionMemberRestored                 Action = "member.restored"
	ActionMemberInvited                  Action = "member.invited"
	ActionBulkOperation                  Action = "bulk.operation"
	ActionBulkRollback                   Action = "bulk.rollback"
	ActionInvitationAccepted             Action = "invitation.accepted"
	ActionInvitationCancelled            Action = "invitation.cancelled"
	ActionInvitationResent               Action = "invitation.resent"
	ActionTransferInitiated              Action = "transfer.initiated"
	ActionTransferAccepted               Action = "transfer.accepted"
	ActionTransferCancelled              Action = "transfer.cancelled"
	ActionTransferExpired                Action = "transfer.expired"
	ActionTransferInconsistent           Action = "transfer.inconsistent_state"
	ActionOrganizationSoftDeleted        Action = "organization.soft_deleted"
	ActionOrganizationRestored           Action = "organization.restored"
	ActionOrganizationPermanentlyDeleted Action = "organization.permanently_deleted"
	ActionOrganizationPurged             Action = "organization.purged"
	ActionDataExported                   Action = "organization.data_exported"
	ActionSuspiciousActivity             Action = "session.suspicious_activity"
)

var knownActions = map[Action]struct{}{
	ActionRoleUpdated: {}, ActionMemberRemoved: {}, ActionMemberRestored: {}, ActionMemberInvited: {},
	ActionBulkOperation: {}, ActionBulkRollback: {},
	ActionInvitationAccepted: {}, ActionInvitationCancelled: {}, ActionInvitationResent: {},
	ActionTransferInitiated: {}, ActionTransferAccepted: {}, ActionTransferCancelled: {},
	ActionTransferExpired: {}, ActionTransferInconsistent: {},
	ActionOrganizationSoftDeleted: {}, ActionOrganizationRestored: {},
	ActionOrganizationPermanentlyDeleted: {}, ActionOrganizationPurged: {},
	ActionDataExported: {}, ActionSuspiciousActivity: {},
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Resource types recorded on entries.
const (
	ResourceMember        = "member"
	ResourceInvitation    = "invitation"
	ResourceTransfer      = "ownership_transfer"
	ResourceOrganization  = "organization"
	ResourceSession       = "session"
	ResourceBulkOperation = "bulk_operation"
)

// Entry is one audit record before persistence.
type Entry struct {
	OrganizationID string
	UserID         string
	Action         Action
	ResourceType   string
	ResourceID     string
	Details        map[string]interface{}
	Severity       models.AuditSeverity
}

// Logger persists entries and mirrors them to an optional Shipper.
type Logger struct {
	writer      store.AuditStore
	shipper     Shipper
	now         func() time.Time
	shipTimeout time.Duration
	// shipped is called after every ship attempt; tests use it to wait for the goroutine.
	shipped func(*LogEntry, error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithShipper mirrors every persisted entry to s.
func WithShipper(s Shipper) Option {
	return func(l *Logger) { l.shipper = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger writing to w.
func NewLogger(w store.AuditStore, opts ...Option) *Logger {
	l := &Logger{
		writer:      w,
		now:         func() time.Time { return time.Now().UTC() },
		shipTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log persists e. It never returns an error or panics; failures are logged and counted. A nil
// Logger discards entries.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.AuditWriteFailuresTotal.WithLabelValues(string(e.Action)).Inc()
			slog.Error("panic while writing audit log",
				"action", e.Action,
				"organization_id", e.OrganizationID,
				"resource_id", e.ResourceID,
				"panic", r)
		}
	}()
	if !e.Action.Valid() {
		slog.Error("refusing to write audit entry with unknown action", "action", e.Action)
		telemetry.AuditWriteFailuresTotal.WithLabelValues("invalid").Inc()
		return
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	md := reqctx.MetadataFrom(ctx)
	row := &models.AuditLog{
		ID:             uuid.New().String(),
		OrganizationID: e.OrganizationID,
		UserID:         e.UserID,
		Action:         string(e.Action),
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Details:        e.Details,
		Severity:       e.Severity,
		IPAddress:      md.IPAddress,
		UserAgent:      md.UserAgent,
		CreatedAt:      l.now(),
	}

	if err := l.writer.CreateAuditLog(ctx, row); err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues(string(e.Action)).Inc()
		slog.Error("failed to write audit log",
			"action", e.Action,
			"organization_id", e.OrganizationID,
			"user_id", e.UserID,
			"resource_id", e.ResourceID,
			"error", err)
		return
	}

	if e.Severity == models.SeverityCritical {
		slog.Warn("critical audit event", "action", e.Action, "organization_id", e.OrganizationID, "resource_id", e.ResourceID)
	}

	if l.shipper != nil {
		entry := newLogEntry(row)
		shipCtx := context.WithoutCancel(ctx)
		safego.Go("audit-ship", func() {
			ctx, cancel := context.WithTimeout(shipCtx, l.shipTimeout)
			defer cancel()
			err := l.shipper.Ship(ctx, entry)
			if err != nil {
				slog.Warn("failed to ship audit entry", "action", entry.Action, "id", entry.ID, "error", err)
			}
			if l.shipped != nil {
				l.shipped(entry, err)
			}
		})
	}
}

// Query returns audit entries matching f, newest first, with the total match count.
// limit is clamped to [1, 500] and defaults to 50.
func (l *Logger) Query(ctx context.Context, f store.AuditFilter, limit, offset int) (logs []*models.AuditLog, total int, err error) {
	defer apperror.Recover(&err)

	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, 0, apperror.Validation("End date must not be before start date")
	}

	logs, total, err = l.writer.ListAuditLogs(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("Failed to query audit logs", err)
	}
	return logs, total, nil
}
