// helpers.go declares one typed constructor per audited action so services never assemble
// action names or detail keys by hand.
package audit

import (
	"context"
	"time"

	"github.com/tenderdesk/orggov/internal/db/models"
)

func (l *Logger) LogRoleUpdated(ctx context.Context, m *models.Member, actorID string, from, to models.Role, reason string) {
	details := map[string]interface{}{
		"target_user_id": m.UserID,
		"previous_role":  string(from),
		"new_role":       string(to),
	}
	if reason != "" {
		details["reason"] = reason
	}
	l.Log(ctx, Entry{
		OrganizationID: m.OrganizationID,
		UserID:         actorID,
		Action:         ActionRoleUpdated,
		ResourceType:   ResourceMember,
		ResourceID:     m.ID,
		Details:        details,
	})
}

func (l *Logger) LogMemberRemoved(ctx context.Context, m *models.Member, actorID, reason string) {
	details := map[string]interface{}{
		"target_user_id": m.UserID,
		"role":           string(m.Role),
	}
	if m.UserEmail != "" {
		details["email"] = m.UserEmail
	}
	if reason != "" {
		details["reason"] = reason
	}
	l.Log(ctx, Entry{
		OrganizationID: m.OrganizationID,
		UserID:         actorID,
		Action:         ActionMemberRemoved,
		ResourceType:   ResourceMember,
		ResourceID:     m.ID,
		Details:        details,
		Severity:       models.SeverityWarning,
	})
}

// LogMemberRestored records a removed member re-added by a bulk rollback.
func (l *Logger) LogMemberRestored(ctx context.Context, m *models.Member, actorID string) {
	l.Log(ctx, Entry{
		OrganizationID: m.OrganizationID,
		UserID:         actorID,
		Action:         ActionMemberRestored,
		ResourceType:   ResourceMember,
		ResourceID:     m.ID,
		Details: map[string]interface{}{
			"target_user_id": m.UserID,
			"role":           string(m.Role),
			"reason":         "bulk rollback",
		},
	})
}

func (l *Logger) LogMemberInvited(ctx context.Context, inv *models.Invitation, actorID string) {
	l.Log(ctx, Entry{
		OrganizationID: inv.OrganizationID,
		UserID:         actorID,
		Action:         ActionMemberInvited,
		ResourceType:   ResourceInvitation,
		ResourceID:     inv.ID,
		Details: map[string]interface{}{
			"email":      inv.Email,
			"role":       string(inv.Role),
			"expires_at": inv.ExpiresAt,
		},
	})
}

// BulkSummary describes a completed batch for LogBulkOperation and LogBulkRollback.
type BulkSummary struct {
	OperationID string
	Operation   string
	Total       int
	Processed   int
	Failed      int
}

func (s BulkSummary) details() map[string]interface{} {
	return map[string]interface{}{
		"operation": s.Operation,
		"total":     s.Total,
		"processed": s.Processed,
		"failed":    s.Failed,
	}
}

func (l *Logger) LogBulkOperation(ctx context.Context, orgID, actorID string, s BulkSummary) {
	sev := models.SeverityInfo
	if s.Failed > 0 {
		sev = models.SeverityWarning
	}
	l.Log(ctx, Entry{
		OrganizationID: orgID,
		UserID:         actorID,
		Action:         ActionBulkOperation,
		ResourceType:   ResourceBulkOperation,
		ResourceID:     s.OperationID,
		Details:        s.details(),
		Severity:       sev,
	})
}

func (l *Logger) LogBulkRollback(ctx context.Context, orgID, actorID string, s BulkSummary) {
	l.Log(ctx, Entry{
		OrganizationID: orgID,
		UserID:         actorID,
		Action:         ActionBulkRollback,
		ResourceType:   ResourceBulkOperation,
		ResourceID:     s.OperationID,
		Details:        s.details(),
		Severity:       models.SeverityWarning,
	})
}

func (l *Logger) LogInvitationAccepted(ctx context.Context, inv *models.Invitation, userID, memberID string) {
	l.Log(ctx, Entry{
		OrganizationID: inv.OrganizationID,
		UserID:         userID,
		Action:         ActionInvitationAccepted,
		ResourceType:   ResourceInvitation,
		ResourceID:     inv.ID,
		Details: map[string]interface{}{
			"email":     inv.Email,
			"role":      string(inv.Role),
			"member_id": memberID,
		},
	})
}

func (l *Logger) LogInvitationCancelled(ctx context.Context, inv *models.Invitation, actorID, reason string) {
	details := map[string]interface{}{"email": inv.Email}
	if reason != "" {
		details["reason"] = reason
	}
	l.Log(ctx, Entry{
		OrganizationID: inv.OrganizationID,
		UserID:         actorID,
		Action:         ActionInvitationCancelled,
		ResourceType:   ResourceInvitation,
		ResourceID:     inv.ID,
		Details:        details,
	})
}

func (l *Logger) LogInvitationResent(ctx context.Context, inv *models.Invitation, actorID string) {
	l.Log(ctx, Entry{
		OrganizationID: inv.OrganizationID,
		UserID:         actorID,
		Action:         ActionInvitationResent,
		ResourceType:   ResourceInvitation,
		ResourceID:     inv.ID,
		Details: map[string]interface{}{
			"email":      inv.Email,
			"expires_at": inv.ExpiresAt,
		},
	})
}

func transferDetails(tr *models.OwnershipTransfer) map[string]interface{} {
	d := map[string]interface{}{
		"from_user_id": tr.FromUserID,
		"to_user_id":   tr.ToUserID,
		"expires_at":   tr.ExpiresAt,
	}
	if tr.Metadata.Reason != "" {
		d["reason"] = tr.Metadata.Reason
	}
	return d
}

func (l *Logger) LogTransferInitiated(ctx context.Context, tr *models.OwnershipTransfer) {
	l.Log(ctx, Entry{
		OrganizationID: tr.OrganizationID,
		UserID:         tr.FromUserID,
		Action:         ActionTransferInitiated,
		ResourceType:   ResourceTransfer,
		ResourceID:     tr.ID,
		Details:        transferDetails(tr),
		Severity:       models.SeverityWarning,
	})
}

func (l *Logger) LogTransferAccepted(ctx context.Context, tr *models.OwnershipTransfer) {
	l.Log(ctx, Entry{
		OrganizationID: tr.OrganizationID,
		UserID:         tr.ToUserID,
		Action:         ActionTransferAccepted,
		ResourceType:   ResourceTransfer,
		ResourceID:     tr.ID,
		Details:        transferDetails(tr),
		Severity:       models.SeverityWarning,
	})
}

func (l *Logger) LogTransferCancelled(ctx context.Context, tr *models.OwnershipTransfer, actorID, reason string) {
	d := transferDetails(tr)
	if reason != "" {
		d["cancel_reason"] = reason
	}
	l.Log(ctx, Entry{
		OrganizationID: tr.OrganizationID,
		UserID:         actorID,
		Action:         ActionTransferCancelled,
		ResourceType:   ResourceTransfer,
		ResourceID:     tr.ID,
		Details:        d,
	})
}

// LogTransferExpired records an expiry observed by actorID, or by SystemActor during a sweep.
func (l *Logger) LogTransferExpired(ctx context.Context, tr *models.OwnershipTransfer, actorID string) {
	if actorID == "" {
		actorID = SystemActor
	}
	l.Log(ctx, Entry{
		OrganizationID: tr.OrganizationID,
		UserID:         actorID,
		Action:         ActionTransferExpired,
		ResourceType:   ResourceTransfer,
		ResourceID:     tr.ID,
		Details:        transferDetails(tr),
	})
}

// LogTransferInconsistent records that a transfer left the organization in a state that
// needs manual repair, e.g. no owner after a failed compensation.
func (l *Logger) LogTransferInconsistent(ctx context.Context, tr *models.OwnershipTransfer, stage string, cause error) {
	d := transferDetails(tr)
	d["stage"] = stage
	if cause != nil {
		d["error"] = cause.Error()
	}
	l.Log(ctx, Entry{
		OrganizationID: tr.OrganizationID,
		UserID:         SystemActor,
		Action:         ActionTransferInconsistent,
		ResourceType:   ResourceTransfer,
		ResourceID:     tr.ID,
		Details:        d,
		Severity:       models.SeverityCritical,
	})
}

func (l *Logger) LogOrganizationSoftDeleted(ctx context.Context, org *models.Organization, actorID, reason string, scheduledFor time.Time) {
	l.Log(ctx, Entry{
		OrganizationID: org.ID,
		UserID:         actorID,
		Action:         ActionOrganizationSoftDeleted,
		ResourceType:   ResourceOrganization,
		ResourceID:     org.ID,
		Details: map[string]interface{}{
			"name":          org.Name,
			"reason":        reason,
			"scheduled_for": scheduledFor,
		},
		Severity: models.SeverityWarning,
	})
}

func (l *Logger) LogOrganizationRestored(ctx context.Context, org *models.Organization, actorID, reason string) {
	l.Log(ctx, Entry{
		OrganizationID: org.ID,
		UserID:         actorID,
		Action:         ActionOrganizationRestored,
		ResourceType:   ResourceOrganization,
		ResourceID:     org.ID,
		Details: map[string]interface{}{
			"name":   org.Name,
			"reason": reason,
		},
	})
}

func (l *Logger) LogOrganizationPermanentlyDeleted(ctx context.Context, org *models.Organization, actorID, reason string) {
	l.Log(ctx, Entry{
		OrganizationID: org.ID,
		UserID:         actorID,
		Action:         ActionOrganizationPermanentlyDeleted,
		ResourceType:   ResourceOrganization,
		ResourceID:     org.ID,
		Details: map[string]interface{}{
			"name":   org.Name,
			"reason": reason,
			"forced": true,
		},
		Severity: models.SeverityCritical,
	})
}

func (l *Logger) LogOrganizationPurged(ctx context.Context, org *models.Organization, d *models.ScheduledDeletion) {
	l.Log(ctx, Entry{
		OrganizationID: org.ID,
		UserID:         SystemActor,
		Action:         ActionOrganizationPurged,
		ResourceType:   ResourceOrganization,
		ResourceID:     org.ID,
		Details: map[string]interface{}{
			"name":          org.Name,
			"requested_by":  d.RequestedBy,
			"scheduled_for": d.ScheduledFor,
		},
		Severity: models.SeverityCritical,
	})
}

func (l *Logger) LogDataExported(ctx context.Context, orgID, actorID, format string, size int) {
	l.Log(ctx, Entry{
		OrganizationID: orgID,
		UserID:         actorID,
		Action:         ActionDataExported,
		ResourceType:   ResourceOrganization,
		ResourceID:     orgID,
		Details: map[string]interface{}{
			"format": format,
			"bytes":  size,
		},
	})
}

func (l *Logger) LogSuspiciousActivity(ctx context.Context, s *models.SessionTracking, orgID string, indicators []string, details map[string]interface{}) {
	d := map[string]interface{}{
		"indicators": indicators,
		"ip_address": s.IPAddress,
	}
	for k, v := range details {
		d[k] = v
	}
	l.Log(ctx, Entry{
		OrganizationID: orgID,
		UserID:         s.UserID,
		Action:         ActionSuspiciousActivity,
		ResourceType:   ResourceSession,
		ResourceID:     s.SessionID,
		Details:        d,
		Severity:       models.SeverityCritical,
	})
}
