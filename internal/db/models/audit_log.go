// Package models - audit_log.go defines the AuditLog model for recording privileged governance
// actions, capturing actor, action, affected resource, severity, client IP and user agent.
package models

import "time"

// AuditSeverity grades an audit entry for review queues.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// AuditLog represents an immutable audit log entry
type AuditLog struct {
	ID             string
	OrganizationID string
	UserID         string // "system" for maintenance jobs
	Action         string // closed set, see audit.Action
	ResourceType   string // "member", "invitation", "ownership_transfer", "organization", "session", "bulk_operation"
	ResourceID     string
	Details        map[string]interface{} // JSONB
	Severity       AuditSeverity
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
}
