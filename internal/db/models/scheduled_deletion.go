// Package models - scheduled_deletion.go defines the explicit purge schedule created when an
// organization is soft-deleted.
package models

import "time"

// DeletionStatus of a scheduled permanent deletion.
type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "pending"
	DeletionCancelled DeletionStatus = "cancelled"
	DeletionExecuted  DeletionStatus = "executed"
)

// ScheduledDeletion records when a soft-deleted organization becomes eligible for purge.
type ScheduledDeletion struct {
	ID             string         `db:"id" json:"id"`
	OrganizationID string         `db:"organization_id" json:"organization_id"`
	RequestedBy    string         `db:"requested_by" json:"requested_by"`
	Reason         string         `db:"reason" json:"reason,omitempty"`
	ScheduledFor   time.Time      `db:"scheduled_for" json:"scheduled_for"`
	Status         DeletionStatus `db:"status" json:"status"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	CancelledAt    *time.Time     `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ExecutedAt     *time.Time     `db:"executed_at" json:"executed_at,omitempty"`
}

// DueAt reports whether the retention window has ended at now.
func (d *ScheduledDeletion) DueAt(now time.Time) bool {
	return !now.Before(d.ScheduledFor)
}
