// Package models - invitation.go defines organization invitations and their monotonic status.
package models

import "time"

// InvitationStatus moves only from pending to one terminal state.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationCancelled InvitationStatus = "cancelled"
	InvitationExpired   InvitationStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s InvitationStatus) Terminal() bool {
	return s != InvitationPending
}

// Invitation is an offer for an email address to join an organization with a role.
type Invitation struct {
	ID             string           `db:"id" json:"id"`
	OrganizationID string           `db:"organization_id" json:"organization_id"`
	Email          string           `db:"email" json:"email"`
	Role           Role             `db:"role" json:"role"`
	Status         InvitationStatus `db:"status" json:"status"`
	TokenHash      string           `db:"token_hash" json:"-"`
	InviterID      string           `db:"inviter_id" json:"inviter_id"`
	ExpiresAt      time.Time        `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	RespondedAt    *time.Time       `db:"responded_at" json:"responded_at,omitempty"`
}

// IsExpiredAt reports whether the invitation is past its expiry at now. The boundary is inclusive.
func (i *Invitation) IsExpiredAt(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
