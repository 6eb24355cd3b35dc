// Package store defines the persistence seam used by the governance services. Implementations
// live in internal/db/repositories (Postgres) and internal/store/memstore (in-process).
//
// Lookups return (nil, nil) when a row does not exist. Conditional updates that match no row
// return ErrConflict so callers can tell a lost race from an infrastructure failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tenderdesk/orggov/internal/db/models"
)

var (
	// ErrConflict reports a uniqueness violation or a conditional update that matched no row.
	ErrConflict = errors.New("store: conflict")
	// ErrNotFound reports an update or delete addressed at a row that does not exist.
	ErrNotFound = errors.New("store: not found")
)

// OrganizationStore reads and mutates organizations.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	// SetOrganizationDeletedAt sets or clears the soft-delete marker.
	SetOrganizationDeletedAt(ctx context.Context, id string, deletedAt *time.Time) error
	// DeleteOrganization removes the organization and every dependent row except audit logs.
	DeleteOrganization(ctx context.Context, id string) error
}

// MemberStore reads and mutates organization memberships.
type MemberStore interface {
	GetMember(ctx context.Context, orgID, memberID string) (*models.Member, error)
	GetMemberByUser(ctx context.Context, orgID, userID string) (*models.Member, error)
	ListMembers(ctx context.Context, orgID string) ([]*models.Member, error)
	AddMember(ctx context.Context, m *models.Member) error
	UpdateMemberRole(ctx context.Context, orgID, memberID string, role models.Role) error
	DeleteMember(ctx context.Context, orgID, memberID string) error
}

// InvitationStore reads and mutates invitations.
type InvitationStore interface {
	// CreateInvitation returns ErrConflict when a pending invitation already exists for the
	// same organization and email.
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	GetInvitation(ctx context.Context, orgID, id string) (*models.Invitation, error)
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*models.Invitation, error)
	// ListPendingInvitations returns rows whose status is still pending, expired or not.
	ListPendingInvitations(ctx context.Context, orgID string) ([]*models.Invitation, error)
	// UpdateInvitationStatus moves a pending invitation to a terminal status. It returns
	// ErrConflict when the invitation is no longer pending.
	UpdateInvitationStatus(ctx context.Context, id string, status models.InvitationStatus, at time.Time) error
	RotateInvitationToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	// ExpireInvitations marks every pending invitation with expires_at <= now as expired.
	ExpireInvitations(ctx context.Context, now time.Time) (int, error)
	CancelPendingInvitations(ctx context.Context, orgID string, at time.Time) (int, error)
}

// TransferStore reads and mutates ownership transfers.
type TransferStore interface {
	// CreateTransfer returns ErrConflict when the organization already has a pending transfer.
	CreateTransfer(ctx context.Context, t *models.OwnershipTransfer) error
	GetTransfer(ctx context.Context, id string) (*models.OwnershipTransfer, error)
	GetTransferByTokenHash(ctx context.Context, tokenHash string) (*models.OwnershipTransfer, error)
	GetPendingTransfer(ctx context.Context, orgID string) (*models.OwnershipTransfer, error)
	GetTransferView(ctx context.Context, id string) (*models.TransferView, error)
	// UpdateTransferStatus moves a pending transfer to a terminal status and stamps the
	// matching timestamp. It returns ErrConflict when the transfer is no longer pending.
	UpdateTransferStatus(ctx context.Context, id string, status models.TransferStatus, at time.Time) error
	// ListExpiredTransfers returns pending transfers with expires_at <= now.
	ListExpiredTransfers(ctx context.Context, now time.Time) ([]*models.OwnershipTransfer, error)
}

// DeletionStore reads and mutates purge schedules.
type DeletionStore interface {
	CreateScheduledDeletion(ctx context.Context, d *models.ScheduledDeletion) error
	GetPendingDeletion(ctx context.Context, orgID string) (*models.ScheduledDeletion, error)
	// UpdateDeletionStatus returns ErrConflict when the schedule is no longer pending.
	UpdateDeletionStatus(ctx context.Context, id string, status models.DeletionStatus, at time.Time) error
	// ListDueDeletions returns pending schedules with scheduled_for <= now.
	ListDueDeletions(ctx context.Context, now time.Time) ([]*models.ScheduledDeletion, error)
}

// SessionStore reads and mutates tracked sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.SessionTracking) error
	GetSession(ctx context.Context, sessionID string) (*models.SessionTracking, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	ListActiveSessions(ctx context.Context, userID string) ([]*models.SessionTracking, error)
	// ListSessionsSince returns the user's sessions with login_time >= since.
	ListSessionsSince(ctx context.Context, userID string, since time.Time) ([]*models.SessionTracking, error)
	// MarkSessionSuspicious sets is_suspicious and appends reasons not already recorded.
	// The flag is never cleared.
	MarkSessionSuspicious(ctx context.Context, sessionID string, reasons []string) error
}

// AuditFilter narrows an audit log query. Nil fields are not applied.
type AuditFilter struct {
	OrganizationID *string
	UserID         *string
	Action         *string
	ResourceType   *string
	Severity       *models.AuditSeverity
	StartDate      *time.Time
	EndDate        *time.Time
}

// AuditStore appends and queries audit log entries.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter, limit, offset int) ([]*models.AuditLog, int, error)
}

// UserDirectory resolves identity-provider users.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Store is the full persistence surface.
type Store interface {
	OrganizationStore
	MemberStore
	InvitationStore
	TransferStore
	DeletionStore
	SessionStore
	AuditStore
	UserDirectory
}

// Transactor is implemented by stores that can run several mutations atomically. fn receives a
// Store bound to the transaction; returning an error rolls every mutation back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// Atomically runs fn inside a transaction when s supports one and reports whether it did. When
// s is not a Transactor it returns (false, nil) without calling fn.
func Atomically(ctx context.Context, s Store, fn func(tx Store) error) (bool, error) {
	t, ok := s.(Transactor)
	if !ok {
		return false, nil
	}
	return true, t.WithinTx(ctx, fn)
}
