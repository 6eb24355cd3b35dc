// invitation_repository.go implements InvitationRepository, providing queries for invitation
// creation, token lookup and status transitions.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

// InvitationRepository handles database operations for invitations
type InvitationRepository struct {
	db sqlx.ExtContext
}

// NewInvitationRepository creates a new invitation repository
func NewInvitationRepository(db sqlx.ExtContext) *InvitationRepository {
	return &InvitationRepository{db: db}
}

const invitationColumns = `id, organization_id, email, role, status, token_hash, inviter_id, expires_at, created_at, responded_at`

// CreateInvitation inserts a pending invitation. The partial unique index on
// (organization_id, lower(email)) turns a second pending invitation into store.ErrConflict.
func (r *InvitationRepository) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	inv.Email = strings.ToLower(inv.Email)
	query := `INSERT INTO invitations (` + invitationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		inv.ID,
		inv.OrganizationID,
		inv.Email,
		inv.Role,
		inv.Status,
		inv.TokenHash,
		inv.InviterID,
		inv.ExpiresAt,
		inv.CreatedAt,
		inv.RespondedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

func (r *InvitationRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Invitation, error) {
	inv := &models.Invitation{}
	if err := sqlx.GetContext(ctx, r.db, inv, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// GetInvitation retrieves an invitation by ID within an organization
func (r *InvitationRepository) GetInvitation(ctx context.Context, orgID, id string) (*models.Invitation, error) {
	return r.getOne(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE organization_id = $1 AND id = $2`, orgID, id)
}

// GetInvitationByTokenHash retrieves an invitation by the hash of its token
func (r *InvitationRepository) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*models.Invitation, error) {
	return r.getOne(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash = $1`, tokenHash)
}

// ListPendingInvitations lists invitations still marked pending, oldest first
func (r *InvitationRepository) ListPendingInvitations(ctx context.Context, orgID string) ([]*models.Invitation, error) {
	list := make([]*models.Invitation, 0)
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE organization_id = $1 AND status = 'pending'
		ORDER BY created_at`
	if err := sqlx.SelectContext(ctx, r.db, &list, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list pending invitations: %w", err)
	}
	return list, nil
}

// UpdateInvitationStatus moves a pending invitation to status
func (r *InvitationRepository) UpdateInvitationStatus(ctx context.Context, id string, status models.InvitationStatus, at time.Time) error {
	query := `UPDATE invitations SET status = $2, responded_at = $3 WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update invitation status: %w", err)
	}
	return requireAffected(res, store.ErrConflict)
}

// RotateInvitationToken replaces the token hash and expiry of a pending invitation
func (r *InvitationRepository) RotateInvitationToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	query := `UPDATE invitations SET token_hash = $2, expires_at = $3 WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to rotate invitation token: %w", err)
	}
	return requireAffected(res, store.ErrConflict)
}

// ExpireInvitations marks pending invitations past their expiry as expired
func (r *InvitationRepository) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE invitations SET status = 'expired', responded_at = $1
		WHERE status = 'pending' AND expires_at <= $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// CancelPendingInvitations cancels every pending invitation of an organization
func (r *InvitationRepository) CancelPendingInvitations(ctx context.Context, orgID string, at time.Time) (int, error) {
	query := `UPDATE invitations SET status = 'cancelled', responded_at = $2
		WHERE organization_id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, orgID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending invitations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
