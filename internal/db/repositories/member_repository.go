// member_repository.go implements MemberRepository, providing queries for organization
// memberships joined with the user directory.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

// MemberRepository handles database operations for organization members
type MemberRepository struct {
	db sqlx.ExtContext
}

// NewMemberRepository creates a new member repository
func NewMemberRepository(db sqlx.ExtContext) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberSelect = `
	SELECT m.id, m.organization_id, m.user_id, m.role, m.created_at,
	       COALESCE(u.email, '') AS user_email, COALESCE(u.name, '') AS user_name
	FROM organization_members m
	LEFT JOIN users u ON u.id = m.user_id
`

func (r *MemberRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Member, error) {
	m := &models.Member{}
	if err := sqlx.GetContext(ctx, r.db, m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetMember retrieves a membership by its ID within an organization
func (r *MemberRepository) GetMember(ctx context.Context, orgID, memberID string) (*models.Member, error) {
	return r.getOne(ctx, memberSelect+` WHERE m.organization_id = $1 AND m.id = $2`, orgID, memberID)
}

// GetMemberByUser retrieves the membership of a user within an organization
func (r *MemberRepository) GetMemberByUser(ctx context.Context, orgID, userID string) (*models.Member, error) {
	return r.getOne(ctx, memberSelect+` WHERE m.organization_id = $1 AND m.user_id = $2`, orgID, userID)
}

// ListMembers lists all members of an organization, oldest first
func (r *MemberRepository) ListMembers(ctx context.Context, orgID string) ([]*models.Member, error) {
	members := make([]*models.Member, 0)
	err := sqlx.SelectContext(ctx, r.db, &members, memberSelect+` WHERE m.organization_id = $1 ORDER BY m.created_at, m.id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// AddMember inserts a membership. A duplicate (organization, user) pair returns store.ErrConflict.
func (r *MemberRepository) AddMember(ctx context.Context, m *models.Member) error {
	query := `
		INSERT INTO organization_members (id, organization_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query, m.ID, m.OrganizationID, m.UserID, m.Role, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// UpdateMemberRole sets a member's role
func (r *MemberRepository) UpdateMemberRole(ctx context.Context, orgID, memberID string, role models.Role) error {
	query := `UPDATE organization_members SET role = $3 WHERE organization_id = $1 AND id = $2`

	res, err := r.db.ExecContext(ctx, query, orgID, memberID, role)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to update member role: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// DeleteMember hard-deletes a membership
func (r *MemberRepository) DeleteMember(ctx context.Context, orgID, memberID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM organization_members WHERE organization_id = $1 AND id = $2`, orgID, memberID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}
