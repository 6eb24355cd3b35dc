// organization_repository.go implements OrganizationRepository, providing database queries
// for organization lookup, the soft-delete marker and cascading permanent deletion.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db sqlx.ExtContext
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db sqlx.ExtContext) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetOrganization retrieves an organization by ID, including soft-deleted ones
func (r *OrganizationRepository) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	query := `
		SELECT id, name, slug, logo_url, settings, created_at, updated_at, deleted_at
		FROM organizations
		WHERE id = $1
	`

	org := &models.Organization{}
	err := sqlx.GetContext(ctx, r.db, org, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return org, nil
}

// SetOrganizationDeletedAt sets or clears deleted_at
func (r *OrganizationRepository) SetOrganizationDeletedAt(ctx context.Context, id string, deletedAt *time.Time) error {
	query := `UPDATE organizations SET deleted_at = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to update organization deleted_at: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// DeleteOrganization permanently removes an organization. Members, invitations, transfers and
// schedules cascade; audit logs are kept.
func (r *OrganizationRepository) DeleteOrganization(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}
