// deletion_repository.go implements DeletionRepository, providing queries for the purge
// schedule of soft-deleted organizations.
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

// DeletionRepository handles database operations for scheduled deletions
type DeletionRepository struct {
	db sqlx.ExtContext
}

// NewDeletionRepository creates a new scheduled deletion repository
func NewDeletionRepository(db sqlx.ExtContext) *DeletionRepository {
	return &DeletionRepository{db: db}
}

const deletionColumns = `id, organization_id, requested_by, reason, scheduled_for, status, created_at, cancelled_at, executed_at`

// CreateScheduledDeletion inserts a pending schedule
func (r *DeletionRepository) CreateScheduledDeletion(ctx context.Context, d *models.ScheduledDeletion) error {
	query := `INSERT INTO scheduled_deletions (` + deletionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.OrganizationID, d.RequestedBy, d.Reason, d.ScheduledFor, d.Status, d.CreatedAt, d.CancelledAt, d.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create scheduled deletion: %w", err)
	}
	return nil
}

// GetPendingDeletion retrieves the pending schedule of an organization, if any
func (r *DeletionRepository) GetPendingDeletion(ctx context.Context, orgID string) (*models.ScheduledDeletion, error) {
	d := &models.ScheduledDeletion{}
	query := `SELECT ` + deletionColumns + ` FROM scheduled_deletions WHERE organization_id = $1 AND status = 'pending'`
	if err := sqlx.GetContext(ctx, r.db, d, query, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scheduled deletion: %w", err)
	}
	return d, nil
}

// UpdateDeletionStatus cancels or executes a pending schedule
func (r *DeletionRepository) UpdateDeletionStatus(ctx context.Context, id string, status models.DeletionStatus, at time.Time) error {
	var query string
	switch status {
	case models.DeletionCancelled:
		query = `UPDATE scheduled_deletions SET status = $2, cancelled_at = $3 WHERE id = $1 AND status = 'pending'`
	case models.DeletionExecuted:
		query = `UPDATE scheduled_deletions SET status = $2, executed_at = $3 WHERE id = $1 AND status = 'pending'`
	default:
		return fmt.Errorf("invalid terminal deletion status: %s", status)
	}

	res, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update scheduled deletion: %w", err)
	}
	return requireAffected(res, store.ErrConflict)
}

// ListDueDeletions lists pending schedules whose retention window has ended
func (r *DeletionRepository) ListDueDeletions(ctx context.Context, now time.Time) ([]*models.ScheduledDeletion, error) {
	list := make([]*models.ScheduledDeletion, 0)
	query := `SELECT ` + deletionColumns + ` FROM scheduled_deletions
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for`
	if err := sqlx.SelectContext(ctx, r.db, &list, query, now); err != nil {
		return nil, fmt.Errorf("failed to list due deletions: %w", err)
	}
	return list, nil
}
