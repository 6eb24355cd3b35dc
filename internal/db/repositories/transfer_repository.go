// transfer_repository.go implements TransferRepository, providing queries for ownership
// transfers and the joined view with both parties resolved.
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

// TransferRepository handles database operations for ownership transfers
type TransferRepository struct {
	db sqlx.ExtContext
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db sqlx.ExtContext) *TransferRepository {
	return &TransferRepository{db: db}
}

const transferColumns = `id, organization_id, from_user_id, to_user_id, status, token_hash, metadata,
	created_at, expires_at, accepted_at, cancelled_at, expired_at`

// CreateTransfer inserts a pending transfer. A second pending transfer for the same
// organization returns store.ErrConflict.
func (r *TransferRepository) CreateTransfer(ctx context.Context, t *models.OwnershipTransfer) error {
	query := `INSERT INTO ownership_transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.OrganizationID,
		t.FromUserID,
		t.ToUserID,
		t.Status,
		t.TokenHash,
		t.Metadata,
		t.CreatedAt,
		t.ExpiresAt,
		t.AcceptedAt,
		t.CancelledAt,
		t.ExpiredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create ownership transfer: %w", err)
	}
	return nil
}

func (r *TransferRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.OwnershipTransfer, error) {
	t := &models.OwnershipTransfer{}
	if err := sqlx.GetContext(ctx, r.db, t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ownership transfer: %w", err)
	}
	return t, nil
}

// GetTransfer retrieves a transfer by ID
func (r *TransferRepository) GetTransfer(ctx context.Context, id string) (*models.OwnershipTransfer, error) {
	return r.getOne(ctx, `SELECT `+transferColumns+` FROM ownership_transfers WHERE id = $1`, id)
}

// GetTransferByTokenHash retrieves a transfer by the hash of its acceptance token
func (r *TransferRepository) GetTransferByTokenHash(ctx context.Context, tokenHash string) (*models.OwnershipTransfer, error) {
	return r.getOne(ctx, `SELECT `+transferColumns+` FROM ownership_transfers WHERE token_hash = $1`, tokenHash)
}

// GetPendingTransfer retrieves the pending transfer of an organization, if any
func (r *TransferRepository) GetPendingTransfer(ctx context.Context, orgID string) (*models.OwnershipTransfer, error) {
	return r.getOne(ctx, `SELECT `+transferColumns+` FROM ownership_transfers WHERE organization_id = $1 AND status = 'pending'`, orgID)
}

// transferViewRow flattens the two aliased user joins.
type transferViewRow struct {
	models.OwnershipTransfer
	FromEmail string `db:"from_email"`
	FromName  string `db:"from_name"`
	ToEmail   string `db:"to_email"`
	ToName    string `db:"to_name"`
}

// GetTransferView retrieves a transfer together with both parties. The initiating and receiving
// users are joined under separate aliases so neither side can shadow the other.
func (r *TransferRepository) GetTransferView(ctx context.Context, id string) (*models.TransferView, error) {
	query := `
		SELECT t.id, t.organization_id, t.from_user_id, t.to_user_id, t.status, t.token_hash, t.metadata,
		       t.created_at, t.expires_at, t.accepted_at, t.cancelled_at, t.expired_at,
		       COALESCE(fu.email, '') AS from_email, COALESCE(fu.name, '') AS from_name,
		       COALESCE(tu.email, '') AS to_email, COALESCE(tu.name, '') AS to_name
		FROM ownership_transfers t
		LEFT JOIN users fu ON fu.id = t.from_user_id
		LEFT JOIN users tu ON tu.id = t.to_user_id
		WHERE t.id = $1
	`

	var row transferViewRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ownership transfer view: %w", err)
	}

	return &models.TransferView{
		OwnershipTransfer: row.OwnershipTransfer,
		FromUser:          models.TransferParty{UserID: row.FromUserID, Email: row.FromEmail, Name: row.FromName},
		ToUser:            models.TransferParty{UserID: row.ToUserID, Email: row.ToEmail, Name: row.ToName},
	}, nil
}

// transferStatusColumn names the timestamp stamped by each terminal status.
var transferStatusColumn = map[models.TransferStatus]string{
	models.TransferAccepted:  "accepted_at",
	models.TransferCancelled: "cancelled_at",
	models.TransferExpired:   "expired_at",
}

// UpdateTransferStatus moves a pending transfer to a terminal status
func (r *TransferRepository) UpdateTransferStatus(ctx context.Context, id string, status models.TransferStatus, at time.Time) error {
	col, ok := transferStatusColumn[status]
	if !ok {
		return fmt.Errorf("invalid terminal transfer status: %s", status)
	}
	query := fmt.Sprintf(`UPDATE ownership_transfers SET status = $2, %s = $3 WHERE id = $1 AND status = 'pending'`, col) // #nosec G201 -- column comes from a fixed map

	res, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update ownership transfer status: %w", err)
	}
	return requireAffected(res, store.ErrConflict)
}

// ListExpiredTransfers lists pending transfers whose expiry has been reached
func (r *TransferRepository) ListExpiredTransfers(ctx context.Context, now time.Time) ([]*models.OwnershipTransfer, error) {
	list := make([]*models.OwnershipTransfer, 0)
	query := `SELECT ` + transferColumns + ` FROM ownership_transfers
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at`
	if err := sqlx.SelectContext(ctx, r.db, &list, query, now); err != nil {
		return nil, fmt.Errorf("failed to list expired ownership transfers: %w", err)
	}
	return list, nil
}
