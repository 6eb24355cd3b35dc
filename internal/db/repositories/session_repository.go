// session_repository.go implements SessionRepository, providing queries for session tracking
// and the sticky suspicious flag.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

// SessionRepository handles database operations for tracked sessions
type SessionRepository struct {
	db sqlx.ExtContext
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db sqlx.ExtContext) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `session_id, user_id, organization_id, login_time, last_activity, ip_address, user_agent,
	device_info, location_info, is_suspicious, suspicious_reasons, logout_time`

// CreateSession inserts a tracked session
func (r *SessionRepository) CreateSession(ctx context.Context, s *models.SessionTracking) error {
	reasons := s.SuspiciousReasons
	if reasons == nil {
		reasons = pq.StringArray{}
	}
	query := `INSERT INTO session_tracking (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		s.SessionID,
		s.UserID,
		s.OrganizationID,
		s.LoginTime,
		s.LastActivity,
		s.IPAddress,
		s.UserAgent,
		s.DeviceInfo,
		s.LocationInfo,
		s.IsSuspicious,
		reasons,
		s.LogoutTime,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*models.SessionTracking, error) {
	s := &models.SessionTracking{}
	query := `SELECT ` + sessionColumns + ` FROM session_tracking WHERE session_id = $1`
	if err := sqlx.GetContext(ctx, r.db, s, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// TouchSession records activity on a session
func (r *SessionRepository) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE session_tracking SET last_activity = $2 WHERE session_id = $1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// EndSession records a logout. Ending an already ended session keeps the first logout time.
func (r *SessionRepository) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE session_tracking
		SET logout_time = COALESCE(logout_time, $2), last_activity = CASE WHEN logout_time IS NULL THEN $2 ELSE last_activity END
		WHERE session_id = $1`

	res, err := r.db.ExecContext(ctx, query, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// ListActiveSessions lists the user's sessions without a logout, newest first
func (r *SessionRepository) ListActiveSessions(ctx context.Context, userID string) ([]*models.SessionTracking, error) {
	list := make([]*models.SessionTracking, 0)
	query := `SELECT ` + sessionColumns + ` FROM session_tracking
		WHERE user_id = $1 AND logout_time IS NULL
		ORDER BY login_time DESC`
	if err := sqlx.SelectContext(ctx, r.db, &list, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return list, nil
}

// ListSessionsSince lists the user's sessions started at or after since, newest first
func (r *SessionRepository) ListSessionsSince(ctx context.Context, userID string, since time.Time) ([]*models.SessionTracking, error) {
	list := make([]*models.SessionTracking, 0)
	query := `SELECT ` + sessionColumns + ` FROM session_tracking
		WHERE user_id = $1 AND login_time >= $2
		ORDER BY login_time DESC`
	if err := sqlx.SelectContext(ctx, r.db, &list, query, userID, since); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return list, nil
}

// MarkSessionSuspicious sets the suspicious flag and merges reasons without duplicates
func (r *SessionRepository) MarkSessionSuspicious(ctx context.Context, sessionID string, reasons []string) error {
	query := `UPDATE session_tracking
		SET is_suspicious = TRUE,
		    suspicious_reasons = ARRAY(
		        SELECT DISTINCT unnest(suspicious_reasons || $2::text[]) ORDER BY 1
		    )
		WHERE session_id = $1`

	res, err := r.db.ExecContext(ctx, query, sessionID, pq.StringArray(reasons))
	if err != nil {
		return fmt.Errorf("failed to mark session suspicious: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}
