// Package repositories implements store.Store on Postgres. Each repository type owns the
// queries for one table; Store composes them and adds transactions.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tenderdesk/orggov/internal/store"
)

// pgUniqueViolation is the SQLSTATE raised by unique indexes.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// requireAffected maps a zero-row result to miss.
func requireAffected(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}

// Store is the Postgres implementation of store.Store and store.Transactor.
type Store struct {
	*OrganizationRepository
	*MemberRepository
	*InvitationRepository
	*TransferRepository
	*DeletionRepository
	*SessionRepository
	*AuditRepository
	*UserRepository

	db *sqlx.DB // nil when bound to a transaction
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// NewStore creates a Store backed by the connection pool.
func NewStore(db *sqlx.DB) *Store {
	s := bind(db)
	s.db = db
	return s
}

func bind(q sqlx.ExtContext) *Store {
	return &Store{
		OrganizationRepository: NewOrganizationRepository(q),
		MemberRepository:       NewMemberRepository(q),
		InvitationRepository:   NewInvitationRepository(q),
		TransferRepository:     NewTransferRepository(q),
		DeletionRepository:     NewDeletionRepository(q),
		SessionRepository:      NewSessionRepository(q),
		AuditRepository:        NewAuditRepository(q),
		UserRepository:         NewUserRepository(q),
	}
}

// WithinTx runs fn against a Store bound to a new transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Calls on a Store that is already transactional reuse it.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if err := fn(bind(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
