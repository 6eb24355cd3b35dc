package repositories

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

var errDB = errors.New("db failure")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewStore(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// isUniqueViolation
// ---------------------------------------------------------------------------

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("expected 23505 to be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errDB) {
		t.Error("plain error is not a unique violation")
	}
}

// ---------------------------------------------------------------------------
// WithinTx
// ---------------------------------------------------------------------------

func TestWithinTx_Commit(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE organization_members SET role").
		WithArgs("org-1", "m-1", models.RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE organization_members SET role").
		WithArgs("org-1", "m-2", models.RoleOwner).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx store.Store) error {
		if err := tx.UpdateMemberRole(context.Background(), "org-1", "m-1", models.RoleAdmin); err != nil {
			return err
		}
		return tx.UpdateMemberRole(context.Background(), "org-1", "m-2", models.RoleOwner)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE organization_members SET role").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE organization_members SET role").
		WillReturnError(errDB)
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx store.Store) error {
		if err := tx.UpdateMemberRole(context.Background(), "org-1", "m-1", models.RoleAdmin); err != nil {
			return err
		}
		return tx.UpdateMemberRole(context.Background(), "org-1", "m-2", models.RoleOwner)
	})
	if !errors.Is(err, errDB) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestWithinTx_BeginError(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin().WillReturnError(errDB)

	called := false
	err := s.WithinTx(context.Background(), func(store.Store) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error from Begin")
	}
	if called {
		t.Error("fn must not run when Begin fails")
	}
}

func TestAtomically_UsesTransaction(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	used, err := store.Atomically(context.Background(), s, func(store.Store) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !used {
		t.Error("expected the Postgres store to run transactionally")
	}
	expectationsMet(t, mock)
}
