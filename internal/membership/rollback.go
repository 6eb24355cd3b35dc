// rollback.go implements compensating rollback of completed bulk operations. Every successful
// item records the step needed to undo it; the steps are kept under the hash of a single-use
// token returned to the caller in BulkResult.RollbackToken.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/store"
)

// StepKind identifies how a step is undone.
type StepKind string

const (
	StepRoleChanged       StepKind = "role_changed"
	StepMemberRemoved     StepKind = "member_removed"
	StepInvitationCreated StepKind = "invitation_created"
)

// RollbackStep undoes one successful batch item.
type RollbackStep struct {
	Kind StepKind `json:"kind"`
	// Role changes: the member, the role it held before and the role the batch set.
	MemberID     string      `json:"member_id,omitempty"`
	PreviousRole models.Role `json:"previous_role,omitempty"`
	AppliedRole  models.Role `json:"applied_role,omitempty"`
	// Removals: the deleted row.
	Member *models.Member `json:"member,omitempty"`
	// Invitations: the created invitation.
	InvitationID string `json:"invitation_id,omitempty"`
}

// itemID is the id reported in ItemError for a failed rollback step.
func (st RollbackStep) itemID() string {
	switch st.Kind {
	case StepMemberRemoved:
		if st.Member != nil {
			return st.Member.ID
		}
	case StepInvitationCreated:
		return st.InvitationID
	}
	return st.MemberID
}

// RollbackPlan is everything needed to reverse one batch.
type RollbackPlan struct {
	OperationID    string         `json:"operation_id"`
	Operation      string         `json:"operation"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id"`
	Steps          []RollbackStep `json:"steps"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RollbackStore keeps plans keyed by token hash. PeekRollback reads without consuming;
// TakeRollback atomically reads and deletes, so only one caller can claim a plan. Both return
// (nil, nil) when no plan exists.
type RollbackStore interface {
	SaveRollback(ctx context.Context, tokenHash string, plan *RollbackPlan) error
	PeekRollback(ctx context.Context, tokenHash string) (*RollbackPlan, error)
	TakeRollback(ctx context.Context, tokenHash string) (*RollbackPlan, error)
}

// minimumRole is the role required to start, and therefore to reverse, each operation.
func minimumRole(operation string) models.Role {
	if operation == OperationUpdateRoles {
		return models.RoleAdmin
	}
	return models.RoleManager
}

// Rollback reverses the batch identified by token, newest item first. A step is skipped with an
// item error when the row has moved on since the batch: a member whose role is no longer the one
// the batch set, a removed user who has re-joined, or an invitation that is no longer pending.
// The token is consumed whether or not every step succeeds.
func (s *Service) Rollback(ctx context.Context, orgID, token, actorID string, actorRole models.Role) (res *BulkResult, err error) {
	defer apperror.Recover(&err)

	if token == "" {
		return nil, apperror.Validation("Rollback token is required")
	}
	hash := auth.HashToken(token)

	plan, err := s.rollbacks.PeekRollback(ctx, hash)
	if err != nil {
		return nil, apperror.Internal("failed to load rollback plan", err)
	}
	if plan == nil || plan.OrganizationID != orgID {
		return nil, apperror.NotFound("Rollback token not found or already used")
	}
	if _, err := s.activeOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	if !policy.AtLeast(actorRole, minimumRole(plan.Operation)) {
		return nil, apperror.Forbidden("Insufficient permissions to roll back this operation")
	}

	plan, err = s.rollbacks.TakeRollback(ctx, hash)
	if err != nil {
		return nil, apperror.Internal("failed to claim rollback plan", err)
	}
	if plan == nil {
		return nil, apperror.NotFound("Rollback token not found or already used")
	}

	steps := slices.Clone(plan.Steps)
	slices.Reverse(steps)

	b := s.startBatch(ctx, OperationRollback, orgID, len(steps))
	for _, st := range steps {
		b.record(ctx, st.itemID(), s.undo(ctx, orgID, actorID, actorRole, st), nil)
	}
	return b.finish(ctx, actorID), nil
}

func (s *Service) undo(ctx context.Context, orgID, actorID string, actorRole models.Role, st RollbackStep) error {
	switch st.Kind {
	case StepRoleChanged:
		return s.undoRoleChange(ctx, orgID, actorID, actorRole, st)
	case StepMemberRemoved:
		return s.undoRemoval(ctx, actorID, actorRole, st)
	case StepInvitationCreated:
		return s.undoInvitation(ctx, orgID, actorID, st)
	}
	return apperror.Validation(fmt.Sprintf("Unknown rollback step %q", st.Kind))
}

func (s *Service) undoRoleChange(ctx context.Context, orgID, actorID string, actorRole models.Role, st RollbackStep) error {
	m, err := s.store.GetMember(ctx, orgID, st.MemberID)
	if err != nil {
		return apperror.Internal("failed to load member", err)
	}
	if m == nil {
		return apperror.NotFound("Member not found")
	}
	if m.Role != st.AppliedRole {
		return apperror.Validation("Member role has changed since the operation")
	}
	if err := policy.CanChangeRole(actorRole, m.Role, st.PreviousRole, m.UserID == actorID).Err(); err != nil {
		return err
	}
	if err := policy.RequiresTransfer(st.PreviousRole).Err(); err != nil {
		return err
	}
	if err := s.store.UpdateMemberRole(ctx, orgID, m.ID, st.PreviousRole); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperror.NotFound("Member not found")
		}
		return apperror.Internal("failed to restore member role", err)
	}
	s.audit.LogRoleUpdated(ctx, m, actorID, st.AppliedRole, st.PreviousRole, "bulk rollback")
	return nil
}

func (s *Service) undoRemoval(ctx context.Context, actorID string, actorRole models.Role, st RollbackStep) error {
	if st.Member == nil {
		return apperror.Validation("Rollback step is missing the removed member")
	}
	// Re-adding a member grants its role again.
	if err := policy.RequiresTransfer(st.Member.Role).Err(); err != nil {
		return err
	}
	if err := policy.CanAssignRole(actorRole, st.Member.Role).Err(); err != nil {
		return err
	}
	existing, err := s.store.GetMemberByUser(ctx, st.Member.OrganizationID, st.Member.UserID)
	if err != nil {
		return apperror.Internal("failed to load member", err)
	}
	if existing != nil {
		return apperror.New(apperror.CodeAlreadyMember, "User has re-joined the organization")
	}
	m := *st.Member
	if err := s.store.AddMember(ctx, &m); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperror.New(apperror.CodeAlreadyMember, "User has re-joined the organization")
		}
		return apperror.Internal("failed to restore member", err)
	}
	s.audit.LogMemberRestored(ctx, &m, actorID)
	return nil
}

func (s *Service) undoInvitation(ctx context.Context, orgID, actorID string, st RollbackStep) error {
	inv, err := s.store.GetInvitation(ctx, orgID, st.InvitationID)
	if err != nil {
		return apperror.Internal("failed to load invitation", err)
	}
	if inv == nil {
		return apperror.NotFound("Invitation not found")
	}
	if inv.Status != models.InvitationPending {
		return apperror.Validation("Invitation is no longer pending")
	}
	if err := s.store.UpdateInvitationStatus(ctx, inv.ID, models.InvitationCancelled, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperror.Validation("Invitation is no longer pending")
		}
		return apperror.Internal("failed to cancel invitation", err)
	}
	s.audit.LogInvitationCancelled(ctx, inv, actorID, "bulk rollback")
	return nil
}

// saveRollback stores plan under a fresh token and returns the token. Failures are logged and
// yield no token; the batch itself has already been applied.
func (s *Service) saveRollback(ctx context.Context, plan *RollbackPlan) string {
	token, hash, err := auth.GenerateToken()
	if err != nil {
		slog.Error("failed to generate rollback token", "operation_id", plan.OperationID, "error", err)
		return ""
	}
	if err := s.rollbacks.SaveRollback(ctx, hash, plan); err != nil {
		slog.Error("failed to save rollback plan", "operation_id", plan.OperationID, "error", err)
		return ""
	}
	return token
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

type rollbackEntry struct {
	plan      RollbackPlan
	expiresAt time.Time
}

// MemoryRollbackStore is a RollbackStore for a single process.
type MemoryRollbackStore struct {
	mu      sync.Mutex
	entries map[string]rollbackEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryRollbackStore(ttl time.Duration) *MemoryRollbackStore {
	return &MemoryRollbackStore{
		entries: make(map[string]rollbackEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (m *MemoryRollbackStore) WithClock(now func() time.Time) *MemoryRollbackStore {
	m.now = now
	return m
}

func (m *MemoryRollbackStore) SaveRollback(_ context.Context, tokenHash string, plan *RollbackPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	cp := *plan
	cp.Steps = slices.Clone(plan.Steps)
	m.entries[tokenHash] = rollbackEntry{plan: cp, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryRollbackStore) PeekRollback(_ context.Context, tokenHash string) (*RollbackPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(tokenHash), nil
}

func (m *MemoryRollbackStore) TakeRollback(_ context.Context, tokenHash string) (*RollbackPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.lookup(tokenHash)
	delete(m.entries, tokenHash)
	return p, nil
}

func (m *MemoryRollbackStore) lookup(tokenHash string) *RollbackPlan {
	e, ok := m.entries[tokenHash]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil
	}
	p := e.plan
	p.Steps = slices.Clone(e.plan.Steps)
	return &p
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisRollbackStore keeps plans as JSON strings with a TTL. TakeRollback uses GETDEL so two
// instances cannot both claim the same plan.
type RedisRollbackStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRollbackStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisRollbackStore {
	return &RedisRollbackStore{rdb: rdb, prefix: prefix + "bulk:rollback:", ttl: ttl}
}

func (r *RedisRollbackStore) SaveRollback(ctx context.Context, tokenHash string, plan *RollbackPlan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode rollback plan: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+tokenHash, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store rollback plan: %w", err)
	}
	return nil
}

func (r *RedisRollbackStore) PeekRollback(ctx context.Context, tokenHash string) (*RollbackPlan, error) {
	return decodePlan(r.rdb.Get(ctx, r.prefix+tokenHash).Bytes())
}

func (r *RedisRollbackStore) TakeRollback(ctx context.Context, tokenHash string) (*RollbackPlan, error) {
	return decodePlan(r.rdb.GetDel(ctx, r.prefix+tokenHash).Bytes())
}

func decodePlan(payload []byte, err error) (*RollbackPlan, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rollback plan: %w", err)
	}
	var p RollbackPlan
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode rollback plan: %w", err)
	}
	return &p, nil
}
