// Package membership implements bulk administration of organization members and the invitation
// lifecycle.
//
// Bulk operations are best-effort batches, not transactions: each item is authorized through
// internal/policy and applied on its own, and the BulkResult reports which items failed. A batch
// that changed at least one row returns a rollback token; Rollback replays the recorded steps in
// reverse where the affected rows have not moved on since.
//
// The batch loop does not observe ctx cancellation between items. A batch that has started runs
// to the end so its progress record, audit trail and rollback plan stay complete.
package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/ratelimit"
	"github.com/tenderdesk/orggov/internal/revalidate"
	"github.com/tenderdesk/orggov/internal/store"
)

// Operation names used for progress records, rollback plans, audit details and metric labels.
const (
	OperationUpdateRoles   = "update_roles"
	OperationRemoveMembers = "remove_members"
	OperationInviteMembers = "invite_members"
	OperationRollback      = "rollback"
)

// Default settings applied when Config leaves them zero.
const (
	DefaultInvitationTTL      = 7 * 24 * time.Hour
	DefaultResendLimitPerHour = 3
	DefaultProgressTTL        = time.Hour
	DefaultRollbackTTL        = 24 * time.Hour
)

// Config holds the business settings of the service.
type Config struct {
	InvitationTTL time.Duration
	// AppURL is the base of accept links sent in invitation emails.
	AppURL string
}

// RoleUpdate is one item of BulkUpdateRoles.
type RoleUpdate struct {
	MemberID string      `json:"member_id"`
	NewRole  models.Role `json:"new_role"`
	Reason   string      `json:"reason,omitempty"`
}

// InviteRequest is one item of BulkInviteMembers.
type InviteRequest struct {
	Email   string      `json:"email"`
	Role    models.Role `json:"role"`
	Message string      `json:"message,omitempty"`
}

// ItemError reports why one item of a batch failed. ID is the member id, email or rollback step
// the item was addressed by.
type ItemError struct {
	ID    string        `json:"id"`
	Error string        `json:"error"`
	Code  apperror.Code `json:"code"`
}

// BulkResult aggregates a batch. Processed counts items that succeeded; Processed + Failed is
// always the number of items submitted. Success is true only when no item failed, so callers
// must inspect Failed rather than the call-level error.
type BulkResult struct {
	Success       bool        `json:"success"`
	Processed     int         `json:"processed"`
	Failed        int         `json:"failed"`
	Errors        []ItemError `json:"errors"`
	OperationID   string      `json:"operation_id"`
	RollbackToken string      `json:"rollback_token,omitempty"`
}

// Service runs membership operations. It holds no business state of its own; everything lives
// in the injected stores.
type Service struct {
	store     store.Store
	audit     *audit.Logger
	notifier  notify.Notifier
	hook      revalidate.Hook
	progress  ProgressStore
	rollbacks RollbackStore
	limiter   ratelimit.Limiter
	cfg       Config
	now       func() time.Time
	newID     func() string
}

// Option customizes a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithRevalidationHook(h revalidate.Hook) Option { return func(s *Service) { s.hook = h } }

func WithProgressStore(p ProgressStore) Option { return func(s *Service) { s.progress = p } }

func WithRollbackStore(r RollbackStore) Option { return func(s *Service) { s.rollbacks = r } }

// WithResendLimiter sets the limiter consulted by ResendInvitation, keyed per invitation.
func WithResendLimiter(l ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// NewService creates a Service. Unset collaborators default to in-process implementations
// suitable for a single instance: a slog notifier, no revalidation, memory progress and rollback
// stores and a memory resend limiter.
func NewService(st store.Store, auditLog *audit.Logger, cfg Config, opts ...Option) *Service {
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = DefaultInvitationTTL
	}
	s := &Service{
		store: st,
		audit: auditLog,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(slog.Default())
	}
	if s.hook == nil {
		s.hook = revalidate.Noop{}
	}
	if s.progress == nil {
		s.progress = NewMemoryProgressStore(DefaultProgressTTL).WithClock(s.now)
	}
	if s.rollbacks == nil {
		s.rollbacks = NewMemoryRollbackStore(DefaultRollbackTTL).WithClock(s.now)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter(ratelimit.PerHour(DefaultResendLimitPerHour)).WithClock(s.now)
	}
	return s
}

// activeOrganization loads orgID and rejects missing or soft-deleted organizations.
func (s *Service) activeOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to load organization", err)
	}
	if org == nil {
		return nil, apperror.NotFound("Organization not found")
	}
	if org.IsDeleted() {
		return nil, apperror.Forbidden("Organization is scheduled for deletion")
	}
	return org, nil
}

// displayName resolves a user's name for notification bodies, falling back to the id.
func (s *Service) displayName(ctx context.Context, userID string) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		return userID
	}
	return u.DisplayName()
}

func (s *Service) changed(ctx context.Context, orgID string) {
	s.hook.OrganizationChanged(ctx, orgID)
}
