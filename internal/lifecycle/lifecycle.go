// Package lifecycle implements soft deletion, restore and permanent deletion of organizations.
//
// An organization moves active -> soft_deleted -> restored (active again) or permanently
// deleted. Soft deletion stamps deleted_at and creates a pending ScheduledDeletion due after the
// retention window; PurgeDue removes organizations whose schedule has come due. Restore is only
// possible while the schedule is still pending and not yet due.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/revalidate"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// DefaultRetention is how long a soft-deleted organization stays restorable.
const DefaultRetention = 30 * 24 * time.Hour

// Purge triggers for telemetry.OrganizationsPurgedTotal.
const (
	triggerRetention = "retention"
	triggerForced    = "forced"
)

// Config holds the business settings of the service.
type Config struct {
	Retention time.Duration
}

// ConfirmationCheck reports whether confirmation authorizes deleting org.
type ConfirmationCheck func(org *models.Organization, confirmation string) bool

// MatchNameOrSlug accepts the organization's exact name or slug.
func MatchNameOrSlug(org *models.Organization, confirmation string) bool {
	c := strings.TrimSpace(confirmation)
	if c == "" {
		return false
	}
	return c == org.Name || (org.Slug != nil && c == *org.Slug)
}

// SoftDeleteRequest carries the owner's confirmation. A non-empty ExportFormat produces an
// export before anything is changed.
type SoftDeleteRequest struct {
	Confirmation string `json:"confirmation"`
	Reason       string `json:"reason,omitempty"`
	ExportFormat string `json:"export_format,omitempty"`
}

// SoftDeleteResult is returned by SoftDelete.
type SoftDeleteResult struct {
	Organization *models.Organization      `json:"organization"`
	Schedule     *models.ScheduledDeletion `json:"schedule"`
	Export       *Export                   `json:"export,omitempty"`
	// CancelledInvitations counts pending invitations withdrawn by the deletion.
	CancelledInvitations int  `json:"cancelled_invitations"`
	CancelledTransfer    bool `json:"cancelled_transfer"`
}

// Service manages organization lifecycles.
type Service struct {
	store   store.Store
	audit   *audit.Logger
	hook    revalidate.Hook
	confirm ConfirmationCheck
	cfg     Config
	now     func() time.Time
	newID   func() string
}

// Option customizes a Service.
type Option func(*Service)

func WithRevalidationHook(h revalidate.Hook) Option { return func(s *Service) { s.hook = h } }

func WithConfirmationCheck(c ConfirmationCheck) Option { return func(s *Service) { s.confirm = c } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// NewService creates a Service.
func NewService(st store.Store, auditLog *audit.Logger, cfg Config, opts ...Option) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Service{
		store:   st,
		audit:   auditLog,
		cfg:     cfg,
		confirm: MatchNameOrSlug,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hook == nil {
		s.hook = revalidate.Noop{}
	}
	return s
}

func (s *Service) organization(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to load organization", err)
	}
	if org == nil {
		return nil, apperror.NotFound("Organization not found")
	}
	return org, nil
}

func (s *Service) memberRole(ctx context.Context, orgID, userID string) (models.Role, error) {
	m, err := s.store.GetMemberByUser(ctx, orgID, userID)
	if err != nil {
		return "", apperror.Internal("failed to load membership", err)
	}
	if m == nil {
		return "", nil
	}
	return m.Role, nil
}

// SoftDelete marks the organization deleted and schedules its purge after the retention window.
// The pending ownership transfer and pending invitations are cancelled with it.
func (s *Service) SoftDelete(ctx context.Context, orgID, actorID string, req SoftDeleteRequest) (res *SoftDeleteResult, err error) {
	defer apperror.Recover(&err)

	org, err := s.organization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.IsDeleted() {
		return nil, apperror.Validation("Organization is already scheduled for deletion")
	}
	role, err := s.memberRole(ctx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleOwner {
		return nil, apperror.Forbidden("Only the owner can delete the organization")
	}
	if !s.confirm(org, req.Confirmation) {
		return nil, apperror.Validation("Confirmation does not match the organization name")
	}

	res = &SoftDeleteResult{}
	if req.ExportFormat != "" {
		res.Export, err = s.export(ctx, org, req.ExportFormat, actorID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	schedule := &models.ScheduledDeletion{
		ID:             s.newID(),
		OrganizationID: org.ID,
		RequestedBy:    actorID,
		Reason:         strings.TrimSpace(req.Reason),
		ScheduledFor:   now.Add(s.cfg.Retention),
		Status:         models.DeletionPending,
		CreatedAt:      now,
	}
	mark := func(tx store.Store) error {
		if err := tx.SetOrganizationDeletedAt(ctx, org.ID, &now); err != nil {
			return err
		}
		return tx.CreateScheduledDeletion(ctx, schedule)
	}
	atomic, err := store.Atomically(ctx, s.store, mark)
	if !atomic {
		err = s.markSequential(ctx, org.ID, &now, schedule)
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Validation("Organization is already scheduled for deletion")
		}
		return nil, apperror.Internal("failed to schedule organization deletion", err)
	}
	org.DeletedAt = &now
	res.Organization = org
	res.Schedule = schedule

	res.CancelledTransfer = s.cancelPendingTransfer(ctx, org.ID, actorID, now)
	n, err := s.store.CancelPendingInvitations(ctx, org.ID, now)
	if err != nil {
		slog.Warn("failed to cancel pending invitations of deleted organization",
			"organization_id", org.ID, "error", err)
	}
	res.CancelledInvitations = n

	s.audit.LogOrganizationSoftDeleted(ctx, org, actorID, schedule.Reason, schedule.ScheduledFor)
	slog.Info("organization soft-deleted",
		"organization_id", org.ID,
		"actor_id", actorID,
		"scheduled_for", schedule.ScheduledFor,
		"cancelled_invitations", n,
		"cancelled_transfer", res.CancelledTransfer)
	s.hook.OrganizationChanged(ctx, org.ID)
	return res, nil
}

// markSequential is the non-transactional path of SoftDelete. A failure to create the schedule
// clears deleted_at again so the organization is not left deleted without a purge date.
func (s *Service) markSequential(ctx context.Context, orgID string, now *time.Time, schedule *models.ScheduledDeletion) error {
	if err := s.store.SetOrganizationDeletedAt(ctx, orgID, now); err != nil {
		return err
	}
	if err := s.store.CreateScheduledDeletion(ctx, schedule); err != nil {
		if undoErr := s.store.SetOrganizationDeletedAt(ctx, orgID, nil); undoErr != nil {
			slog.Error("failed to clear deleted_at after schedule failure",
				"organization_id", orgID, "error", undoErr)
		}
		return err
	}
	return nil
}

func (s *Service) cancelPendingTransfer(ctx context.Context, orgID, actorID string, now time.Time) bool {
	tr, err := s.store.GetPendingTransfer(ctx, orgID)
	if err != nil {
		slog.Warn("failed to load pending transfer of deleted organization", "organization_id", orgID, "error", err)
		return false
	}
	if tr == nil {
		return false
	}
	if err := s.store.UpdateTransferStatus(ctx, tr.ID, models.TransferCancelled, now); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Warn("failed to cancel transfer of deleted organization", "transfer_id", tr.ID, "error", err)
		}
		return false
	}
	tr.Status = models.TransferCancelled
	tr.CancelledAt = &now
	s.audit.LogTransferCancelled(ctx, tr, actorID, "organization deleted")
	return true
}

// Restore reverses a soft deletion while the retention window is still open. The actor must
// still hold an owner or admin membership.
func (s *Service) Restore(ctx context.Context, orgID, actorID, reason string) (org *models.Organization, err error) {
	defer apperror.Recover(&err)

	org, err = s.organization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsDeleted() {
		return nil, apperror.Validation("Organization is not scheduled for deletion")
	}
	role, err := s.memberRole(ctx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if !policy.AtLeast(role, models.RoleAdmin) {
		return nil, apperror.Forbidden("Only owners and admins can restore the organization")
	}

	now := s.now()
	schedule, err := s.store.GetPendingDeletion(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to load deletion schedule", err)
	}
	if schedule == nil || schedule.DueAt(now) {
		return nil, apperror.Forbidden("Retention window has ended")
	}

	unmark := func(tx store.Store) error {
		if err := tx.UpdateDeletionStatus(ctx, schedule.ID, models.DeletionCancelled, now); err != nil {
			return err
		}
		return tx.SetOrganizationDeletedAt(ctx, orgID, nil)
	}
	atomic, err := store.Atomically(ctx, s.store, unmark)
	if !atomic {
		err = s.unmarkSequential(ctx, orgID, org.DeletedAt, schedule.ID, now)
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Forbidden("Retention window has ended")
		}
		return nil, apperror.Internal("failed to restore organization", err)
	}
	org.DeletedAt = nil

	reason = strings.TrimSpace(reason)
	s.audit.LogOrganizationRestored(ctx, org, actorID, reason)
	slog.Info("organization restored", "organization_id", orgID, "actor_id", actorID)
	s.hook.OrganizationChanged(ctx, orgID)
	return org, nil
}

// unmarkSequential is the non-transactional path of Restore. deleted_at is cleared before the
// schedule is cancelled, because a cancelled schedule cannot be reopened; if the cancel fails,
// deleted_at is put back so the organization stays deleted with its pending schedule.
func (s *Service) unmarkSequential(ctx context.Context, orgID string, deletedAt *time.Time, scheduleID string, now time.Time) error {
	if err := s.store.SetOrganizationDeletedAt(ctx, orgID, nil); err != nil {
		return err
	}
	if err := s.store.UpdateDeletionStatus(ctx, scheduleID, models.DeletionCancelled, now); err != nil {
		if undoErr := s.store.SetOrganizationDeletedAt(ctx, orgID, deletedAt); undoErr != nil {
			slog.Error("failed to reset deleted_at after schedule cancel failure",
				"organization_id", orgID, "schedule_id", scheduleID, "error", undoErr)
		}
		return err
	}
	return nil
}

// ForcePermanentDeletion removes the organization immediately, soft-deleted or not. A written
// reason is mandatory.
func (s *Service) ForcePermanentDeletion(ctx context.Context, orgID, actorID string, actorRole models.Role, reason string) (err error) {
	defer apperror.Recover(&err)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperror.Validation("A reason is required for permanent deletion")
	}
	if actorRole != models.RoleOwner {
		return apperror.Forbidden("Only the owner can permanently delete the organization")
	}
	org, err := s.organization(ctx, orgID)
	if err != nil {
		return err
	}
	schedule, err := s.store.GetPendingDeletion(ctx, orgID)
	if err != nil {
		return apperror.Internal("failed to load deletion schedule", err)
	}

	if err := s.purge(ctx, org, schedule); err != nil {
		return apperror.Internal("failed to delete organization", err)
	}
	s.audit.LogOrganizationPermanentlyDeleted(ctx, org, actorID, reason)
	telemetry.OrganizationsPurgedTotal.WithLabelValues(triggerForced).Inc()
	slog.Warn("organization permanently deleted", "organization_id", orgID, "actor_id", actorID, "forced", true)
	s.hook.OrganizationChanged(ctx, orgID)
	return nil
}

// PurgeDue permanently deletes every soft-deleted organization whose schedule has come due and
// returns how many were removed. Failures are joined after the remaining schedules are processed.
func (s *Service) PurgeDue(ctx context.Context) (n int, err error) {
	defer apperror.Recover(&err)

	due, err := s.store.ListDueDeletions(ctx, s.now())
	if err != nil {
		return 0, apperror.Internal("failed to list due deletions", err)
	}
	var errs []error
	for _, d := range due {
		org, err := s.store.GetOrganization(ctx, d.OrganizationID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if org == nil {
			continue
		}
		if !org.IsDeleted() {
			slog.Warn("skipping purge of active organization with pending schedule",
				"organization_id", org.ID, "schedule_id", d.ID)
			continue
		}
		if err := s.purge(ctx, org, d); err != nil {
			errs = append(errs, err)
			continue
		}
		s.audit.LogOrganizationPurged(ctx, org, d)
		telemetry.OrganizationsPurgedTotal.WithLabelValues(triggerRetention).Inc()
		s.hook.OrganizationChanged(ctx, org.ID)
		n++
	}
	if len(errs) > 0 {
		return n, apperror.Internal("failed to purge some organizations", errors.Join(errs...))
	}
	return n, nil
}

// purge deletes org and its dependent rows. Inside a transaction the schedule is marked executed
// first; without one it simply cascades with the organization.
func (s *Service) purge(ctx context.Context, org *models.Organization, schedule *models.ScheduledDeletion) error {
	now := s.now()
	fn := func(tx store.Store) error {
		if schedule != nil {
			if err := tx.UpdateDeletionStatus(ctx, schedule.ID, models.DeletionExecuted, now); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		return tx.DeleteOrganization(ctx, org.ID)
	}
	atomic, err := store.Atomically(ctx, s.store, fn)
	if !atomic {
		err = s.store.DeleteOrganization(ctx, org.ID)
	}
	return err
}
