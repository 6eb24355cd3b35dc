// Package transfer implements ownership transfer as a two-party handshake. The owner initiates a
// transfer to an admin or manager; the recipient accepts within the TTL, at which point the owner
// becomes an admin and the recipient becomes the owner.
//
// A transfer moves pending -> accepted | cancelled | expired and never leaves a terminal state.
// Expiry is lazy: a transfer past expires_at is marked expired the next time it is read or acted
// on, and ExpireStale sweeps the rest. Accepting exactly at expires_at counts as expired.
//
// Accept is the only operation that writes the owner role. With a store that implements
// store.Transactor both role writes and the status change commit together. Otherwise the writes
// are applied in sequence and undone on failure; a failed undo is recorded as a critical
// transfer.inconsistent_state audit entry.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/revalidate"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// DefaultTTL is how long a transfer stays acceptable.
const DefaultTTL = 72 * time.Hour

// Messages returned for state-machine violations. Callers match on these.
const (
	MsgNotFound      = "Transfer not found"
	MsgNoLongerValid = "Transfer is no longer pending"
	MsgExpired       = "Transfer has expired"
)

// Transfer event label values for telemetry.TransferEventsTotal.
const (
	eventInitiated    = "initiated"
	eventAccepted     = "accepted"
	eventCancelled    = "cancelled"
	eventExpired      = "expired"
	eventCompensated  = "compensated"
	eventInconsistent = "inconsistent"
)

// Config holds the business settings of the service.
type Config struct {
	TTL time.Duration
	// AppURL is the base of accept links sent to the recipient.
	AppURL string
}

// Request describes a transfer the current owner wants to start.
type Request struct {
	OrganizationID string `json:"organization_id"`
	ToUserID       string `json:"to_user_id"`
	Reason         string `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Initiated is returned to the initiator. Token is shown once; only its hash is stored.
type Initiated struct {
	TransferID string    `json:"transfer_id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Service runs ownership transfers.
type Service struct {
	store    store.Store
	audit    *audit.Logger
	notifier notify.Notifier
	hook     revalidate.Hook
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// Option customizes a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithRevalidationHook(h revalidate.Hook) Option { return func(s *Service) { s.hook = h } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// NewService creates a Service.
func NewService(st store.Store, auditLog *audit.Logger, cfg Config, opts ...Option) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
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
	return s
}

// ValidateTransferRequest checks that fromUserID may hand ownership of orgID to toUserID now. A
// stale pending transfer is expired on the way and does not block the request.
func (s *Service) ValidateTransferRequest(ctx context.Context, orgID, fromUserID, toUserID string) (err error) {
	defer apperror.Recover(&err)
	_, err = s.validate(ctx, orgID, fromUserID, toUserID)
	return err
}

func (s *Service) validate(ctx context.Context, orgID, fromUserID, toUserID string) (*models.Organization, error) {
	if fromUserID == toUserID {
		return nil, apperror.Validation("Cannot transfer ownership to yourself")
	}
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

	from, err := s.store.GetMemberByUser(ctx, orgID, fromUserID)
	if err != nil {
		return nil, apperror.Internal("failed to load membership", err)
	}
	if from == nil || from.Role != models.RoleOwner {
		return nil, apperror.Forbidden("Only the owner can transfer ownership")
	}

	to, err := s.store.GetMemberByUser(ctx, orgID, toUserID)
	if err != nil {
		return nil, apperror.Internal("failed to load membership", err)
	}
	if to == nil {
		return nil, apperror.NotFound("Recipient is not a member of this organization")
	}
	if !policy.CanTransferTo(to.Role) {
		return nil, apperror.Validation("Ownership can only be transferred to an admin or manager")
	}

	pending, err := s.store.GetPendingTransfer(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to load pending transfer", err)
	}
	if pending != nil {
		if !pending.IsExpiredAt(s.now()) {
			return nil, apperror.New(apperror.CodeAlreadyExists, "An ownership transfer is already pending for this organization")
		}
		s.expire(ctx, pending, fromUserID)
	}
	return org, nil
}

// Initiate starts a transfer from fromUserID and notifies both parties. A notification failure
// is logged and does not undo the transfer.
func (s *Service) Initiate(ctx context.Context, req Request, fromUserID string) (out *Initiated, err error) {
	defer apperror.Recover(&err)

	org, err := s.validate(ctx, req.OrganizationID, fromUserID, req.ToUserID)
	if err != nil {
		return nil, err
	}

	token, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, apperror.Internal("failed to generate transfer token", err)
	}
	now := s.now()
	tr := &models.OwnershipTransfer{
		ID:             s.newID(),
		OrganizationID: org.ID,
		FromUserID:     fromUserID,
		ToUserID:       req.ToUserID,
		Status:         models.TransferPending,
		TokenHash:      hash,
		Metadata: models.TransferMetadata{
			Reason:  strings.TrimSpace(req.Reason),
			Message: strings.TrimSpace(req.Message),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.store.CreateTransfer(ctx, tr); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.New(apperror.CodeAlreadyExists, "An ownership transfer is already pending for this organization")
		}
		return nil, apperror.Internal("failed to create transfer", err)
	}

	s.audit.LogTransferInitiated(ctx, tr)
	telemetry.TransferEventsTotal.WithLabelValues(eventInitiated).Inc()

	p := s.parties(ctx, org, tr)
	data := p.data()
	data["AcceptURL"] = strings.TrimRight(s.cfg.AppURL, "/") + "/ownership-transfers/accept?token=" + token
	s.send(ctx, tr, p.to, notify.KindTransferRequested, data)
	s.send(ctx, tr, p.from, notify.KindTransferInitiated, data)

	s.hook.OrganizationChanged(ctx, org.ID)
	return &Initiated{TransferID: tr.ID, Token: token, ExpiresAt: tr.ExpiresAt}, nil
}

// Accept completes a transfer on behalf of the recipient.
func (s *Service) Accept(ctx context.Context, transferID, acceptingUserID string) (view *models.TransferView, err error) {
	defer apperror.Recover(&err)

	tr, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, apperror.Internal("failed to load transfer", err)
	}
	if tr == nil {
		return nil, apperror.NotFound(MsgNotFound)
	}
	return s.accept(ctx, tr, acceptingUserID)
}

// AcceptByToken completes the transfer identified by the token sent to the recipient.
func (s *Service) AcceptByToken(ctx context.Context, token, acceptingUserID string) (view *models.TransferView, err error) {
	defer apperror.Recover(&err)

	if token == "" {
		return nil, apperror.Validation("Transfer token is required")
	}
	tr, err := s.store.GetTransferByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return nil, apperror.Internal("failed to load transfer", err)
	}
	if tr == nil {
		return nil, apperror.NotFound(MsgNotFound)
	}
	return s.accept(ctx, tr, acceptingUserID)
}

func (s *Service) accept(ctx context.Context, tr *models.OwnershipTransfer, userID string) (*models.TransferView, error) {
	if err := s.checkPending(ctx, tr, userID); err != nil {
		return nil, err
	}
	if userID != tr.ToUserID {
		return nil, apperror.Forbidden("Only the designated recipient can accept this transfer")
	}

	org, err := s.store.GetOrganization(ctx, tr.OrganizationID)
	if err != nil {
		return nil, apperror.Internal("failed to load organization", err)
	}
	if org == nil {
		return nil, apperror.NotFound("Organization not found")
	}
	if org.IsDeleted() {
		return nil, apperror.Forbidden("Organization is scheduled for deletion")
	}
	from, err := s.store.GetMemberByUser(ctx, tr.OrganizationID, tr.FromUserID)
	if err != nil {
		return nil, apperror.Internal("failed to load membership", err)
	}
	if from == nil || from.Role != models.RoleOwner {
		return nil, apperror.Validation("The initiating user is no longer the owner")
	}
	to, err := s.store.GetMemberByUser(ctx, tr.OrganizationID, tr.ToUserID)
	if err != nil {
		return nil, apperror.Internal("failed to load membership", err)
	}
	if to == nil {
		return nil, apperror.NotFound("Recipient is no longer a member of this organization")
	}

	now := s.now()
	swap := func(tx store.Store) error {
		if err := tx.UpdateMemberRole(ctx, tr.OrganizationID, from.ID, models.RoleAdmin); err != nil {
			return err
		}
		if err := tx.UpdateMemberRole(ctx, tr.OrganizationID, to.ID, models.RoleOwner); err != nil {
			return err
		}
		return tx.UpdateTransferStatus(ctx, tr.ID, models.TransferAccepted, now)
	}
	atomic, err := store.Atomically(ctx, s.store, swap)
	if !atomic {
		err = s.swapWithCompensation(ctx, tr, from, to, now)
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Validation(MsgNoLongerValid)
		}
		return nil, apperror.Internal("failed to accept transfer", err)
	}

	tr.Status = models.TransferAccepted
	tr.AcceptedAt = &now
	s.audit.LogTransferAccepted(ctx, tr)
	telemetry.TransferEventsTotal.WithLabelValues(eventAccepted).Inc()
	slog.Info("ownership transferred",
		"organization_id", tr.OrganizationID,
		"transfer_id", tr.ID,
		"from_user_id", tr.FromUserID,
		"to_user_id", tr.ToUserID,
		"transactional", atomic)

	p := s.parties(ctx, org, tr)
	s.send(ctx, tr, p.from, notify.KindTransferAccepted, p.data())
	s.send(ctx, tr, p.to, notify.KindTransferAccepted, p.data())
	s.hook.OrganizationChanged(ctx, tr.OrganizationID)

	return s.view(ctx, tr)
}

// swapWithCompensation applies the role swap without a transaction: downgrade the owner, upgrade
// the recipient, then close the transfer. Each failure undoes the writes before it.
func (s *Service) swapWithCompensation(ctx context.Context, tr *models.OwnershipTransfer, from, to *models.Member, now time.Time) error {
	restoreOwner := func() error {
		return s.store.UpdateMemberRole(ctx, tr.OrganizationID, from.ID, models.RoleOwner)
	}
	restoreRecipient := func() error {
		return s.store.UpdateMemberRole(ctx, tr.OrganizationID, to.ID, to.Role)
	}

	if err := s.store.UpdateMemberRole(ctx, tr.OrganizationID, from.ID, models.RoleAdmin); err != nil {
		return err
	}
	if err := s.store.UpdateMemberRole(ctx, tr.OrganizationID, to.ID, models.RoleOwner); err != nil {
		s.compensate(ctx, tr, "upgrade_recipient", err, restoreOwner)
		return err
	}
	if err := s.store.UpdateTransferStatus(ctx, tr.ID, models.TransferAccepted, now); err != nil {
		s.compensate(ctx, tr, "mark_accepted", err, restoreRecipient, restoreOwner)
		return err
	}
	return nil
}

// compensate runs undo steps in order. When any of them fails the organization may be left with
// no owner or two, which is logged and audited as critical for manual repair.
func (s *Service) compensate(ctx context.Context, tr *models.OwnershipTransfer, stage string, cause error, undo ...func() error) {
	var errs []error
	for _, fn := range undo {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		telemetry.TransferEventsTotal.WithLabelValues(eventCompensated).Inc()
		slog.Warn("ownership transfer rolled back after partial failure",
			"transfer_id", tr.ID, "organization_id", tr.OrganizationID, "stage", stage, "error", cause)
		return
	}

	undoErr := errors.Join(errs...)
	telemetry.TransferEventsTotal.WithLabelValues(eventInconsistent).Inc()
	slog.Error("ownership transfer left organization in an inconsistent state",
		"transfer_id", tr.ID,
		"organization_id", tr.OrganizationID,
		"from_user_id", tr.FromUserID,
		"to_user_id", tr.ToUserID,
		"stage", stage,
		"error", cause,
		"compensation_error", undoErr)
	s.audit.LogTransferInconsistent(ctx, tr, stage, errors.Join(cause, undoErr))
}

// Cancel withdraws a pending transfer. Only the initiating owner may cancel; the recipient is
// notified.
func (s *Service) Cancel(ctx context.Context, transferID, cancellingUserID string) (err error) {
	defer apperror.Recover(&err)

	tr, err := s.loadPending(ctx, transferID, cancellingUserID)
	if err != nil {
		return err
	}
	if cancellingUserID != tr.FromUserID {
		return apperror.Forbidden("Only the initiating owner can cancel a transfer")
	}
	return s.finish(ctx, tr, cancellingUserID, "cancelled by initiator", func(p parties) notify.Recipient { return p.to })
}

// Decline lets the recipient refuse a pending transfer. The transfer ends cancelled and the
// initiator is notified.
func (s *Service) Decline(ctx context.Context, transferID, decliningUserID string) (err error) {
	defer apperror.Recover(&err)

	tr, err := s.loadPending(ctx, transferID, decliningUserID)
	if err != nil {
		return err
	}
	if decliningUserID != tr.ToUserID {
		return apperror.Forbidden("Only the recipient can decline a transfer")
	}
	return s.finish(ctx, tr, decliningUserID, "declined by recipient", func(p parties) notify.Recipient { return p.from })
}

func (s *Service) loadPending(ctx context.Context, transferID, actorID string) (*models.OwnershipTransfer, error) {
	tr, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, apperror.Internal("failed to load transfer", err)
	}
	if tr == nil {
		return nil, apperror.NotFound(MsgNotFound)
	}
	if err := s.checkPending(ctx, tr, actorID); err != nil {
		return nil, err
	}
	return tr, nil
}

// finish moves tr to cancelled, audits it with reason and notifies the party picked by notifyTo.
func (s *Service) finish(ctx context.Context, tr *models.OwnershipTransfer, actorID, reason string, notifyTo func(parties) notify.Recipient) error {
	now := s.now()
	if err := s.store.UpdateTransferStatus(ctx, tr.ID, models.TransferCancelled, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperror.Validation(MsgNoLongerValid)
		}
		return apperror.Internal("failed to cancel transfer", err)
	}
	tr.Status = models.TransferCancelled
	tr.CancelledAt = &now

	s.audit.LogTransferCancelled(ctx, tr, actorID, reason)
	telemetry.TransferEventsTotal.WithLabelValues(eventCancelled).Inc()

	if org, err := s.store.GetOrganization(ctx, tr.OrganizationID); err == nil && org != nil {
		p := s.parties(ctx, org, tr)
		s.send(ctx, tr, notifyTo(p), notify.KindTransferCancelled, p.data())
	}
	s.hook.OrganizationChanged(ctx, tr.OrganizationID)
	return nil
}

// ExpireStale marks every overdue pending transfer expired, notifies the initiators and returns
// how many transfers changed. Per-transfer failures are joined into the returned error after the
// remaining transfers have been processed.
func (s *Service) ExpireStale(ctx context.Context) (n int, err error) {
	defer apperror.Recover(&err)

	list, err := s.store.ListExpiredTransfers(ctx, s.now())
	if err != nil {
		return 0, apperror.Internal("failed to list expired transfers", err)
	}
	var errs []error
	for _, tr := range list {
		ok, err := s.markExpired(ctx, tr, audit.SystemActor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	if len(errs) > 0 {
		return n, apperror.Internal("failed to expire some transfers", errors.Join(errs...))
	}
	return n, nil
}

// Get returns a transfer with both parties resolved, applying lazy expiry.
func (s *Service) Get(ctx context.Context, transferID string) (view *models.TransferView, err error) {
	defer apperror.Recover(&err)

	view, err = s.store.GetTransferView(ctx, transferID)
	if err != nil {
		return nil, apperror.Internal("failed to load transfer", err)
	}
	if view == nil {
		return nil, apperror.NotFound(MsgNotFound)
	}
	if view.Status == models.TransferPending && view.IsExpiredAt(s.now()) {
		s.expire(ctx, &view.OwnershipTransfer, "")
	}
	return view, nil
}

// GetPendingForOrganization returns the organization's pending transfer, or nil when there is
// none. An overdue transfer is expired and reported as none.
func (s *Service) GetPendingForOrganization(ctx context.Context, orgID string) (view *models.TransferView, err error) {
	defer apperror.Recover(&err)

	tr, err := s.store.GetPendingTransfer(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to load pending transfer", err)
	}
	if tr == nil {
		return nil, nil
	}
	if tr.IsExpiredAt(s.now()) {
		s.expire(ctx, tr, "")
		return nil, nil
	}
	return s.view(ctx, tr)
}

// checkPending fails unless tr is pending and unexpired, expiring it when its time has passed.
func (s *Service) checkPending(ctx context.Context, tr *models.OwnershipTransfer, actorID string) error {
	if tr.Status != models.TransferPending {
		return apperror.Validation(MsgNoLongerValid)
	}
	if tr.IsExpiredAt(s.now()) {
		s.expire(ctx, tr, actorID)
		return apperror.Validation(MsgExpired)
	}
	return nil
}

// expire is markExpired for read paths, where a failure is logged rather than returned.
func (s *Service) expire(ctx context.Context, tr *models.OwnershipTransfer, actorID string) {
	if _, err := s.markExpired(ctx, tr, actorID); err != nil {
		slog.Warn("failed to mark transfer expired", "transfer_id", tr.ID, "error", err)
	}
}

// markExpired moves tr to expired. It reports false without error when another caller already
// moved the transfer out of pending.
func (s *Service) markExpired(ctx context.Context, tr *models.OwnershipTransfer, actorID string) (bool, error) {
	now := s.now()
	if err := s.store.UpdateTransferStatus(ctx, tr.ID, models.TransferExpired, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	tr.Status = models.TransferExpired
	tr.ExpiredAt = &now

	s.audit.LogTransferExpired(ctx, tr, actorID)
	telemetry.TransferEventsTotal.WithLabelValues(eventExpired).Inc()
	if org, err := s.store.GetOrganization(ctx, tr.OrganizationID); err == nil && org != nil {
		p := s.parties(ctx, org, tr)
		s.send(ctx, tr, p.from, notify.KindTransferExpired, p.data())
	}
	s.hook.OrganizationChanged(ctx, tr.OrganizationID)
	return true, nil
}

func (s *Service) view(ctx context.Context, tr *models.OwnershipTransfer) (*models.TransferView, error) {
	v, err := s.store.GetTransferView(ctx, tr.ID)
	if err != nil {
		return nil, apperror.Internal("failed to load transfer", err)
	}
	if v == nil {
		return nil, apperror.NotFound(MsgNotFound)
	}
	return v, nil
}
