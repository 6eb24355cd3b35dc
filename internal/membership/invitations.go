// invitations.go implements single-invitation operations: accept, cancel, resend and the
// pending-invitation reads.
//
// Expiry is lazy. An invitation whose expires_at has passed stays "pending" in storage until it is
// next read or acted on, at which point it is marked expired. ExpireInvitations sweeps the rest.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/store"
)

// AcceptInvitation redeems token for userID, creating a membership with the invited role. email
// is the caller's verified address and must match the invitation.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID, email string) (m *models.Member, err error) {
	defer apperror.Recover(&err)

	if token == "" {
		return nil, apperror.Validation("Invitation token is required")
	}
	if userID == "" {
		return nil, apperror.Unauthorized("Authentication required")
	}
	inv, err := s.store.GetInvitationByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return nil, apperror.Internal("failed to load invitation", err)
	}
	if inv == nil {
		return nil, apperror.NotFound("Invitation not found")
	}
	if err := s.checkPending(ctx, inv); err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(email), inv.Email) {
		return nil, apperror.Forbidden("This invitation was sent to a different email address")
	}
	if _, err := s.activeOrganization(ctx, inv.OrganizationID); err != nil {
		return nil, err
	}
	existing, err := s.store.GetMemberByUser(ctx, inv.OrganizationID, userID)
	if err != nil {
		return nil, apperror.Internal("failed to load membership", err)
	}
	if existing != nil {
		return nil, apperror.New(apperror.CodeAlreadyMember, "User is already a member of this organization")
	}

	now := s.now()
	m = &models.Member{
		ID:             s.newID(),
		OrganizationID: inv.OrganizationID,
		UserID:         userID,
		Role:           inv.Role,
		CreatedAt:      now,
	}
	accept := func(tx store.Store) error {
		if err := tx.UpdateInvitationStatus(ctx, inv.ID, models.InvitationAccepted, now); err != nil {
			return err
		}
		return tx.AddMember(ctx, m)
	}
	atomic, err := store.Atomically(ctx, s.store, accept)
	if !atomic {
		err = accept(s.store)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict) && !atomic && s.invitationAccepted(ctx, inv):
			// The invitation was claimed here but the member row collided.
			return nil, apperror.New(apperror.CodeAlreadyMember, "User is already a member of this organization")
		case errors.Is(err, store.ErrConflict):
			return nil, apperror.Validation("Invitation is no longer pending")
		}
		return nil, apperror.Internal("failed to accept invitation", err)
	}

	s.audit.LogInvitationAccepted(ctx, inv, userID, m.ID)
	s.changed(ctx, inv.OrganizationID)
	return m, nil
}

// invitationAccepted reports whether inv is now stored as accepted.
func (s *Service) invitationAccepted(ctx context.Context, inv *models.Invitation) bool {
	cur, err := s.store.GetInvitation(ctx, inv.OrganizationID, inv.ID)
	return err == nil && cur != nil && cur.Status == models.InvitationAccepted
}

// CancelInvitation withdraws a pending invitation. The actor must be at least a manager and be
// allowed to assign the invited role.
func (s *Service) CancelInvitation(ctx context.Context, orgID, invitationID, actorID string, actorRole models.Role) (err error) {
	defer apperror.Recover(&err)

	inv, err := s.manageableInvitation(ctx, orgID, invitationID, actorRole)
	if err != nil {
		return err
	}
	if err := s.store.UpdateInvitationStatus(ctx, inv.ID, models.InvitationCancelled, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperror.Validation("Invitation is no longer pending")
		}
		return apperror.Internal("failed to cancel invitation", err)
	}
	s.audit.LogInvitationCancelled(ctx, inv, actorID, "")
	s.changed(ctx, orgID)
	return nil
}

// ResendInvitation rotates the invitation token, restarts its expiry and emails it again.
// Resends are throttled per invitation.
func (s *Service) ResendInvitation(ctx context.Context, orgID, invitationID, actorID string, actorRole models.Role) (inv *models.Invitation, err error) {
	defer apperror.Recover(&err)

	inv, err = s.manageableInvitation(ctx, orgID, invitationID, actorRole)
	if err != nil {
		return nil, err
	}
	org, err := s.activeOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rl, err := s.limiter.Allow(ctx, "invitation-resend:"+inv.ID)
	switch {
	case err != nil:
		slog.Warn("resend rate limiter unavailable, allowing request", "invitation_id", inv.ID, "error", err)
	case !rl.Allowed:
		return nil, apperror.New(apperror.CodeRateLimited, "Too many resend attempts for this invitation").
			WithDetail("retry_after_seconds", int(rl.RetryAfter.Seconds()))
	}

	token, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, apperror.Internal("failed to generate invitation token", err)
	}
	expiresAt := s.now().Add(s.cfg.InvitationTTL)
	if err := s.store.RotateInvitationToken(ctx, inv.ID, hash, expiresAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Validation("Invitation is no longer pending")
		}
		return nil, apperror.Internal("failed to rotate invitation token", err)
	}
	inv.TokenHash = hash
	inv.ExpiresAt = expiresAt

	if err := s.sendInvitation(ctx, org, inv, token, s.displayName(ctx, actorID), ""); err != nil {
		return nil, apperror.Internal("Failed to send invitation email", err)
	}
	s.audit.LogInvitationResent(ctx, inv, actorID)
	return inv, nil
}

// manageableInvitation loads a pending invitation the actor may act on. An expired invitation is
// still manageable by resend and cancel.
func (s *Service) manageableInvitation(ctx context.Context, orgID, invitationID string, actorRole models.Role) (*models.Invitation, error) {
	if !policy.AtLeast(actorRole, models.RoleManager) {
		return nil, apperror.Forbidden("Insufficient permissions to manage invitations")
	}
	inv, err := s.store.GetInvitation(ctx, orgID, invitationID)
	if err != nil {
		return nil, apperror.Internal("failed to load invitation", err)
	}
	if inv == nil {
		return nil, apperror.NotFound("Invitation not found")
	}
	if inv.Status != models.InvitationPending {
		return nil, apperror.Validation("Invitation is no longer pending")
	}
	if err := policy.CanAssignRole(actorRole, inv.Role).Err(); err != nil {
		return nil, err
	}
	return inv, nil
}

// checkPending fails unless inv is pending and unexpired, marking it expired when its time has
// passed.
func (s *Service) checkPending(ctx context.Context, inv *models.Invitation) error {
	if inv.Status != models.InvitationPending {
		return apperror.Validation("Invitation is no longer pending")
	}
	now := s.now()
	if inv.IsExpiredAt(now) {
		s.expire(ctx, inv)
		return apperror.Validation("Invitation has expired")
	}
	return nil
}

func (s *Service) expire(ctx context.Context, inv *models.Invitation) {
	err := s.store.UpdateInvitationStatus(ctx, inv.ID, models.InvitationExpired, s.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Warn("failed to mark invitation expired", "invitation_id", inv.ID, "error", err)
		return
	}
	inv.Status = models.InvitationExpired
}

// pendingInvitations lists unexpired pending invitations, expiring stale rows on the way.
func (s *Service) pendingInvitations(ctx context.Context, orgID string) ([]*models.Invitation, error) {
	list, err := s.store.ListPendingInvitations(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to list invitations", err)
	}
	now := s.now()
	out := make([]*models.Invitation, 0, len(list))
	for _, inv := range list {
		if inv.IsExpiredAt(now) {
			s.expire(ctx, inv)
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// ListPendingInvitations returns the organization's invitations that are still pending and
// unexpired at the time of the call.
func (s *Service) ListPendingInvitations(ctx context.Context, orgID string) (list []*models.Invitation, err error) {
	defer apperror.Recover(&err)
	return s.pendingInvitations(ctx, orgID)
}

// ListMembers returns the organization's members with their user details, oldest first.
func (s *Service) ListMembers(ctx context.Context, orgID string) (list []*models.Member, err error) {
	defer apperror.Recover(&err)

	list, err = s.store.ListMembers(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal("failed to list members", err)
	}
	return list, nil
}

// ExpireInvitations marks every overdue pending invitation expired and returns how many changed.
func (s *Service) ExpireInvitations(ctx context.Context) (n int, err error) {
	defer apperror.Recover(&err)

	n, err = s.store.ExpireInvitations(ctx, s.now())
	if err != nil {
		return 0, apperror.Internal("failed to expire invitations", err)
	}
	return n, nil
}
