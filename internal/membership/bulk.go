// bulk.go implements the three bulk membership operations. Each item is read, authorized and
// written on its own; a denied or failed item never undoes the items before it.
package membership

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/store"
)

// BulkUpdateRoles changes the role of each listed member. Only owners and admins may call it.
func (s *Service) BulkUpdateRoles(ctx context.Context, orgID string, updates []RoleUpdate, actorID string, actorRole models.Role) (res *BulkResult, err error) {
	defer apperror.Recover(&err)

	if actorRole != models.RoleOwner && actorRole != models.RoleAdmin {
		return nil, apperror.Forbidden("Only owners and admins can update member roles")
	}
	if len(updates) == 0 {
		return nil, apperror.Validation("No role updates provided")
	}
	if _, err := s.activeOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	b := s.startBatch(ctx, OperationUpdateRoles, orgID, len(updates))
	for _, u := range updates {
		step, err := s.updateRole(ctx, orgID, u, actorID, actorRole)
		b.record(ctx, u.MemberID, err, step)
	}
	return b.finish(ctx, actorID), nil
}

func (s *Service) updateRole(ctx context.Context, orgID string, u RoleUpdate, actorID string, actorRole models.Role) (*RollbackStep, error) {
	m, err := s.store.GetMember(ctx, orgID, u.MemberID)
	if err != nil {
		return nil, apperror.Internal("failed to load member", err)
	}
	if m == nil {
		return nil, apperror.NotFound("Member not found")
	}
	// The role rules run first so a self-change is reported as such whatever role it names.
	if err := policy.CanChangeRole(actorRole, m.Role, u.NewRole, m.UserID == actorID).Err(); err != nil {
		return nil, err
	}
	if !u.NewRole.Valid() {
		return nil, apperror.Validation("Invalid role")
	}
	if err := policy.RequiresTransfer(u.NewRole).Err(); err != nil {
		return nil, err
	}
	if m.Role == u.NewRole {
		return nil, nil
	}

	if err := s.store.UpdateMemberRole(ctx, orgID, m.ID, u.NewRole); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("Member not found")
		}
		return nil, apperror.Internal("failed to update member role", err)
	}
	s.audit.LogRoleUpdated(ctx, m, actorID, m.Role, u.NewRole, u.Reason)

	return &RollbackStep{
		Kind:         StepRoleChanged,
		MemberID:     m.ID,
		PreviousRole: m.Role,
		AppliedRole:  u.NewRole,
	}, nil
}

// BulkRemoveMembers hard-deletes each listed membership. The actor must be at least a manager.
// A member id listed twice fails the second time with NOT_FOUND.
func (s *Service) BulkRemoveMembers(ctx context.Context, orgID string, memberIDs []string, actorID string, actorRole models.Role, reason string) (res *BulkResult, err error) {
	defer apperror.Recover(&err)

	if !policy.AtLeast(actorRole, models.RoleManager) {
		return nil, apperror.Forbidden(policy.ReasonRemoveInsufficient)
	}
	if len(memberIDs) == 0 {
		return nil, apperror.Validation("No members provided")
	}
	if _, err := s.activeOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	b := s.startBatch(ctx, OperationRemoveMembers, orgID, len(memberIDs))
	for _, id := range memberIDs {
		step, err := s.removeMember(ctx, orgID, id, actorID, actorRole, reason)
		b.record(ctx, id, err, step)
	}
	return b.finish(ctx, actorID), nil
}

func (s *Service) removeMember(ctx context.Context, orgID, memberID, actorID string, actorRole models.Role, reason string) (*RollbackStep, error) {
	m, err := s.store.GetMember(ctx, orgID, memberID)
	if err != nil {
		return nil, apperror.Internal("failed to load member", err)
	}
	if m == nil {
		return nil, apperror.NotFound("Member not found")
	}
	if err := policy.CanRemoveMember(actorRole, m.Role, m.UserID == actorID).Err(); err != nil {
		return nil, err
	}

	if err := s.store.DeleteMember(ctx, orgID, m.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("Member not found")
		}
		return nil, apperror.Internal("failed to remove member", err)
	}
	s.audit.LogMemberRemoved(ctx, m, actorID, reason)

	removed := *m
	removed.UserEmail, removed.UserName = "", ""
	return &RollbackStep{Kind: StepMemberRemoved, Member: &removed}, nil
}

// inviteBatch carries what every item of one invite batch shares.
type inviteBatch struct {
	org         *models.Organization
	actorID     string
	actorRole   models.Role
	inviterName string
	// members and pending hold lower-cased emails. They are read once when the batch starts
	// and extended as invitations succeed, so a duplicate inside the batch is rejected too.
	members map[string]struct{}
	pending map[string]struct{}
}

// BulkInviteMembers creates one pending invitation per request and emails it. The actor must be
// at least a manager. A failed email cancels the new invitation and fails the item, so a retry is
// not blocked by an invitation nobody received.
func (s *Service) BulkInviteMembers(ctx context.Context, orgID string, invitations []InviteRequest, actorID string, actorRole models.Role) (res *BulkResult, err error) {
	defer apperror.Recover(&err)

	if !policy.AtLeast(actorRole, models.RoleManager) {
		return nil, apperror.Forbidden("Insufficient permissions to invite members")
	}
	if len(invitations) == 0 {
		return nil, apperror.Validation("No invitations provided")
	}
	org, err := s.activeOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	ib := &inviteBatch{
		org:         org,
		actorID:     actorID,
		actorRole:   actorRole,
		inviterName: s.displayName(ctx, actorID),
		members:     make(map[string]struct{}),
		pending:     make(map[string]struct{}),
	}
	if err := s.snapshotEmails(ctx, ib); err != nil {
		return nil, err
	}

	b := s.startBatch(ctx, OperationInviteMembers, orgID, len(invitations))
	for _, req := range invitations {
		step, err := s.invite(ctx, ib, req)
		b.record(ctx, req.Email, err, step)
	}
	return b.finish(ctx, actorID), nil
}

func (s *Service) snapshotEmails(ctx context.Context, ib *inviteBatch) error {
	members, err := s.store.ListMembers(ctx, ib.org.ID)
	if err != nil {
		return apperror.Internal("failed to list members", err)
	}
	for _, m := range members {
		if m.UserEmail != "" {
			ib.members[strings.ToLower(m.UserEmail)] = struct{}{}
		}
	}

	pending, err := s.pendingInvitations(ctx, ib.org.ID)
	if err != nil {
		return err
	}
	for _, inv := range pending {
		ib.pending[strings.ToLower(inv.Email)] = struct{}{}
	}
	return nil
}

func (s *Service) invite(ctx context.Context, ib *inviteBatch, req InviteRequest) (*RollbackStep, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if _, ok := ib.members[email]; ok {
		return nil, apperror.New(apperror.CodeAlreadyMember, "User is already a member of this organization")
	}
	if _, ok := ib.pending[email]; ok {
		return nil, apperror.New(apperror.CodeInvitationExists, "An invitation is already pending for this email")
	}
	if err := policy.RequiresTransfer(req.Role).Err(); err != nil {
		return nil, err
	}
	if err := policy.CanAssignRole(ib.actorRole, req.Role).Err(); err != nil {
		return nil, err
	}

	token, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, apperror.Internal("failed to generate invitation token", err)
	}
	now := s.now()
	inv := &models.Invitation{
		ID:             s.newID(),
		OrganizationID: ib.org.ID,
		Email:          email,
		Role:           req.Role,
		Status:         models.InvitationPending,
		TokenHash:      hash,
		InviterID:      ib.actorID,
		ExpiresAt:      now.Add(s.cfg.InvitationTTL),
		CreatedAt:      now,
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ib.pending[email] = struct{}{}
			return nil, apperror.New(apperror.CodeInvitationExists, "An invitation is already pending for this email")
		}
		return nil, apperror.Internal("failed to create invitation", err)
	}

	if err := s.sendInvitation(ctx, ib.org, inv, token, ib.inviterName, req.Message); err != nil {
		if cerr := s.store.UpdateInvitationStatus(ctx, inv.ID, models.InvitationCancelled, s.now()); cerr != nil {
			return nil, apperror.Internal("failed to cancel undelivered invitation", errors.Join(err, cerr))
		}
		return nil, apperror.Internal("Failed to send invitation email", err)
	}

	ib.pending[email] = struct{}{}
	s.audit.LogMemberInvited(ctx, inv, ib.actorID)
	return &RollbackStep{Kind: StepInvitationCreated, InvitationID: inv.ID}, nil
}

func (s *Service) sendInvitation(ctx context.Context, org *models.Organization, inv *models.Invitation, token, inviterName, message string) error {
	return s.notifier.Send(ctx, notify.Recipient{Email: inv.Email}, notify.KindInvitation, notify.Data{
		"OrganizationName": org.Name,
		"InviterName":      inviterName,
		"Role":             string(inv.Role),
		"Message":          message,
		"AcceptURL":        s.acceptURL(token),
		"ExpiresAt":        inv.ExpiresAt.Format("January 2, 2006 15:04 MST"),
	})
}

func (s *Service) acceptURL(token string) string {
	return strings.TrimRight(s.cfg.AppURL, "/") + "/invitations/accept?token=" + token
}

// normalizeEmail validates a bare address and lower-cases it. Display-name forms such as
// "Ann <ann@x.com>" are rejected, and the domain must contain a dot.
func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed || addr.Name != "" {
		return "", apperror.Validation("Invalid email address")
	}
	at := strings.LastIndexByte(trimmed, '@')
	domain := trimmed[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", apperror.Validation("Invalid email address")
	}
	return strings.ToLower(trimmed), nil
}
