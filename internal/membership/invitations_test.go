package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/ratelimit"
)

// invite creates one invitation as the owner and returns it with its raw token.
func (f *fixture) invite(email string, role models.Role) (*models.Invitation, string) {
	f.t.Helper()
	res, err := f.svc.BulkInviteMembers(context.Background(), orgID,
		[]InviteRequest{{Email: email, Role: role}}, "u-owner", models.RoleOwner)
	require.NoError(f.t, err)
	require.Equal(f.t, 1, res.Processed, "invite %s: %+v", email, res.Errors)
	token := f.lastToken()

	pending, err := f.svc.ListPendingInvitations(context.Background(), orgID)
	require.NoError(f.t, err)
	for _, inv := range pending {
		if inv.Email == email {
			return inv, token
		}
	}
	f.t.Fatalf("invitation for %s not found", email)
	return nil, ""
}

// ---------------------------------------------------------------------------
// AcceptInvitation
// ---------------------------------------------------------------------------

func TestAcceptInvitation_CreatesMember(t *testing.T) {
	f := newFixture(t)
	inv, token := f.invite("new@x.com", models.RoleManager)
	f.st.PutUser(models.User{ID: "u-new", Email: "new@x.com", Name: "Nia"})

	m, err := f.svc.AcceptInvitation(context.Background(), token, "u-new", "New@X.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleManager, m.Role)
	assert.Equal(t, "u-new", m.UserID)

	stored, err := f.st.GetInvitation(context.Background(), orgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, stored.Status)
	require.NotNil(t, stored.RespondedAt)

	actions := f.actions()
	assert.Equal(t, string(audit.ActionInvitationAccepted), actions[len(actions)-1])

	_, err = f.svc.AcceptInvitation(context.Background(), token, "u-new", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrValidation, "a token cannot be redeemed twice")
}

func TestAcceptInvitation_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, token := f.invite("new@x.com", models.RoleMember)

	_, err := f.svc.AcceptInvitation(ctx, "", "u-new", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.AcceptInvitation(ctx, token, "", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = f.svc.AcceptInvitation(ctx, "bogus", "u-new", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.AcceptInvitation(ctx, token, "u-new", "someone-else@x.com")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = f.svc.AcceptInvitation(ctx, token, "u-member", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrAlreadyMember)
}

func TestAcceptInvitation_ExpiresAtBoundary(t *testing.T) {
	f := newFixture(t)
	inv, token := f.invite("late@x.com", models.RoleMember)

	f.advance(7 * 24 * time.Hour)
	_, err := f.svc.AcceptInvitation(context.Background(), token, "u-late", "late@x.com")
	require.Error(t, err)
	assert.Equal(t, "Invitation has expired", apperror.From(err).Message)

	stored, err := f.st.GetInvitation(context.Background(), orgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationExpired, stored.Status)
}

// ---------------------------------------------------------------------------
// CancelInvitation
// ---------------------------------------------------------------------------

func TestCancelInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminInv, _ := f.invite("boss@x.com", models.RoleAdmin)
	memberInv, token := f.invite("staff@x.com", models.RoleMember)

	err := f.svc.CancelInvitation(ctx, orgID, adminInv.ID, "u-manager", models.RoleManager)
	assert.ErrorIs(t, err, apperror.ErrForbidden, "managers cannot manage admin invitations")

	err = f.svc.CancelInvitation(ctx, orgID, memberInv.ID, "u-member", models.RoleMember)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	require.NoError(t, f.svc.CancelInvitation(ctx, orgID, memberInv.ID, "u-manager", models.RoleManager))
	err = f.svc.CancelInvitation(ctx, orgID, memberInv.ID, "u-manager", models.RoleManager)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = f.svc.CancelInvitation(ctx, orgID, "inv-missing", "u-owner", models.RoleOwner)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.AcceptInvitation(ctx, token, "u-staff", "staff@x.com")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// ---------------------------------------------------------------------------
// ResendInvitation
// ---------------------------------------------------------------------------

func TestResendInvitation_RotatesTokenAndExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, oldToken := f.invite("new@x.com", models.RoleMember)

	f.advance(6 * 24 * time.Hour)
	resent, err := f.svc.ResendInvitation(ctx, orgID, inv.ID, "u-admin", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(7*24*time.Hour), resent.ExpiresAt)
	newToken := f.lastToken()
	assert.NotEqual(t, oldToken, newToken)

	sent := f.notifier.Sent()
	assert.Equal(t, notify.KindInvitation, sent[len(sent)-1].Kind)
	assert.Equal(t, "u-admin", sent[len(sent)-1].Data["InviterName"])

	_, err = f.svc.AcceptInvitation(ctx, oldToken, "u-new", "new@x.com")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "the previous token is invalidated")

	f.advance(2 * 24 * time.Hour)
	_, err = f.svc.AcceptInvitation(ctx, newToken, "u-new", "new@x.com")
	require.NoError(t, err)
}

func TestResendInvitation_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.invite("new@x.com", models.RoleMember)

	for i := 0; i < DefaultResendLimitPerHour; i++ {
		_, err := f.svc.ResendInvitation(ctx, orgID, inv.ID, "u-owner", models.RoleOwner)
		require.NoError(t, err, "resend %d", i+1)
	}
	_, err := f.svc.ResendInvitation(ctx, orgID, inv.ID, "u-owner", models.RoleOwner)
	require.ErrorIs(t, err, apperror.ErrRateLimited)
	assert.Contains(t, apperror.From(err).Details, "retry_after_seconds")

	f.advance(time.Hour)
	_, err = f.svc.ResendInvitation(ctx, orgID, inv.ID, "u-owner", models.RoleOwner)
	assert.NoError(t, err)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("dial tcp: connection refused")
}

func TestResendInvitation_LimiterOutageAllows(t *testing.T) {
	f := newFixture(t, WithResendLimiter(brokenLimiter{}))
	inv, _ := f.invite("new@x.com", models.RoleMember)

	_, err := f.svc.ResendInvitation(context.Background(), orgID, inv.ID, "u-owner", models.RoleOwner)
	assert.NoError(t, err)
}

func TestResendInvitation_NotificationFailure(t *testing.T) {
	f := newFixture(t)
	inv, _ := f.invite("new@x.com", models.RoleMember)
	f.notifier.FailFor = map[string]error{"new@x.com": errors.New("provider outage")}

	_, err := f.svc.ResendInvitation(context.Background(), orgID, inv.ID, "u-owner", models.RoleOwner)
	assert.ErrorIs(t, err, apperror.ErrInternal)
}

// ---------------------------------------------------------------------------
// Reads and sweep
// ---------------------------------------------------------------------------

func TestListPendingInvitations_AppliesLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, _ := f.invite("old@x.com", models.RoleMember)
	f.advance(3 * 24 * time.Hour)
	f.invite("fresh@x.com", models.RoleMember)
	f.advance(4 * 24 * time.Hour)

	pending, err := f.svc.ListPendingInvitations(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh@x.com", pending[0].Email)

	stored, err := f.st.GetInvitation(ctx, orgID, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationExpired, stored.Status)
}

func TestExpireInvitations(t *testing.T) {
	f := newFixture(t)
	f.invite("a@x.com", models.RoleMember)
	f.invite("b@x.com", models.RoleMember)

	n, err := f.svc.ExpireInvitations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(7 * 24 * time.Hour)
	n, err = f.svc.ExpireInvitations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListMembers(t *testing.T) {
	f := newFixture(t)
	list, err := f.svc.ListMembers(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "m-owner", list[0].ID)
	assert.Equal(t, "owner@acme.test", list[0].UserEmail)
}
