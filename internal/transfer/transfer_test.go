package transfer

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
	"github.com/tenderdesk/orggov/internal/notify/notifytest"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/store/memstore"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const orgID = "org-1"

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	st       *memstore.Store
	notifier *notifytest.Recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, st: memstore.New(), notifier: &notifytest.Recorder{}, now: start}
	f.seedOrg(orgID, "Acme", "")
	return f
}

// seedOrg creates an organization with owner, admin, manager and member. Member ids are
// <prefix>m-<role>, user ids <prefix>u-<role>.
func (f *fixture) seedOrg(id, name, prefix string) {
	f.t.Helper()
	f.st.PutOrganization(models.Organization{ID: id, Name: name})
	for _, role := range []models.Role{models.RoleOwner, models.RoleAdmin, models.RoleManager, models.RoleMember} {
		userID := prefix + "u-" + string(role)
		f.st.PutUser(models.User{ID: userID, Email: prefix + string(role) + "@acme.test", Name: "The " + string(role)})
		require.NoError(f.t, f.st.AddMember(context.Background(), &models.Member{
			ID: prefix + "m-" + string(role), OrganizationID: id, UserID: userID, Role: role,
		}))
	}
}

func (f *fixture) service(st store.Store) *Service {
	return NewService(st, audit.NewLogger(f.st), Config{AppURL: "https://app.tenderdesk.test"},
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }))
}

func (f *fixture) role(memberID string) models.Role {
	f.t.Helper()
	m, err := f.st.GetMember(context.Background(), orgID, memberID)
	require.NoError(f.t, err)
	require.NotNil(f.t, m)
	return m.Role
}

func (f *fixture) status(id string) models.TransferStatus {
	f.t.Helper()
	tr, err := f.st.GetTransfer(context.Background(), id)
	require.NoError(f.t, err)
	require.NotNil(f.t, tr)
	return tr.Status
}

func (f *fixture) lastAudit() models.AuditLog {
	f.t.Helper()
	logs := f.st.AuditLogs()
	require.NotEmpty(f.t, logs)
	return logs[len(logs)-1]
}

func (f *fixture) initiate(svc *Service, to string) *Initiated {
	f.t.Helper()
	out, err := svc.Initiate(context.Background(), Request{OrganizationID: orgID, ToUserID: to, Reason: "retiring"}, "u-owner")
	require.NoError(f.t, err)
	return out
}

func counter(event string) float64 {
	return testutil.ToFloat64(telemetry.TransferEventsTotal.WithLabelValues(event))
}

// ---------------------------------------------------------------------------
// ValidateTransferRequest
// ---------------------------------------------------------------------------

func TestValidateTransferRequest(t *testing.T) {
	f := newFixture(t)
	deleted := start
	f.st.PutOrganization(models.Organization{ID: "org-deleted", Name: "Gone", DeletedAt: &deleted})
	svc := f.service(f.st)
	ctx := context.Background()

	tests := []struct {
		name     string
		org      string
		from, to string
		code     apperror.Code
	}{
		{"same user", orgID, "u-owner", "u-owner", apperror.CodeValidation},
		{"missing organization", "org-missing", "u-owner", "u-admin", apperror.CodeNotFound},
		{"soft-deleted organization", "org-deleted", "u-owner", "u-admin", apperror.CodeForbidden},
		{"initiator not owner", orgID, "u-admin", "u-manager", apperror.CodeForbidden},
		{"recipient not a member", orgID, "u-owner", "u-stranger", apperror.CodeNotFound},
		{"recipient is plain member", orgID, "u-owner", "u-member", apperror.CodeValidation},
		{"admin recipient", orgID, "u-owner", "u-admin", ""},
		{"manager recipient", orgID, "u-owner", "u-manager", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ValidateTransferRequest(ctx, tt.org, tt.from, tt.to)
			assert.Equal(t, tt.code, apperror.CodeOf(err), "error: %v", err)
		})
	}
}

func TestValidateTransferRequest_PendingTransfer(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	first := f.initiate(svc, "u-admin")

	err := svc.ValidateTransferRequest(context.Background(), orgID, "u-owner", "u-manager")
	assert.ErrorIs(t, err, apperror.ErrAlreadyExists)

	f.now = first.ExpiresAt
	require.NoError(t, svc.ValidateTransferRequest(context.Background(), orgID, "u-owner", "u-manager"))
	assert.Equal(t, models.TransferExpired, f.status(first.TransferID), "a stale transfer is expired on the way")
}

// ---------------------------------------------------------------------------
// Initiate
// ---------------------------------------------------------------------------

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)

	out, err := svc.Initiate(context.Background(), Request{
		OrganizationID: orgID, ToUserID: "u-admin", Reason: " retiring ", Message: "over to you",
	}, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, start.Add(72*time.Hour), out.ExpiresAt)
	assert.NotEmpty(t, out.Token)

	tr, err := f.st.GetTransfer(context.Background(), out.TransferID)
	require.NoError(t, err)
	assert.Equal(t, auth.HashToken(out.Token), tr.TokenHash, "only the token hash is stored")
	assert.Equal(t, "retiring", tr.Metadata.Reason)
	assert.Equal(t, models.TransferPending, tr.Status)

	entry := f.lastAudit()
	assert.Equal(t, string(audit.ActionTransferInitiated), entry.Action)
	assert.Equal(t, models.SeverityWarning, entry.Severity)

	sent := f.notifier.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, notify.KindTransferRequested, sent[0].Kind)
	assert.Equal(t, "admin@acme.test", sent[0].To.Email)
	assert.Equal(t, notify.KindTransferInitiated, sent[1].Kind)
	assert.Equal(t, "owner@acme.test", sent[1].To.Email)

	link, err := url.Parse(sent[0].Data["AcceptURL"].(string))
	require.NoError(t, err)
	assert.Equal(t, out.Token, link.Query().Get("token"))
	assert.Equal(t, "The owner", sent[0].Data["FromName"])
}

func TestInitiate_NotificationFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.notifier.FailFor = map[string]error{"admin@acme.test": errors.New("mailbox full")}
	svc := f.service(f.st)

	out, err := svc.Initiate(context.Background(), Request{OrganizationID: orgID, ToUserID: "u-admin"}, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, f.status(out.TransferID))
	assert.Equal(t, []notify.Kind{notify.KindTransferInitiated}, f.notifier.Kinds())
}

// ---------------------------------------------------------------------------
// Accept
// ---------------------------------------------------------------------------

func TestAccept_SwapsRoles(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-manager")

	f.now = start.Add(time.Hour)
	view, err := svc.Accept(context.Background(), out.TransferID, "u-manager")
	require.NoError(t, err)

	assert.Equal(t, models.RoleAdmin, f.role("m-owner"))
	assert.Equal(t, models.RoleOwner, f.role("m-manager"))
	assert.Equal(t, models.TransferAccepted, view.Status)
	require.NotNil(t, view.AcceptedAt)
	assert.Equal(t, f.now, *view.AcceptedAt)
	assert.Equal(t, "owner@acme.test", view.FromUser.Email)
	assert.Equal(t, "manager@acme.test", view.ToUser.Email)

	entry := f.lastAudit()
	assert.Equal(t, string(audit.ActionTransferAccepted), entry.Action)
	assert.Equal(t, "u-manager", entry.UserID)

	kinds := f.notifier.Kinds()
	assert.Equal(t, []notify.Kind{notify.KindTransferAccepted, notify.KindTransferAccepted}, kinds[len(kinds)-2:])
}

func TestAccept_Rejections(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	ctx := context.Background()

	_, err := svc.Accept(ctx, "tr-missing", "u-admin")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = svc.Accept(ctx, out.TransferID, "u-manager")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = svc.AcceptByToken(ctx, "not-the-token", "u-admin")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = svc.AcceptByToken(ctx, "", "u-admin")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	assert.Equal(t, models.RoleOwner, f.role("m-owner"))
	assert.Equal(t, models.TransferPending, f.status(out.TransferID))
}

func TestAccept_ExactlyAtExpiryIsExpired(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")

	f.now = out.ExpiresAt
	_, err := svc.AcceptByToken(context.Background(), out.Token, "u-admin")
	require.Error(t, err)
	assert.Equal(t, MsgExpired, apperror.From(err).Message)
	assert.Equal(t, models.TransferExpired, f.status(out.TransferID))
	assert.Equal(t, models.RoleOwner, f.role("m-owner"))
	assert.Equal(t, string(audit.ActionTransferExpired), f.lastAudit().Action)

	_, err = svc.AcceptByToken(context.Background(), out.Token, "u-admin")
	assert.Equal(t, MsgNoLongerValid, apperror.From(err).Message)
}

func TestAccept_JustBeforeExpirySucceeds(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")

	f.now = out.ExpiresAt.Add(-time.Nanosecond)
	_, err := svc.AcceptByToken(context.Background(), out.Token, "u-admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, f.role("m-admin"))
}

func TestAccept_InitiatorNoLongerOwner(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	require.NoError(t, f.st.UpdateMemberRole(context.Background(), orgID, "m-owner", models.RoleAdmin))

	_, err := svc.Accept(context.Background(), out.TransferID, "u-admin")
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, models.RoleAdmin, f.role("m-admin"))
}

// txStore runs fn directly against the wrapped store and counts calls.
type txStore struct {
	*memstore.Store
	calls int
}

func (s *txStore) WithinTx(_ context.Context, fn func(tx store.Store) error) error {
	s.calls++
	return fn(s.Store)
}

func TestAccept_UsesTransactionWhenAvailable(t *testing.T) {
	f := newFixture(t)
	ts := &txStore{Store: f.st}
	svc := f.service(ts)
	out := f.initiate(svc, "u-admin")

	_, err := svc.Accept(context.Background(), out.TransferID, "u-admin")
	require.NoError(t, err)
	assert.Equal(t, 1, ts.calls)
	assert.Equal(t, models.RoleAdmin, f.role("m-owner"))
	assert.Equal(t, models.RoleOwner, f.role("m-admin"))
	assert.Equal(t, models.TransferAccepted, f.status(out.TransferID))
}

// ---------------------------------------------------------------------------
// Compensation
// ---------------------------------------------------------------------------

// faultyStore fails selected writes.
type faultyStore struct {
	*memstore.Store
	failRole   func(memberID string, role models.Role) error
	failAccept error
}

func (s *faultyStore) UpdateMemberRole(ctx context.Context, org, memberID string, role models.Role) error {
	if s.failRole != nil {
		if err := s.failRole(memberID, role); err != nil {
			return err
		}
	}
	return s.Store.UpdateMemberRole(ctx, org, memberID, role)
}

func (s *faultyStore) UpdateTransferStatus(ctx context.Context, id string, status models.TransferStatus, at time.Time) error {
	if status == models.TransferAccepted && s.failAccept != nil {
		return s.failAccept
	}
	return s.Store.UpdateTransferStatus(ctx, id, status, at)
}

func TestAccept_UpgradeFailureRestoresOwner(t *testing.T) {
	f := newFixture(t)
	fs := &faultyStore{Store: f.st, failRole: func(memberID string, role models.Role) error {
		if memberID == "m-admin" && role == models.RoleOwner {
			return errors.New("connection reset")
		}
		return nil
	}}
	svc := f.service(fs)
	out := f.initiate(svc, "u-admin")
	before := counter(eventCompensated)

	_, err := svc.Accept(context.Background(), out.TransferID, "u-admin")
	assert.ErrorIs(t, err, apperror.ErrInternal)

	assert.Equal(t, models.RoleOwner, f.role("m-owner"))
	assert.Equal(t, models.RoleAdmin, f.role("m-admin"))
	assert.Equal(t, models.TransferPending, f.status(out.TransferID), "the transfer can be retried")
	assert.Equal(t, before+1, counter(eventCompensated))
}

func TestAccept_StatusFailureRestoresBothRoles(t *testing.T) {
	f := newFixture(t)
	fs := &faultyStore{Store: f.st, failAccept: store.ErrConflict}
	svc := f.service(fs)
	out := f.initiate(svc, "u-manager")

	_, err := svc.Accept(context.Background(), out.TransferID, "u-manager")
	require.Error(t, err)
	assert.Equal(t, MsgNoLongerValid, apperror.From(err).Message)
	assert.Equal(t, models.RoleOwner, f.role("m-owner"))
	assert.Equal(t, models.RoleManager, f.role("m-manager"))
}

func TestAccept_FailedCompensationIsAuditedAsCritical(t *testing.T) {
	f := newFixture(t)
	fs := &faultyStore{Store: f.st, failRole: func(_ string, role models.Role) error {
		if role == models.RoleOwner {
			return errors.New("database is read-only")
		}
		return nil
	}}
	svc := f.service(fs)
	out := f.initiate(svc, "u-admin")
	before := counter(eventInconsistent)

	_, err := svc.Accept(context.Background(), out.TransferID, "u-admin")
	assert.ErrorIs(t, err, apperror.ErrInternal)

	entry := f.lastAudit()
	assert.Equal(t, string(audit.ActionTransferInconsistent), entry.Action)
	assert.Equal(t, models.SeverityCritical, entry.Severity)
	assert.Equal(t, audit.SystemActor, entry.UserID)
	assert.Equal(t, "upgrade_recipient", entry.Details["stage"])
	assert.Equal(t, before+1, counter(eventInconsistent))

	// The organization has no owner until repaired.
	assert.Equal(t, models.RoleAdmin, f.role("m-owner"))
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_ThenAcceptByTokenFails(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")

	require.NoError(t, svc.Cancel(context.Background(), out.TransferID, "u-owner"))
	assert.Equal(t, models.TransferCancelled, f.status(out.TransferID))
	assert.Equal(t, "cancelled by initiator", f.lastAudit().Details["cancel_reason"])

	_, err := svc.AcceptByToken(context.Background(), out.Token, "u-admin")
	require.Error(t, err)
	assert.Equal(t, MsgNoLongerValid, apperror.From(err).Message)
	assert.Equal(t, models.RoleOwner, f.role("m-owner"))
}

func TestCancel_OnlyInitiator(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	ctx := context.Background()

	assert.ErrorIs(t, svc.Cancel(ctx, out.TransferID, "u-admin"), apperror.ErrForbidden)
	assert.ErrorIs(t, svc.Cancel(ctx, out.TransferID, "u-manager"), apperror.ErrForbidden)
	assert.ErrorIs(t, svc.Cancel(ctx, "tr-missing", "u-owner"), apperror.ErrNotFound)
	assert.Equal(t, models.TransferPending, f.status(out.TransferID))

	require.NoError(t, svc.Cancel(ctx, out.TransferID, "u-owner"))
	assert.Equal(t, models.TransferCancelled, f.status(out.TransferID))
	last := f.notifier.Sent()[len(f.notifier.Sent())-1]
	assert.Equal(t, notify.KindTransferCancelled, last.Kind)
	assert.Equal(t, "admin@acme.test", last.To.Email)

	assert.ErrorIs(t, svc.Cancel(ctx, out.TransferID, "u-owner"), apperror.ErrValidation)
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	ctx := context.Background()

	assert.ErrorIs(t, svc.Decline(ctx, out.TransferID, "u-owner"), apperror.ErrForbidden)
	assert.ErrorIs(t, svc.Decline(ctx, out.TransferID, "u-manager"), apperror.ErrForbidden)

	require.NoError(t, svc.Decline(ctx, out.TransferID, "u-admin"))
	assert.Equal(t, models.TransferCancelled, f.status(out.TransferID))
	assert.Equal(t, "declined by recipient", f.lastAudit().Details["cancel_reason"])
	last := f.notifier.Sent()[len(f.notifier.Sent())-1]
	assert.Equal(t, "owner@acme.test", last.To.Email)
	assert.Equal(t, models.RoleOwner, f.role("m-owner"))

	assert.ErrorIs(t, svc.Decline(ctx, out.TransferID, "u-admin"), apperror.ErrValidation)
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	f.seedOrg("org-2", "Beta", "b-")
	svc := f.service(f.st)
	first := f.initiate(svc, "u-admin")

	f.now = start.Add(24 * time.Hour)
	_, err := svc.Initiate(context.Background(), Request{OrganizationID: "org-2", ToUserID: "b-u-admin"}, "b-u-owner")
	require.NoError(t, err)

	f.now = first.ExpiresAt
	n, err := svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.TransferExpired, f.status(first.TransferID))

	last := f.notifier.Sent()[len(f.notifier.Sent())-1]
	assert.Equal(t, notify.KindTransferExpired, last.Kind)
	assert.Equal(t, "owner@acme.test", last.To.Email)
	assert.Equal(t, audit.SystemActor, f.lastAudit().UserID)

	n, err = svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGet_AppliesLazyExpiry(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	ctx := context.Background()

	view, err := svc.Get(ctx, out.TransferID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, view.Status)
	assert.Equal(t, "The admin", view.ToUser.Name)

	pending, err := svc.GetPendingForOrganization(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, out.TransferID, pending.ID)

	f.now = out.ExpiresAt
	view, err = svc.Get(ctx, out.TransferID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferExpired, view.Status)

	pending, err = svc.GetPendingForOrganization(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, err = svc.Get(ctx, "tr-missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestInitiate_FormerOwnerCannotStartAnother(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.st)
	out := f.initiate(svc, "u-admin")
	_, err := svc.Accept(context.Background(), out.TransferID, "u-admin")
	require.NoError(t, err)

	_, err = svc.Initiate(context.Background(), Request{OrganizationID: orgID, ToUserID: "u-manager"}, "u-owner")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = svc.Initiate(context.Background(), Request{OrganizationID: orgID, ToUserID: "u-owner"}, "u-admin")
	require.NoError(t, err, "the new owner can hand it back")
}
