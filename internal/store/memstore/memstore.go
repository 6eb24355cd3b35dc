// Package memstore is an in-process implementation of store.Store. It backs the service tests
// and single-node deployments that have no database. It does not implement store.Transactor;
// services fall back to their compensating paths when running on it.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/store"
)

// Store holds every table in maps guarded by one mutex. Values are copied on the way in and
// out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	orgs        map[string]models.Organization
	users       map[string]models.User
	members     map[string]models.Member
	invitations map[string]models.Invitation
	transfers   map[string]models.OwnershipTransfer
	deletions   map[string]models.ScheduledDeletion
	sessions    map[string]models.SessionTracking
	audit       []models.AuditLog
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		orgs:        make(map[string]models.Organization),
		users:       make(map[string]models.User),
		members:     make(map[string]models.Member),
		invitations: make(map[string]models.Invitation),
		transfers:   make(map[string]models.OwnershipTransfer),
		deletions:   make(map[string]models.ScheduledDeletion),
		sessions:    make(map[string]models.SessionTracking),
	}
}

// ---------------------------------------------------------------------------
// Seeding
// ---------------------------------------------------------------------------

// PutOrganization inserts or replaces an organization.
func (s *Store) PutOrganization(org models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	s.orgs[org.ID] = org
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	s.users[u.ID] = u
}

// AuditLogs returns a copy of every audit entry in insertion order.
func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

// ---------------------------------------------------------------------------
// Organizations
// ---------------------------------------------------------------------------

func (s *Store) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	return &org, nil
}

func (s *Store) SetOrganizationDeletedAt(_ context.Context, id string, deletedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return store.ErrNotFound
	}
	if deletedAt != nil {
		t := *deletedAt
		org.DeletedAt = &t
		org.UpdatedAt = t
	} else {
		org.DeletedAt = nil
	}
	s.orgs[id] = org
	return nil
}

func (s *Store) DeleteOrganization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.orgs, id)
	for k, m := range s.members {
		if m.OrganizationID == id {
			delete(s.members, k)
		}
	}
	for k, inv := range s.invitations {
		if inv.OrganizationID == id {
			delete(s.invitations, k)
		}
	}
	for k, t := range s.transfers {
		if t.OrganizationID == id {
			delete(s.transfers, k)
		}
	}
	for k, d := range s.deletions {
		if d.OrganizationID == id {
			delete(s.deletions, k)
		}
	}
	for k, sess := range s.sessions {
		if sess.OrganizationID != nil && *sess.OrganizationID == id {
			sess.OrganizationID = nil
			s.sessions[k] = sess
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

func (s *Store) withUser(m models.Member) *models.Member {
	if u, ok := s.users[m.UserID]; ok {
		m.UserEmail = u.Email
		m.UserName = u.Name
	}
	return &m
}

func (s *Store) GetMember(_ context.Context, orgID, memberID string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok || m.OrganizationID != orgID {
		return nil, nil
	}
	return s.withUser(m), nil
}

func (s *Store) GetMemberByUser(_ context.Context, orgID, userID string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.UserID == userID {
			return s.withUser(m), nil
		}
	}
	return nil, nil
}

func (s *Store) ListMembers(_ context.Context, orgID string) ([]*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Member, 0)
	for _, m := range s.members {
		if m.OrganizationID == orgID {
			out = append(out, s.withUser(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AddMember(_ context.Context, m *models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members {
		if existing.OrganizationID == m.OrganizationID && existing.UserID == m.UserID {
			return store.ErrConflict
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if _, ok := s.members[m.ID]; ok {
		return store.ErrConflict
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	row := *m
	row.UserEmail, row.UserName = "", ""
	s.members[m.ID] = row
	return nil
}

func (s *Store) UpdateMemberRole(_ context.Context, orgID, memberID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok || m.OrganizationID != orgID {
		return store.ErrNotFound
	}
	m.Role = role
	s.members[memberID] = m
	return nil
}

func (s *Store) DeleteMember(_ context.Context, orgID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok || m.OrganizationID != orgID {
		return store.ErrNotFound
	}
	delete(s.members, memberID)
	return nil
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

func (s *Store) CreateInvitation(_ context.Context, inv *models.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(inv.Email)
	for _, existing := range s.invitations {
		if existing.OrganizationID == inv.OrganizationID && existing.Status == models.InvitationPending &&
			strings.EqualFold(existing.Email, email) {
			return store.ErrConflict
		}
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	inv.Email = email
	s.invitations[inv.ID] = *inv
	return nil
}

func (s *Store) GetInvitation(_ context.Context, orgID, id string) (*models.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok || inv.OrganizationID != orgID {
		return nil, nil
	}
	return &inv, nil
}

func (s *Store) GetInvitationByTokenHash(_ context.Context, tokenHash string) (*models.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invitations {
		if inv.TokenHash == tokenHash {
			return &inv, nil
		}
	}
	return nil, nil
}

func (s *Store) ListPendingInvitations(_ context.Context, orgID string) ([]*models.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Invitation, 0)
	for _, inv := range s.invitations {
		if inv.OrganizationID == orgID && inv.Status == models.InvitationPending {
			out = append(out, &inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateInvitationStatus(_ context.Context, id string, status models.InvitationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != models.InvitationPending {
		return store.ErrConflict
	}
	inv.Status = status
	inv.RespondedAt = &at
	s.invitations[id] = inv
	return nil
}

func (s *Store) RotateInvitationToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != models.InvitationPending {
		return store.ErrConflict
	}
	inv.TokenHash = tokenHash
	inv.ExpiresAt = expiresAt
	s.invitations[id] = inv
	return nil
}

func (s *Store) ExpireInvitations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inv := range s.invitations {
		if inv.Status == models.InvitationPending && inv.IsExpiredAt(now) {
			inv.Status = models.InvitationExpired
			inv.RespondedAt = &now
			s.invitations[id] = inv
			n++
		}
	}
	return n, nil
}

func (s *Store) CancelPendingInvitations(_ context.Context, orgID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inv := range s.invitations {
		if inv.OrganizationID == orgID && inv.Status == models.InvitationPending {
			inv.Status = models.InvitationCancelled
			inv.RespondedAt = &at
			s.invitations[id] = inv
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Ownership transfers
// ---------------------------------------------------------------------------

func (s *Store) CreateTransfer(_ context.Context, t *models.OwnershipTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transfers {
		if existing.OrganizationID == t.OrganizationID && existing.Status == models.TransferPending {
			return store.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.transfers[t.ID] = *t
	return nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*models.OwnershipTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) GetTransferByTokenHash(_ context.Context, tokenHash string) (*models.OwnershipTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.TokenHash == tokenHash {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Store) GetPendingTransfer(_ context.Context, orgID string) (*models.OwnershipTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.OrganizationID == orgID && t.Status == models.TransferPending {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Store) party(userID string) models.TransferParty {
	p := models.TransferParty{UserID: userID}
	if u, ok := s.users[userID]; ok {
		p.Email = u.Email
		p.Name = u.Name
	}
	return p
}

func (s *Store) GetTransferView(_ context.Context, id string) (*models.TransferView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, nil
	}
	return &models.TransferView{
		OwnershipTransfer: t,
		FromUser:          s.party(t.FromUserID),
		ToUser:            s.party(t.ToUserID),
	}, nil
}

func (s *Store) UpdateTransferStatus(_ context.Context, id string, status models.TransferStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != models.TransferPending {
		return store.ErrConflict
	}
	t.Status = status
	switch status {
	case models.TransferAccepted:
		t.AcceptedAt = &at
	case models.TransferCancelled:
		t.CancelledAt = &at
	case models.TransferExpired:
		t.ExpiredAt = &at
	}
	s.transfers[id] = t
	return nil
}

func (s *Store) ListExpiredTransfers(_ context.Context, now time.Time) ([]*models.OwnershipTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.OwnershipTransfer, 0)
	for _, t := range s.transfers {
		if t.Status == models.TransferPending && t.IsExpiredAt(now) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Scheduled deletions
// ---------------------------------------------------------------------------

func (s *Store) CreateScheduledDeletion(_ context.Context, d *models.ScheduledDeletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deletions {
		if existing.OrganizationID == d.OrganizationID && existing.Status == models.DeletionPending {
			return store.ErrConflict
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.deletions[d.ID] = *d
	return nil
}

func (s *Store) GetPendingDeletion(_ context.Context, orgID string) (*models.ScheduledDeletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deletions {
		if d.OrganizationID == orgID && d.Status == models.DeletionPending {
			return &d, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateDeletionStatus(_ context.Context, id string, status models.DeletionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deletions[id]
	if !ok {
		return store.ErrNotFound
	}
	if d.Status != models.DeletionPending {
		return store.ErrConflict
	}
	d.Status = status
	switch status {
	case models.DeletionCancelled:
		d.CancelledAt = &at
	case models.DeletionExecuted:
		d.ExecutedAt = &at
	}
	s.deletions[id] = d
	return nil
}

func (s *Store) ListDueDeletions(_ context.Context, now time.Time) ([]*models.ScheduledDeletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ScheduledDeletion, 0)
	for _, d := range s.deletions {
		if d.Status == models.DeletionPending && d.DueAt(now) {
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func copySession(sess models.SessionTracking) *models.SessionTracking {
	sess.SuspiciousReasons = append([]string(nil), sess.SuspiciousReasons...)
	return &sess
}

func (s *Store) CreateSession(_ context.Context, sess *models.SessionTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return store.ErrConflict
	}
	s.sessions[sess.SessionID] = *copySession(*sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*models.SessionTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *Store) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastActivity = at
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) EndSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if sess.LogoutTime == nil {
		sess.LogoutTime = &at
		sess.LastActivity = at
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) ListActiveSessions(_ context.Context, userID string) ([]*models.SessionTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SessionTracking, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active() {
			out = append(out, copySession(sess))
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *Store) ListSessionsSince(_ context.Context, userID string, since time.Time) ([]*models.SessionTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SessionTracking, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.LoginTime.Before(since) {
			out = append(out, copySession(sess))
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(list []*models.SessionTracking) {
	sort.Slice(list, func(i, j int) bool { return list[i].LoginTime.After(list[j].LoginTime) })
}

func (s *Store) MarkSessionSuspicious(_ context.Context, sessionID string, reasons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.IsSuspicious = true
	seen := make(map[string]bool, len(sess.SuspiciousReasons))
	merged := append([]string(nil), sess.SuspiciousReasons...)
	for _, r := range merged {
		seen[r] = true
	}
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}
	sess.SuspiciousReasons = merged
	s.sessions[sessionID] = sess
	return nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (s *Store) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	entry := *log
	if log.Details != nil {
		entry.Details = make(map[string]interface{}, len(log.Details))
		for k, v := range log.Details {
			entry.Details[k] = v
		}
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, f store.AuditFilter, limit, offset int) ([]*models.AuditLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*models.AuditLog, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if !auditMatches(e, f) {
			continue
		}
		matched = append(matched, &e)
	}
	total := len(matched)
	if offset >= total {
		return []*models.AuditLog{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func auditMatches(e models.AuditLog, f store.AuditFilter) bool {
	switch {
	case f.OrganizationID != nil && e.OrganizationID != *f.OrganizationID:
		return false
	case f.UserID != nil && e.UserID != *f.UserID:
		return false
	case f.Action != nil && e.Action != *f.Action:
		return false
	case f.ResourceType != nil && e.ResourceType != *f.ResourceType:
		return false
	case f.Severity != nil && e.Severity != *f.Severity:
		return false
	case f.StartDate != nil && e.CreatedAt.Before(*f.StartDate):
		return false
	case f.EndDate != nil && e.CreatedAt.After(*f.EndDate):
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, nil
}
