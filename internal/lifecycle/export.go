package lifecycle

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/policy"
	"github.com/tenderdesk/orggov/internal/store"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// maxExportAuditEntries caps the audit trail included in a JSON export.
const maxExportAuditEntries = 10000

// Export is a downloadable snapshot.
type Export struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Snapshot is the document written by a JSON export.
type Snapshot struct {
	ExportedAt         time.Time                 `json:"exported_at"`
	Organization       *models.Organization      `json:"organization"`
	Members            []*models.Member          `json:"members"`
	PendingInvitations []*models.Invitation      `json:"pending_invitations"`
	PendingTransfer    *models.OwnershipTransfer `json:"pending_transfer,omitempty"`
	AuditTrail         []AuditRecord             `json:"audit_trail"`
}

// AuditRecord is an audit entry as written to an export.
type AuditRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Severity     models.AuditSeverity   `json:"severity"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address"`
	CreatedAt    time.Time              `json:"created_at"`
}

var rosterHeader = []string{"member_id", "user_id", "email", "name", "role", "joined_at"}

// ExportOrganizationData produces a snapshot of the organization for an actor with at least the
// manager role. json covers the organization, members, pending invitations, the pending transfer
// and the audit trail; csv is the member roster. Soft-deleted organizations can be exported.
func (s *Service) ExportOrganizationData(ctx context.Context, orgID, format, actorID string) (out *Export, err error) {
	defer apperror.Recover(&err)

	org, err := s.organization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	role, err := s.memberRole(ctx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if !policy.AtLeast(role, models.RoleManager) {
		return nil, apperror.Forbidden("Only managers and above can export organization data")
	}
	return s.export(ctx, org, format, actorID)
}

func (s *Service) export(ctx context.Context, org *models.Organization, format, actorID string) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	now := s.now()

	var (
		data        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatJSON:
		data, err = s.exportJSON(ctx, org, now)
		contentType = "application/json"
	case FormatCSV:
		data, err = s.exportCSV(ctx, org)
		contentType = "text/csv"
	default:
		return nil, apperror.Validation("Unsupported export format").WithDetail("format", format)
	}
	if err != nil {
		return nil, apperror.Internal("failed to export organization data", err)
	}

	s.audit.LogDataExported(ctx, org.ID, actorID, format, len(data))
	return &Export{
		Filename:    fmt.Sprintf("%s-export-%s.%s", exportName(org), now.Format("20060102-150405"), format),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func exportName(org *models.Organization) string {
	if org.Slug != nil && *org.Slug != "" {
		return *org.Slug
	}
	return org.ID
}

func (s *Service) exportJSON(ctx context.Context, org *models.Organization, now time.Time) ([]byte, error) {
	members, err := s.store.ListMembers(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	invitations, err := s.store.ListPendingInvitations(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	transfer, err := s.store.GetPendingTransfer(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transfer: %w", err)
	}
	orgID := org.ID
	logs, _, err := s.store.ListAuditLogs(ctx, store.AuditFilter{OrganizationID: &orgID}, maxExportAuditEntries, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	snap := Snapshot{
		ExportedAt:         now,
		Organization:       org,
		Members:            members,
		PendingInvitations: invitations,
		PendingTransfer:    transfer,
		AuditTrail:         make([]AuditRecord, 0, len(logs)),
	}
	for _, l := range logs {
		snap.AuditTrail = append(snap.AuditTrail, AuditRecord{
			ID:           l.ID,
			UserID:       l.UserID,
			Action:       l.Action,
			ResourceType: l.ResourceType,
			ResourceID:   l.ResourceID,
			Severity:     l.Severity,
			Details:      l.Details,
			IPAddress:    l.IPAddress,
			CreatedAt:    l.CreatedAt,
		})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return data, nil
}

func (s *Service) exportCSV(ctx context.Context, org *models.Organization) ([]byte, error) {
	members, err := s.store.ListMembers(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rosterHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, m := range members {
		row := []string{m.ID, m.UserID, m.UserEmail, m.UserName, string(m.Role), m.CreatedAt.UTC().Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
