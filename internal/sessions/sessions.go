// Package sessions tracks user sessions handed over by the identity provider and flags ones
// that look suspicious. Detection is advisory: it marks the session and writes a critical audit
// entry but never ends the session or rejects the request.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/reqctx"
	"github.com/tenderdesk/orggov/internal/store"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// Indicator names stored in suspicious_reasons and used as metric labels.
const (
	IndicatorMultipleIPs  = "multiple_ips"
	IndicatorUnusualHours = "unusual_hours"
	IndicatorNewDevice    = "new_device"
)

const (
	// Window is how far back sessions are considered for the IP indicator.
	Window = 24 * time.Hour
	// MaxDistinctIPs is the most distinct addresses a user may log in from within Window.
	MaxDistinctIPs = 3
	// Logins with a local hour before EarliestHour or after LatestHour are unusual.
	EarliestHour = 6
	LatestHour   = 23
)

// Config holds the business settings of the service.
type Config struct {
	// Location is the zone in which login hours are judged. Defaults to UTC.
	Location *time.Location
}

// TrackRequest describes a login. Empty IP and user agent are taken from the request context.
type TrackRequest struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	IPAddress      string `json:"ip_address,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	DeviceInfo     string `json:"device_info,omitempty"`
	LocationInfo   string `json:"location_info,omitempty"`
}

// Detection is the outcome of DetectSuspiciousActivity.
type Detection struct {
	SessionID   string   `json:"session_id"`
	Suspicious  bool     `json:"suspicious"`
	Indicators  []string `json:"indicators"`
	DistinctIPs int      `json:"distinct_ips"`
	LocalHour   int      `json:"local_hour"`
}

// Service records sessions and evaluates them.
type Service struct {
	store store.SessionStore
	audit *audit.Logger
	loc   *time.Location
	now   func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service.
func NewService(st store.SessionStore, auditLog *audit.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		store: st,
		audit: auditLog,
		loc:   cfg.Location,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track records a new session at login.
func (s *Service) Track(ctx context.Context, req TrackRequest) (sess *models.SessionTracking, err error) {
	defer apperror.Recover(&err)

	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, apperror.Validation("Session id and user id are required")
	}
	md := reqctx.MetadataFrom(ctx)
	if req.IPAddress == "" {
		req.IPAddress = md.IPAddress
	}
	if req.UserAgent == "" {
		req.UserAgent = md.UserAgent
	}

	now := s.now()
	sess = &models.SessionTracking{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		LoginTime:    now,
		LastActivity: now,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		DeviceInfo:   req.DeviceInfo,
		LocationInfo: req.LocationInfo,
	}
	if req.OrganizationID != "" {
		orgID := req.OrganizationID
		sess.OrganizationID = &orgID
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.New(apperror.CodeAlreadyExists, "Session is already tracked")
		}
		return nil, apperror.Internal("failed to track session", err)
	}
	return sess, nil
}

// Touch records activity on a session.
func (s *Service) Touch(ctx context.Context, sessionID string) (err error) {
	defer apperror.Recover(&err)
	return s.update(s.store.TouchSession(ctx, sessionID, s.now()), "failed to touch session")
}

// End records a logout. Ending a session twice keeps the first logout time.
func (s *Service) End(ctx context.Context, sessionID string) (err error) {
	defer apperror.Recover(&err)
	return s.update(s.store.EndSession(ctx, sessionID, s.now()), "failed to end session")
}

func (s *Service) update(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperror.NotFound("Session not found")
	default:
		return apperror.Internal(msg, err)
	}
}

// ActiveSessions returns the user's sessions that have not been logged out, newest first.
func (s *Service) ActiveSessions(ctx context.Context, userID string) (list []*models.SessionTracking, err error) {
	defer apperror.Recover(&err)

	list, err = s.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, apperror.Internal("failed to list sessions", err)
	}
	return list, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, sessionID string) (sess *models.SessionTracking, err error) {
	defer apperror.Recover(&err)

	sess, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to load session", err)
	}
	if sess == nil {
		return nil, apperror.NotFound("Session not found")
	}
	return sess, nil
}

// DetectSuspiciousActivity evaluates the session against recent history:
//   - more than MaxDistinctIPs distinct addresses across the user's logins in the last Window
//   - a local hour outside [EarliestHour, LatestHour]
//   - a user agent not used by any other active session, evaluated only when one exists
//
// Any hit marks the session suspicious, which is permanent, and writes a critical audit entry.
func (s *Service) DetectSuspiciousActivity(ctx context.Context, sessionID, userID, orgID string) (d *Detection, err error) {
	defer apperror.Recover(&err)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to load session", err)
	}
	if sess == nil {
		return nil, apperror.NotFound("Session not found")
	}
	if sess.UserID != userID {
		return nil, apperror.Forbidden("Session belongs to another user")
	}

	now := s.now()
	d = &Detection{SessionID: sessionID, Indicators: []string{}}

	recent, err := s.store.ListSessionsSince(ctx, userID, now.Add(-Window))
	if err != nil {
		return nil, apperror.Internal("failed to list recent sessions", err)
	}
	d.DistinctIPs = distinctIPs(recent, sess)
	if d.DistinctIPs > MaxDistinctIPs {
		d.Indicators = append(d.Indicators, IndicatorMultipleIPs)
	}

	d.LocalHour = now.In(s.loc).Hour()
	if d.LocalHour < EarliestHour || d.LocalHour > LatestHour {
		d.Indicators = append(d.Indicators, IndicatorUnusualHours)
	}

	active, err := s.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, apperror.Internal("failed to list active sessions", err)
	}
	if newDevice(active, sess) {
		d.Indicators = append(d.Indicators, IndicatorNewDevice)
	}

	if len(d.Indicators) == 0 {
		return d, nil
	}
	d.Suspicious = true

	if err := s.store.MarkSessionSuspicious(ctx, sessionID, d.Indicators); err != nil {
		slog.Error("failed to flag suspicious session", "session_id", sessionID, "error", err)
	}
	for _, ind := range d.Indicators {
		telemetry.SuspiciousSessionsTotal.WithLabelValues(ind).Inc()
	}
	s.audit.LogSuspiciousActivity(ctx, sess, orgID, d.Indicators, map[string]interface{}{
		"distinct_ips": d.DistinctIPs,
		"local_hour":   d.LocalHour,
		"user_agent":   sess.UserAgent,
	})
	slog.Warn("suspicious session detected",
		"session_id", sessionID,
		"user_id", userID,
		"organization_id", orgID,
		"indicators", d.Indicators)
	return d, nil
}

func distinctIPs(recent []*models.SessionTracking, current *models.SessionTracking) int {
	seen := map[string]struct{}{current.IPAddress: {}}
	for _, r := range recent {
		seen[r.IPAddress] = struct{}{}
	}
	return len(seen)
}

func newDevice(active []*models.SessionTracking, current *models.SessionTracking) bool {
	others := 0
	for _, a := range active {
		if a.SessionID == current.SessionID {
			continue
		}
		others++
		if a.UserAgent == current.UserAgent {
			return false
		}
	}
	return others > 0
}
