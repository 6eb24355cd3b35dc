// Package models - session_tracking.go defines per-session activity tracking used by the
// suspicious-activity monitor.
package models

import (
	"time"

	"github.com/lib/pq"
)

// SessionTracking mirrors one external session. IsSuspicious never returns to false once set.
type SessionTracking struct {
	SessionID         string         `db:"session_id" json:"session_id"`
	UserID            string         `db:"user_id" json:"user_id"`
	OrganizationID    *string        `db:"organization_id" json:"organization_id,omitempty"`
	LoginTime         time.Time      `db:"login_time" json:"login_time"`
	LastActivity      time.Time      `db:"last_activity" json:"last_activity"`
	IPAddress         string         `db:"ip_address" json:"ip_address"`
	UserAgent         string         `db:"user_agent" json:"user_agent"`
	DeviceInfo        string         `db:"device_info" json:"device_info"`
	LocationInfo      string         `db:"location_info" json:"location_info"`
	IsSuspicious      bool           `db:"is_suspicious" json:"is_suspicious"`
	SuspiciousReasons pq.StringArray `db:"suspicious_reasons" json:"suspicious_reasons,omitempty"`
	LogoutTime        *time.Time     `db:"logout_time" json:"logout_time,omitempty"`
}

// Active reports whether the session has not been logged out.
func (s *SessionTracking) Active() bool {
	return s.LogoutTime == nil
}
