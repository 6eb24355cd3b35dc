// Package models - settings.go defines the typed organization settings document stored as JSONB.
// Every known setting is an explicit optional field; the document is parsed strictly at the
// storage boundary and merged field by field.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// OrganizationSettings holds the optional descriptive settings of an organization.
type OrganizationSettings struct {
	Description *string      `json:"description,omitempty"`
	Website     *string      `json:"website,omitempty"`
	Phone       *string      `json:"phone,omitempty"`
	Address     *Address     `json:"address,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Preferences holds per-organization behaviour switches.
type Preferences struct {
	Timezone             *string `json:"timezone,omitempty"`
	DefaultInviteRole    *Role   `json:"default_invite_role,omitempty"`
	ExportBeforeDeletion *bool   `json:"export_before_deletion,omitempty"`
}

// ParseSettings decodes a settings document. Unknown keys are rejected.
func ParseSettings(data []byte) (OrganizationSettings, error) {
	var s OrganizationSettings
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return OrganizationSettings{}, fmt.Errorf("invalid organization settings: %w", err)
	}
	return s, s.Validate()
}

// Validate checks field shapes.
func (s OrganizationSettings) Validate() error {
	if s.Website != nil && *s.Website != "" {
		u, err := url.Parse(*s.Website)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid website %q", *s.Website)
		}
	}
	if s.Description != nil && len(*s.Description) > 2000 {
		return fmt.Errorf("description exceeds 2000 characters")
	}
	if s.Phone != nil && strings.TrimSpace(*s.Phone) != *s.Phone {
		return fmt.Errorf("phone must not have surrounding whitespace")
	}
	if s.Preferences != nil && s.Preferences.DefaultInviteRole != nil {
		r := *s.Preferences.DefaultInviteRole
		if !r.Valid() || r == RoleOwner {
			return fmt.Errorf("invalid default invite role %q", r)
		}
	}
	return nil
}

// Merge returns s with every non-nil field of patch applied.
func (s OrganizationSettings) Merge(patch OrganizationSettings) OrganizationSettings {
	out := s
	if patch.Description != nil {
		out.Description = patch.Description
	}
	if patch.Website != nil {
		out.Website = patch.Website
	}
	if patch.Phone != nil {
		out.Phone = patch.Phone
	}
	if patch.Address != nil {
		out.Address = patch.Address
	}
	if patch.Preferences != nil {
		if out.Preferences == nil {
			out.Preferences = &Preferences{}
		}
		p := *out.Preferences
		if patch.Preferences.Timezone != nil {
			p.Timezone = patch.Preferences.Timezone
		}
		if patch.Preferences.DefaultInviteRole != nil {
			p.DefaultInviteRole = patch.Preferences.DefaultInviteRole
		}
		if patch.Preferences.ExportBeforeDeletion != nil {
			p.ExportBeforeDeletion = patch.Preferences.ExportBeforeDeletion
		}
		out.Preferences = &p
	}
	return out
}

// Value implements driver.Valuer for JSONB columns.
func (s OrganizationSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB columns.
func (s *OrganizationSettings) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = OrganizationSettings{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported settings column type %T", src)
	}
	parsed, err := ParseSettings(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
