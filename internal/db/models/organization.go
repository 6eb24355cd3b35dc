// Package models - organization.go defines the Organization model representing a tenant of the
// procurement platform, including the soft-delete marker used by the lifecycle manager.
package models

import "time"

// Organization represents a tenant. DeletedAt is set while the organization is soft-deleted.
type Organization struct {
	ID        string               `db:"id" json:"id"`
	Name      string               `db:"name" json:"name"`
	Slug      *string              `db:"slug" json:"slug,omitempty"` // unique when set
	LogoURL   *string              `db:"logo_url" json:"logo_url,omitempty"`
	Settings  OrganizationSettings `db:"settings" json:"settings"`
	CreatedAt time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt time.Time            `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time           `db:"deleted_at" json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the organization is currently soft-deleted.
func (o *Organization) IsDeleted() bool {
	return o.DeletedAt != nil
}
