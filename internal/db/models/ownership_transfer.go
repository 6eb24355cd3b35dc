// Package models - ownership_transfer.go defines the two-party handshake that moves the owner role.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TransferStatus of an ownership transfer. Every status except pending is terminal.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

// TransferMetadata is the free-text context supplied by the initiator.
type TransferMetadata struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Value implements driver.Valuer.
func (m TransferMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *TransferMetadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = TransferMetadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported transfer metadata column type %T", src)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		*m = TransferMetadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// OwnershipTransfer is a request by the current owner to hand the owner role to another member.
type OwnershipTransfer struct {
	ID             string           `db:"id" json:"id"`
	OrganizationID string           `db:"organization_id" json:"organization_id"`
	FromUserID     string           `db:"from_user_id" json:"from_user_id"`
	ToUserID       string           `db:"to_user_id" json:"to_user_id"`
	Status         TransferStatus   `db:"status" json:"status"`
	TokenHash      string           `db:"token_hash" json:"-"`
	Metadata       TransferMetadata `db:"metadata" json:"metadata"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time        `db:"expires_at" json:"expires_at"`
	AcceptedAt     *time.Time       `db:"accepted_at" json:"accepted_at,omitempty"`
	CancelledAt    *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt      *time.Time       `db:"expired_at" json:"expired_at,omitempty"`
}

// IsExpiredAt reports whether the transfer has reached its expiry. Accepting exactly at
// ExpiresAt counts as expired.
func (t *OwnershipTransfer) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TransferParty is one side of a transfer as shown to callers.
type TransferParty struct {
	UserID string `db:"user_id" json:"user_id"`
	Email  string `db:"email" json:"email"`
	Name   string `db:"name" json:"name"`
}

// TransferView is a transfer with both parties resolved.
type TransferView struct {
	OwnershipTransfer
	FromUser TransferParty `json:"from_user"`
	ToUser   TransferParty `json:"to_user"`
}
