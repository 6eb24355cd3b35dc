// Package policy holds the role rules for organization governance. Every function is pure and
// deterministic; mutating operations consult these before touching storage and never restate
// the rules inline.
package policy

import (
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/db/models"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err converts a denial into a FORBIDDEN error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperror.Forbidden(d.Reason)
}

// Denial reasons. Callers and tests match on these strings.
const (
	ReasonChangeOwnRole         = "Cannot change your own role"
	ReasonChangeOwnerRole       = "Only the owner can change the owner's role"
	ReasonAssignOwnerRole       = "Only the owner can assign the owner role"
	ReasonAdminChangeSenior     = "Admins cannot change the role of admins or managers"
	ReasonRemoveSelf            = "Cannot remove yourself from the organization"
	ReasonRemoveOwner           = "Cannot remove organization owner"
	ReasonManagerRemoveSenior   = "Managers cannot remove admins or managers"
	ReasonAdminRemoveSenior     = "Admins cannot remove admins or managers"
	ReasonRemoveInsufficient    = "Insufficient permissions to remove members"
	ReasonManagerAssignSenior   = "Managers cannot assign the admin or manager role"
	ReasonOwnerRequiresTransfer = "Ownership can only be assigned through an ownership transfer"
	ReasonUnknownRole           = "Unknown role"
)

// CanChangeRole decides whether actor may move a member from targetCurrent to targetNew.
// Rules apply in order; the first match wins.
func CanChangeRole(actor, targetCurrent, targetNew models.Role, isSelf bool) Decision {
	switch {
	case isSelf:
		return deny(ReasonChangeOwnRole)
	case targetCurrent == models.RoleOwner && actor != models.RoleOwner:
		return deny(ReasonChangeOwnerRole)
	case targetNew == models.RoleOwner && actor != models.RoleOwner:
		return deny(ReasonAssignOwnerRole)
	case actor == models.RoleAdmin && (targetCurrent == models.RoleAdmin || targetCurrent == models.RoleManager):
		return deny(ReasonAdminChangeSenior)
	}
	return allow
}

// CanRemoveMember decides whether actor may remove a member holding target.
func CanRemoveMember(actor, target models.Role, isSelf bool) Decision {
	switch {
	case isSelf:
		return deny(ReasonRemoveSelf)
	case target == models.RoleOwner:
		return deny(ReasonRemoveOwner)
	case !AtLeast(actor, models.RoleManager):
		return deny(ReasonRemoveInsufficient)
	case actor == models.RoleManager && (target == models.RoleAdmin || target == models.RoleManager):
		return deny(ReasonManagerRemoveSenior)
	case actor == models.RoleAdmin && (target == models.RoleAdmin || target == models.RoleManager):
		return deny(ReasonAdminRemoveSenior)
	}
	return allow
}

// CanAssignRole decides whether actor may grant assigned to someone, e.g. through an invitation.
func CanAssignRole(actor, assigned models.Role) Decision {
	switch {
	case !assigned.Valid():
		return deny(ReasonUnknownRole)
	case assigned == models.RoleOwner && actor != models.RoleOwner:
		return deny(ReasonAssignOwnerRole)
	case actor == models.RoleManager && (assigned == models.RoleAdmin || assigned == models.RoleManager):
		return deny(ReasonManagerAssignSenior)
	}
	return allow
}

// RequiresTransfer denies any direct assignment of the owner role. The owner role only moves
// through an accepted ownership transfer, which keeps exactly one owner per organization.
func RequiresTransfer(role models.Role) Decision {
	if role == models.RoleOwner {
		return deny(ReasonOwnerRequiresTransfer)
	}
	return allow
}

// AtLeast reports whether actor is at or above min on the role ladder.
func AtLeast(actor, min models.Role) bool {
	return actor.Valid() && actor.Rank() >= min.Rank()
}

// CanTransferTo reports whether a member holding role may receive ownership.
func CanTransferTo(role models.Role) bool {
	return role == models.RoleAdmin || role == models.RoleManager
}
