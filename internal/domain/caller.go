package domain

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// ParseRole maps a token claim to a role. Unknown values fall back to parent,
// the least privileged role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleStaff:
		return RoleStaff
	default:
		return RoleParent
	}
}

// Capability names an action that needs more than booking ownership.
type Capability string

const (
	CapManageTFC       Capability = "manage_tfc"
	CapManualRefund    Capability = "manual_refund"
	CapActOnAnyBooking Capability = "act_on_any_booking"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID uuid.UUID
	Role   Role
}
