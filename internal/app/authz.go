package app

import (
	"github.com/playhive/booking-service/internal/domain"
)

// Authorizer decides whether a caller holds a capability.
type Authorizer interface {
	Require(caller domain.Caller, capability domain.Capability) error
}

// RolePolicy grants capabilities by role. Parents hold none; they act only on
// bookings they own.
type RolePolicy struct {
	grants map[domain.Role]map[domain.Capability]bool
}

func NewRolePolicy() *RolePolicy {
	staff := map[domain.Capability]bool{
		domain.CapManageTFC:       true,
		domain.CapManualRefund:    true,
		domain.CapActOnAnyBooking: true,
	}
	admin := make(map[domain.Capability]bool, len(staff))
	for capability := range staff {
		admin[capability] = true
	}
	return &RolePolicy{grants: map[domain.Role]map[domain.Capability]bool{
		domain.RoleParent: {},
		domain.RoleStaff:  staff,
		domain.RoleAdmin:  admin,
	}}
}

// Can reports whether the role grants the capability.
func (p *RolePolicy) Can(role domain.Role, capability domain.Capability) bool {
	if role == domain.RoleAdmin {
		return true
	}
	return p.grants[role][capability]
}

func (p *RolePolicy) Require(caller domain.Caller, capability domain.Capability) error {
	if p.Can(caller.Role, capability) {
		return nil
	}
	return domain.ErrNotPermitted
}

// requireOwnerOr admits the booking's parent, or anyone holding the capability.
func requireOwnerOr(authz Authorizer, caller domain.Caller, booking *domain.Booking, capability domain.Capability) error {
	if booking.OwnedBy(caller.UserID) {
		return nil
	}
	return authz.Require(caller, capability)
}
