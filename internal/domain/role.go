package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatron   Role = "patron"
	RoleProvider Role = "provider"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"

	// RoleSystem is used by internal jobs and is never accepted from a client.
	RoleSystem Role = "system"
)

// ParseRole accepts only client-facing roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatron, RoleProvider, RoleStaff, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// IsStaff reports whether the role acts on behalf of the organisation.
func (r Role) IsStaff() bool {
	return r == RoleStaff || r == RoleAdmin || r == RoleSystem
}

type Caller struct {
	ID   uuid.UUID
	Role Role
}

var SystemCaller = Caller{Role: RoleSystem}

type Capability string

const (
	CapCheckIn            Capability = "check-in"
	CapManageConsultation Capability = "manage-consultation"
	CapViewQueue          Capability = "view-queue"
	CapViewPatron         Capability = "view-patron"
	CapAnnounce           Capability = "announce"
	CapBook               Capability = "book"
	CapAssignProvider     Capability = "assign-provider"
)

// Resource identifies what a capability is exercised on. Zero fields are ignored.
type Resource struct {
	PatronID   uuid.UUID
	ProviderID uuid.UUID
}

// Authorize is the single permission decision point. It returns nil or wraps ErrForbidden.
func Authorize(c Caller, capability Capability, res Resource) error {
	if allowed(c, capability, res) {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, c.Role, capability)
}

func allowed(c Caller, capability Capability, res Resource) bool {
	if c.Role.IsStaff() {
		return true
	}

	self := func(id uuid.UUID) bool { return id != uuid.Nil && id == c.ID }

	switch capability {
	case CapCheckIn:
		return (c.Role == RolePatron && self(res.PatronID)) ||
			(c.Role == RoleProvider && self(res.ProviderID))
	case CapManageConsultation:
		return c.Role == RoleProvider && self(res.ProviderID)
	case CapViewQueue:
		return c.Role == RolePatron || c.Role == RoleProvider
	case CapViewPatron, CapBook:
		return c.Role == RolePatron && self(res.PatronID)
	default:
		return false
	}
}
