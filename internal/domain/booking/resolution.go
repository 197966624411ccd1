package booking

import "github.com/google/uuid"

const (
	ResolutionSelf   = "SELF"
	ResolutionFamily = "FAMILY"
	ResolutionNew    = "NEW"
)

// Resolution is a caller's answer to a flagged appointment. It is one of
// ResolveToSelf, KeepSeparate, ResolveToFamily or ResolveAsNewFamilyMember.
type Resolution interface {
	resolutionType() string
}

// ResolveToSelf moves the appointment onto the caller's own patient.
type ResolveToSelf struct{}

// KeepSeparate acknowledges the flag without changing who the appointment is
// for.
type KeepSeparate struct{}

// ResolveToFamily moves the appointment onto one of the caller's active
// family members.
type ResolveToFamily struct {
	FamilyMemberID uuid.UUID
}

// ResolveAsNewFamilyMember creates a family member for the caller from the
// booked identity and moves the appointment onto it.
type ResolveAsNewFamilyMember struct {
	Name         string
	Relationship string
	Age          *int
	Gender       *string
}

func (ResolveToSelf) resolutionType() string            { return ResolutionSelf }
func (KeepSeparate) resolutionType() string             { return ResolutionSelf }
func (ResolveToFamily) resolutionType() string          { return ResolutionFamily }
func (ResolveAsNewFamilyMember) resolutionType() string { return ResolutionNew }

func isKeepSeparate(r Resolution) bool {
	_, ok := r.(KeepSeparate)
	return ok
}
