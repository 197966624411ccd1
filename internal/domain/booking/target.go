package booking

import "github.com/google/uuid"

const (
	BookingForMyself       = "MYSELF"
	BookingForFamilyMember = "FAMILY_MEMBER"
	BookingForSomeoneElse  = "SOMEONE_ELSE"
)

// BookingTarget names who an appointment is booked for. It is one of
// BookForSelf, BookForFamilyMember or BookForSomeoneElse.
type BookingTarget interface {
	bookingFor() string
}

// BookForSelf books for the caller. Non-empty Name and Phone refresh the
// caller's profile.
type BookForSelf struct {
	Name  string
	Phone *string
}

// BookForFamilyMember books for an existing family member. The appointment
// belongs to the member's owning patient, whoever books it.
type BookForFamilyMember struct {
	FamilyMemberID uuid.UUID
}

// BookForSomeoneElse books for a person identified only by what was typed.
type BookForSomeoneElse struct {
	Name  string
	Email string
	Phone *string
}

func (BookForSelf) bookingFor() string         { return BookingForMyself }
func (BookForFamilyMember) bookingFor() string { return BookingForFamilyMember }
func (BookForSomeoneElse) bookingFor() string  { return BookingForSomeoneElse }
