package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/apperr"
)

// contact is a name, email and phone as shown on or typed into a booking.
type contact struct {
	Name  string
	Email string
	Phone *string
}

func userContact(u *identity.User) contact {
	return contact{Name: u.Name, Email: u.Email, Phone: u.Phone}
}

// resolvedPatient is who a booking target resolved to.
type resolvedPatient struct {
	PatientID      uuid.UUID
	FamilyMemberID *uuid.UUID
	RequiresMerge  bool
	MergeNotes     string

	display  contact
	original *contact
}

type resolver struct {
	identity Identity
	detector *MergeDetector
}

func newResolver(idn Identity) *resolver {
	return &resolver{identity: idn, detector: NewMergeDetector(idn)}
}

func (r *resolver) resolve(ctx context.Context, caller *identity.User, target BookingTarget) (resolvedPatient, error) {
	switch t := target.(type) {
	case BookForSelf:
		return r.forSelf(ctx, caller, t)
	case BookForFamilyMember:
		return r.forFamilyMember(ctx, t)
	case BookForSomeoneElse:
		return r.detector.Detect(ctx, caller, t)
	default:
		return resolvedPatient{}, fmt.Errorf("unsupported booking target %T", target)
	}
}

// forSelf provisions the caller's patient and refreshes their contact details.
func (r *resolver) forSelf(ctx context.Context, caller *identity.User, t BookForSelf) (resolvedPatient, error) {
	p, err := r.identity.EnsurePatient(ctx, caller.ID)
	if err != nil {
		return resolvedPatient{}, err
	}
	u, err := r.identity.UpdateContact(ctx, caller.ID, t.Name, t.Phone)
	if err != nil {
		return resolvedPatient{}, err
	}
	return resolvedPatient{PatientID: p.ID, display: userContact(u)}, nil
}

// forFamilyMember books against the member's owning patient. Members without
// their own email or phone are reached through the owner's account.
func (r *resolver) forFamilyMember(ctx context.Context, t BookForFamilyMember) (resolvedPatient, error) {
	fm, err := r.identity.GetFamilyMemberForShare(ctx, t.FamilyMemberID)
	if err != nil {
		return resolvedPatient{}, err
	}
	if !fm.IsActive {
		return resolvedPatient{}, apperr.Invalid("familyMemberId", "family member is inactive")
	}
	display, err := familyContact(ctx, r.identity, fm)
	if err != nil {
		return resolvedPatient{}, err
	}
	return resolvedPatient{
		PatientID:      fm.PatientID,
		FamilyMemberID: uuidPtr(fm.ID),
		display:        display,
	}, nil
}

func familyContact(ctx context.Context, idn Identity, fm *identity.FamilyMember) (contact, error) {
	c := contact{Name: fm.Name, Email: deref(fm.Email), Phone: fm.Phone}
	if c.Email != "" && c.Phone != nil {
		return c, nil
	}
	owner, err := idn.GetPatient(ctx, fm.PatientID)
	if err != nil {
		return contact{}, err
	}
	u, err := idn.GetUser(ctx, owner.UserID)
	if err != nil {
		return contact{}, err
	}
	if c.Email == "" {
		c.Email = u.Email
	}
	if c.Phone == nil {
		c.Phone = u.Phone
	}
	return c, nil
}

// MergeDetector decides whether a booking for someone else collides with an
// existing patient identity.
type MergeDetector struct {
	identity Identity
}

func NewMergeDetector(idn Identity) *MergeDetector {
	return &MergeDetector{identity: idn}
}

// Detect resolves the typed identity by email:
//
//   - unknown email: a new user and patient are created, no flag
//   - user without a patient: a patient is created and the contact refreshed, no flag
//   - user with a patient: the appointment joins that patient and is flagged
//
// The matched user and patient are left untouched in the flagged case.
func (d *MergeDetector) Detect(ctx context.Context, caller *identity.User, t BookForSomeoneElse) (resolvedPatient, error) {
	typed := contact{Name: strings.TrimSpace(t.Name), Email: identity.NormalizeEmail(t.Email), Phone: t.Phone}
	res := resolvedPatient{display: typed, original: &typed}

	existing, err := d.identity.FindUserByEmail(ctx, typed.Email)
	if errors.Is(err, identity.ErrUserNotFound) {
		u, err := d.identity.CreateUser(ctx, typed.Email, typed.Name, typed.Phone)
		if err != nil {
			return resolvedPatient{}, err
		}
		p, err := d.identity.EnsurePatient(ctx, u.ID)
		if err != nil {
			return resolvedPatient{}, err
		}
		res.PatientID = p.ID
		return res, nil
	}
	if err != nil {
		return resolvedPatient{}, err
	}

	p, err := d.identity.FindPatientByUser(ctx, existing.ID)
	if errors.Is(err, identity.ErrPatientNotFound) {
		if p, err = d.identity.EnsurePatient(ctx, existing.ID); err != nil {
			return resolvedPatient{}, err
		}
		if _, err := d.identity.UpdateContact(ctx, existing.ID, typed.Name, typed.Phone); err != nil {
			return resolvedPatient{}, err
		}
		res.PatientID = p.ID
		return res, nil
	}
	if err != nil {
		return resolvedPatient{}, err
	}

	res.PatientID = p.ID
	res.RequiresMerge = true
	res.MergeNotes = "Email matches existing user: " + typed.Email
	if existing.ID == caller.ID {
		res.MergeNotes += " (the booking account itself)"
	}
	return res, nil
}
