package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/apperr"
	"github.com/clinic/portal/internal/platform/audit"
)

// mergeOutcome is the linkage a resolution moves an appointment onto.
type mergeOutcome struct {
	PatientID              uuid.UUID
	FamilyMemberID         *uuid.UUID
	MergedToPatientID      *uuid.UUID
	MergedToFamilyMemberID *uuid.UUID

	display  *contact
	note     string
	metadata map[string]any
}

func validateResolution(r Resolution) error {
	switch t := r.(type) {
	case ResolveToSelf, KeepSeparate:
	case ResolveToFamily:
		if t.FamilyMemberID == uuid.Nil {
			return apperr.Invalid("familyMemberId", "is required for a FAMILY resolution")
		}
	case ResolveAsNewFamilyMember:
		var v apperr.ValidationError
		if strings.TrimSpace(t.Name) == "" {
			v.Add("patientName", "is required for a NEW resolution")
		}
		if t.Relationship != "" && !identity.ValidRelationship(t.Relationship) {
			v.Add("relationship", "must be one of [SPOUSE CHILD PARENT OTHER]")
		}
		if t.Age != nil && (*t.Age < 0 || *t.Age > 150) {
			v.Add("age", "must be between 0 and 150")
		}
		return v.Err()
	default:
		return apperr.Invalid("resolutionType", "must be one of [SELF FAMILY NEW]")
	}
	return nil
}

// ResolveMerge applies the caller's resolution to a flagged appointment. The
// appointment row is locked for the transaction, so of two concurrent
// resolutions the second sees the first's result and fails with
// ErrMergeAlreadyResolved. The audit entry commits with the change.
func (s *Service) ResolveMerge(ctx context.Context, caller Caller, appointmentID uuid.UUID, r Resolution) (*Appointment, error) {
	if err := validateResolution(r); err != nil {
		return nil, err
	}

	var ev Event
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.identity.EnsureUser(ctx, caller.Email, caller.Name)
		if err != nil {
			return err
		}
		before, err := s.appts.GetForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if before.MergeResolvedAt != nil {
			return ErrMergeAlreadyResolved
		}
		if !before.RequiresMerge {
			return ErrMergeNotRequired
		}
		if err := s.authorizeMerge(ctx, caller, user, before); err != nil {
			return err
		}

		out, err := s.outcome(ctx, user, before, r)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		after := before.clone()
		after.PatientID = out.PatientID
		after.FamilyMemberID = out.FamilyMemberID
		after.MergedToPatientID = out.MergedToPatientID
		after.MergedToFamilyMemberID = out.MergedToFamilyMemberID
		if out.display != nil {
			after.PatientDisplayName = strPtr(out.display.Name)
			after.PatientDisplayEmail = strPtr(out.display.Email)
			after.PatientDisplayPhone = out.display.Phone
		}
		after.RequiresMerge = false
		after.MergeResolvedAt = &now
		after.MergeNotes = appendNote(before.MergeNotes,
			fmt.Sprintf("[%s] %s by %s", now.Format("2006-01-02 15:04 UTC"), out.note, user.Email))

		if err := s.appts.ApplyMergeResolution(ctx, after); err != nil {
			return err
		}

		entry, err := audit.NewMergeEntry(after.ID, user.ID, r.resolutionType(), isKeepSeparate(r), before, after)
		if err != nil {
			return err
		}
		for k, v := range out.metadata {
			entry.Metadata[k] = v
		}
		if err := s.audit.RecordMerge(ctx, entry); err != nil {
			return fmt.Errorf("record merge audit: %w", err)
		}

		ev = Event{Kind: EventMergeResolved, Appointment: after, Caller: user, Resolution: out.note}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hooks.Fire(ctx, ev)
	return ev.Appointment, nil
}

// authorizeMerge allows the booker, the owner of the matched patient, and
// admins.
func (s *Service) authorizeMerge(ctx context.Context, caller Caller, user *identity.User, a *Appointment) error {
	if caller.Admin || a.BookedByUserID == user.ID {
		return nil
	}
	p, err := s.identity.FindPatientByUser(ctx, user.ID)
	if errors.Is(err, identity.ErrPatientNotFound) {
		return ErrMergeNotAllowed
	}
	if err != nil {
		return err
	}
	if p.ID != a.PatientID {
		return ErrMergeNotAllowed
	}
	return nil
}

func (s *Service) outcome(ctx context.Context, user *identity.User, a *Appointment, r Resolution) (mergeOutcome, error) {
	switch t := r.(type) {
	case ResolveToSelf:
		return s.mergeToSelf(ctx, user)
	case KeepSeparate:
		return keepSeparate(a), nil
	case ResolveToFamily:
		return s.mergeToFamily(ctx, user, t)
	case ResolveAsNewFamilyMember:
		return s.mergeAsNewFamilyMember(ctx, user, a, t)
	default:
		return mergeOutcome{}, fmt.Errorf("unsupported resolution %T", r)
	}
}

// mergeToSelf moves the appointment onto the caller's existing patient
// profile. A caller without one, admins included, is rejected.
func (s *Service) mergeToSelf(ctx context.Context, user *identity.User) (mergeOutcome, error) {
	p, err := s.identity.FindPatientByUser(ctx, user.ID)
	if errors.Is(err, identity.ErrPatientNotFound) {
		return mergeOutcome{}, ErrNoPatientProfile
	}
	if err != nil {
		return mergeOutcome{}, err
	}
	display := userContact(user)
	return mergeOutcome{
		PatientID:         p.ID,
		MergedToPatientID: uuidPtr(p.ID),
		display:           &display,
		note:              "Merged to own patient profile",
		metadata:          map[string]any{"patientId": p.ID.String()},
	}, nil
}

func keepSeparate(a *Appointment) mergeOutcome {
	return mergeOutcome{
		PatientID:              a.PatientID,
		FamilyMemberID:         a.FamilyMemberID,
		MergedToPatientID:      a.MergedToPatientID,
		MergedToFamilyMemberID: a.MergedToFamilyMemberID,
		note:                   "Kept separate from the matching account",
		metadata:               map[string]any{"keepSeparate": true},
	}
}

// mergeToFamily conforms the appointment to the stored family member. The
// member record itself is not modified.
func (s *Service) mergeToFamily(ctx context.Context, user *identity.User, t ResolveToFamily) (mergeOutcome, error) {
	p, err := s.identity.FindPatientByUser(ctx, user.ID)
	if errors.Is(err, identity.ErrPatientNotFound) {
		return mergeOutcome{}, ErrNoPatientProfile
	}
	if err != nil {
		return mergeOutcome{}, err
	}
	fm, err := s.identity.GetFamilyMemberForShare(ctx, t.FamilyMemberID)
	if err != nil {
		return mergeOutcome{}, err
	}
	if fm.PatientID != p.ID {
		return mergeOutcome{}, ErrFamilyMemberNotOwned
	}
	if !fm.IsActive {
		return mergeOutcome{}, apperr.Invalid("familyMemberId", "family member is inactive")
	}
	display, err := familyContact(ctx, s.identity, fm)
	if err != nil {
		return mergeOutcome{}, err
	}
	return mergeOutcome{
		PatientID:              p.ID,
		FamilyMemberID:         uuidPtr(fm.ID),
		MergedToPatientID:      uuidPtr(p.ID),
		MergedToFamilyMemberID: uuidPtr(fm.ID),
		display:                &display,
		note:                   fmt.Sprintf("Linked to family member %s (%s)", fm.Name, fm.Relationship),
		metadata:               map[string]any{"familyMemberId": fm.ID.String()},
	}, nil
}

// mergeAsNewFamilyMember creates a family member for the caller, seeded from
// the identity typed at booking time and the appointment's symptoms.
func (s *Service) mergeAsNewFamilyMember(ctx context.Context, user *identity.User, a *Appointment, t ResolveAsNewFamilyMember) (mergeOutcome, error) {
	p, err := s.identity.EnsurePatient(ctx, user.ID)
	if err != nil {
		return mergeOutcome{}, err
	}
	rel := t.Relationship
	if rel == "" {
		rel = identity.RelationshipOther
	}
	fm := &identity.FamilyMember{
		Name:         strings.TrimSpace(t.Name),
		Email:        a.OriginalPatientEmail,
		Phone:        a.OriginalPatientPhone,
		Relationship: rel,
		Age:          t.Age,
		Gender:       t.Gender,
		MedicalNotes: strPtr(a.Symptoms),
	}
	if err := s.identity.AddFamilyMember(ctx, p.ID, fm); err != nil {
		return mergeOutcome{}, err
	}
	display, err := familyContact(ctx, s.identity, fm)
	if err != nil {
		return mergeOutcome{}, err
	}
	return mergeOutcome{
		PatientID:              p.ID,
		FamilyMemberID:         uuidPtr(fm.ID),
		MergedToPatientID:      uuidPtr(p.ID),
		MergedToFamilyMemberID: uuidPtr(fm.ID),
		display:                &display,
		note:                   fmt.Sprintf("Created family member %s (%s)", fm.Name, fm.Relationship),
		metadata:               map[string]any{"familyMemberId": fm.ID.String(), "created": true},
	}, nil
}

func appendNote(notes, entry string) string {
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}
