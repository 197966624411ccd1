package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/apperr"
	"github.com/clinic/portal/internal/platform/audit"
	"github.com/clinic/portal/internal/platform/db"
	"github.com/clinic/portal/internal/platform/slotlock"
)

var (
	ErrSlotTaken            = apperr.Conflict("the selected time slot is not available")
	ErrSlotBusy             = apperr.Conflict("the selected time slot is being booked by another request, please retry")
	ErrDoctorNotFound       = apperr.NotFound("doctor not found")
	ErrAppointmentNotFound  = apperr.NotFound("appointment not found")
	ErrMergeAlreadyResolved = apperr.Conflict("merge has already been resolved")
	ErrMergeNotRequired     = apperr.Conflict("appointment does not require a merge")
	ErrMergeNotAllowed      = apperr.Forbidden("you cannot resolve this appointment")
	ErrFamilyMemberNotOwned = apperr.Forbidden("family member does not belong to you")
	ErrNoPatientProfile     = apperr.Forbidden("a patient profile is required for this resolution")
)

// Identity is the subset of the identity service the booking flow uses.
type Identity interface {
	EnsureUser(ctx context.Context, email, name string) (*identity.User, error)
	CreateUser(ctx context.Context, email, name string, phone *string) (*identity.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	UpdateContact(ctx context.Context, userID uuid.UUID, name string, phone *string) (*identity.User, error)
	EnsurePatient(ctx context.Context, userID uuid.UUID) (*identity.Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	FindPatientByUser(ctx context.Context, userID uuid.UUID) (*identity.Patient, error)
	GetFamilyMemberForShare(ctx context.Context, id uuid.UUID) (*identity.FamilyMember, error)
	AddFamilyMember(ctx context.Context, patientID uuid.UUID, fm *identity.FamilyMember) error
}

type Service struct {
	identity Identity
	appts    AppointmentRepository
	slots    *SlotChecker
	resolver *resolver
	tx       Transactor
	locks    slotlock.Locker
	audit    audit.Recorder
	hooks    *HookRunner
	now      func() time.Time
}

func NewService(idn Identity, appts AppointmentRepository, tx Transactor, locks slotlock.Locker,
	rec audit.Recorder, hooks *HookRunner) *Service {
	return &Service{
		identity: idn,
		appts:    appts,
		slots:    NewSlotChecker(appts),
		resolver: newResolver(idn),
		tx:       tx,
		locks:    locks,
		audit:    rec,
		hooks:    hooks,
		now:      time.Now,
	}
}

// -- Booking --

func (s *Service) validateBooking(target BookingTarget, d *Details) error {
	var v apperr.ValidationError
	if d.DoctorID == uuid.Nil {
		v.Add("doctorId", "is required")
	}
	if d.AppointmentDate.IsZero() {
		v.Add("appointmentDate", "is required")
	} else if !d.AppointmentDate.After(s.now()) {
		v.Add("appointmentDate", "must be in the future")
	}
	if d.AppointmentType != TypeInPerson && d.AppointmentType != TypeOnline {
		v.Add("appointmentType", "must be one of [IN_PERSON ONLINE]")
	}
	d.ServiceType = strings.TrimSpace(d.ServiceType)
	if d.ServiceType == "" {
		v.Add("serviceType", "is required")
	}
	if d.Duration == 0 {
		d.Duration = DefaultDuration
	}
	if d.Duration < 0 || d.Duration > 480 {
		v.Add("duration", "must be between 1 and 480 minutes")
	}
	d.Symptoms = strings.TrimSpace(d.Symptoms)
	if d.Symptoms == "" {
		v.Add("symptoms", "is required")
	}
	if !d.AgreeToTerms {
		v.Add("agreeToTerms", "must be accepted")
	}

	switch t := target.(type) {
	case BookForSelf:
	case BookForFamilyMember:
		if t.FamilyMemberID == uuid.Nil {
			v.Add("familyMemberId", "is required when booking for a family member")
		}
	case BookForSomeoneElse:
		if strings.TrimSpace(t.Name) == "" {
			v.Add("patientName", "is required when booking for someone else")
		}
		if identity.NormalizeEmail(t.Email) == "" {
			v.Add("patientEmail", "is required when booking for someone else")
		}
	default:
		v.Add("bookingFor", "must be one of [MYSELF FAMILY_MEMBER SOMEONE_ELSE]")
	}
	return v.Err()
}

// Book resolves who the appointment is for, inserts it as PENDING and
// confirms it, all in one transaction. The slot lock covers only that
// transaction. Calendar and email side effects run after commit and never
// change the outcome.
func (s *Service) Book(ctx context.Context, caller Caller, target BookingTarget, d Details) (*Appointment, error) {
	if err := s.validateBooking(target, &d); err != nil {
		return nil, err
	}
	slotStart := SlotStart(d.AppointmentDate)

	release, err := s.locks.Acquire(ctx, slotlock.Key(db.TenantFromContext(ctx), d.DoctorID.String(), slotStart))
	if errors.Is(err, slotlock.ErrHeld) {
		return nil, ErrSlotBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}

	var ev Event
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		doctor, err := s.doctor(ctx, d.DoctorID)
		if err != nil {
			return err
		}
		taken, err := s.slots.IsSlotTaken(ctx, d.DoctorID, d.AppointmentDate)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotTaken
		}

		user, err := s.identity.EnsureUser(ctx, caller.Email, caller.Name)
		if err != nil {
			return err
		}
		res, err := s.resolver.resolve(ctx, user, target)
		if err != nil {
			return err
		}

		var bookedBy *uuid.UUID
		if p, err := s.identity.FindPatientByUser(ctx, user.ID); err == nil {
			bookedBy = uuidPtr(p.ID)
		} else if !errors.Is(err, identity.ErrPatientNotFound) {
			return err
		}

		a := &Appointment{
			ID:                  uuid.New(),
			PatientID:           res.PatientID,
			DoctorID:            d.DoctorID,
			FamilyMemberID:      res.FamilyMemberID,
			AppointmentDate:     d.AppointmentDate.UTC(),
			SlotStart:           slotStart,
			AppointmentType:     d.AppointmentType,
			ServiceType:         d.ServiceType,
			Status:              StatusPending,
			Duration:            d.Duration,
			Symptoms:            d.Symptoms,
			PreviousTreatment:   strPtr(strings.TrimSpace(d.PreviousTreatment)),
			PatientDisplayName:  strPtr(res.display.Name),
			PatientDisplayEmail: strPtr(res.display.Email),
			PatientDisplayPhone: res.display.Phone,
			BookedByUserID:      user.ID,
			BookedByPatientID:   bookedBy,
			RequiresMerge:       res.RequiresMerge,
			MergeNotes:          res.MergeNotes,
		}
		if o := res.original; o != nil {
			a.OriginalPatientName = strPtr(o.Name)
			a.OriginalPatientEmail = strPtr(o.Email)
			a.OriginalPatientPhone = o.Phone
		}
		if err := s.appts.Create(ctx, a); err != nil {
			return err
		}
		if err := s.appts.UpdateStatus(ctx, a.ID, StatusConfirmed); err != nil {
			return err
		}
		a.Status = StatusConfirmed

		ev = Event{Kind: EventAppointmentBooked, Appointment: a, Doctor: doctor, Caller: user}
		return nil
	})
	release()
	if err != nil {
		return nil, err
	}

	s.hooks.Fire(ctx, ev)
	return ev.Appointment, nil
}

func (s *Service) doctor(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	u, err := s.identity.GetUser(ctx, id)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, ErrDoctorNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.Role != identity.RoleDoctor {
		return nil, ErrDoctorNotFound
	}
	return u, nil
}

// CheckSlot reports whether the bucket enclosing at is free for doctorID.
func (s *Service) CheckSlot(ctx context.Context, doctorID uuid.UUID, at time.Time) (*SlotAvailability, error) {
	if _, err := s.doctor(ctx, doctorID); err != nil {
		return nil, err
	}
	return s.slots.Availability(ctx, doctorID, at)
}

// -- Reads --

// viewer is the stored identity behind a Caller. A caller with no user row
// yet sees nothing.
type viewer struct {
	user    *identity.User
	patient *identity.Patient
	admin   bool
}

func (s *Service) viewer(ctx context.Context, caller Caller) (*viewer, error) {
	v := &viewer{admin: caller.Admin}
	u, err := s.identity.FindUserByEmail(ctx, caller.Email)
	if errors.Is(err, identity.ErrUserNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	v.user = u
	p, err := s.identity.FindPatientByUser(ctx, u.ID)
	if err == nil {
		v.patient = p
	} else if !errors.Is(err, identity.ErrPatientNotFound) {
		return nil, err
	}
	return v, nil
}

func (v *viewer) patientID() *uuid.UUID {
	if v.patient == nil {
		return nil
	}
	return uuidPtr(v.patient.ID)
}

func (v *viewer) canSee(a *Appointment) bool {
	if v.admin {
		return true
	}
	if v.user == nil {
		return false
	}
	if a.BookedByUserID == v.user.ID || a.DoctorID == v.user.ID {
		return true
	}
	return v.patient != nil && a.PatientID == v.patient.ID
}

// Get returns an appointment the caller booked, owns, treats, or administers.
// Anything else is reported as not found.
func (s *Service) Get(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	v, err := s.viewer(ctx, caller)
	if err != nil {
		return nil, err
	}
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.canSee(a) {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

// ListMine returns the caller's appointments: a doctor's schedule, or what a
// patient booked or is booked for.
func (s *Service) ListMine(ctx context.Context, caller Caller, limit, offset int) ([]*Appointment, int, error) {
	v, err := s.viewer(ctx, caller)
	if err != nil {
		return nil, 0, err
	}
	if v.user == nil {
		return nil, 0, nil
	}
	if v.user.Role == identity.RoleDoctor {
		return s.appts.ListByDoctor(ctx, v.user.ID, limit, offset)
	}
	return s.appts.ListVisibleTo(ctx, v.user.ID, v.patientID(), limit, offset)
}

// ListPendingMerges returns flagged appointments the caller may resolve.
func (s *Service) ListPendingMerges(ctx context.Context, caller Caller, limit, offset int) ([]*Appointment, int, error) {
	v, err := s.viewer(ctx, caller)
	if err != nil {
		return nil, 0, err
	}
	if v.admin {
		return s.appts.ListPendingMerges(ctx, uuid.Nil, nil, true, limit, offset)
	}
	if v.user == nil {
		return nil, 0, nil
	}
	return s.appts.ListPendingMerges(ctx, v.user.ID, v.patientID(), false, limit, offset)
}

// MergeHistory returns the audit trail of an appointment the caller can see.
func (s *Service) MergeHistory(ctx context.Context, caller Caller, id uuid.UUID) ([]*audit.MergeEntry, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.audit.ListForAppointment(ctx, id)
}
