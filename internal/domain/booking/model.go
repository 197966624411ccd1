package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/auth"
)

const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

const (
	TypeInPerson = "IN_PERSON"
	TypeOnline   = "ONLINE"
)

// DefaultDuration is used when a booking does not specify one, in minutes.
const DefaultDuration = 30

// Appointment maps to the appointments table.
//
// OriginalPatient* hold the identity typed at booking time and are never
// rewritten. PatientDisplay* are what the portal shows and follow merge
// resolutions.
type Appointment struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	PatientID              uuid.UUID  `db:"patient_id" json:"patientId"`
	DoctorID               uuid.UUID  `db:"doctor_id" json:"doctorId"`
	FamilyMemberID         *uuid.UUID `db:"family_member_id" json:"familyMemberId,omitempty"`
	AppointmentDate        time.Time  `db:"appointment_date" json:"appointmentDate"`
	SlotStart              time.Time  `db:"slot_start" json:"slotStart"`
	AppointmentType        string     `db:"appointment_type" json:"appointmentType"`
	ServiceType            string     `db:"service_type" json:"serviceType"`
	Status                 string     `db:"status" json:"status"`
	Duration               int        `db:"duration" json:"duration"`
	Symptoms               string     `db:"symptoms" json:"symptoms"`
	PreviousTreatment      *string    `db:"previous_treatment" json:"previousTreatment,omitempty"`
	OriginalPatientName    *string    `db:"original_patient_name" json:"originalPatientName,omitempty"`
	OriginalPatientEmail   *string    `db:"original_patient_email" json:"originalPatientEmail,omitempty"`
	OriginalPatientPhone   *string    `db:"original_patient_phone" json:"originalPatientPhone,omitempty"`
	PatientDisplayName     *string    `db:"patient_display_name" json:"patientDisplayName,omitempty"`
	PatientDisplayEmail    *string    `db:"patient_display_email" json:"patientDisplayEmail,omitempty"`
	PatientDisplayPhone    *string    `db:"patient_display_phone" json:"patientDisplayPhone,omitempty"`
	BookedByUserID         uuid.UUID  `db:"booked_by_user_id" json:"bookedByUserId"`
	BookedByPatientID      *uuid.UUID `db:"booked_by_patient_id" json:"bookedByPatientId,omitempty"`
	RequiresMerge          bool       `db:"requires_merge" json:"requiresMerge"`
	MergeNotes             string     `db:"merge_notes" json:"mergeNotes"`
	MergeResolvedAt        *time.Time `db:"merge_resolved_at" json:"mergeResolvedAt,omitempty"`
	MergedToPatientID      *uuid.UUID `db:"merged_to_patient_id" json:"mergedToPatientId,omitempty"`
	MergedToFamilyMemberID *uuid.UUID `db:"merged_to_family_member_id" json:"mergedToFamilyMemberId,omitempty"`
	CalendarEventID        *string    `db:"calendar_event_id" json:"calendarEventId,omitempty"`
	MeetLink               *string    `db:"meet_link" json:"meetLink,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updatedAt"`
}

// End returns the scheduled end of the appointment.
func (a *Appointment) End() time.Time {
	d := a.Duration
	if d <= 0 {
		d = DefaultDuration
	}
	return a.AppointmentDate.Add(time.Duration(d) * time.Minute)
}

// clone returns a deep enough copy for before/after snapshots.
func (a *Appointment) clone() *Appointment {
	cp := *a
	return &cp
}

// Caller is the authenticated person performing an operation.
type Caller struct {
	Email string
	Name  string
	Admin bool
}

// CallerFromPrincipal maps an authenticated principal onto a Caller.
func CallerFromPrincipal(p auth.Principal) Caller {
	return Caller{
		Email: identity.NormalizeEmail(p.Email),
		Name:  p.Name,
		Admin: p.HasRole(identity.RoleAdmin),
	}
}

// Details is the booking payload shared by every BookingTarget.
type Details struct {
	DoctorID          uuid.UUID
	AppointmentDate   time.Time
	AppointmentType   string
	ServiceType       string
	Duration          int
	Symptoms          string
	PreviousTreatment string
	AgreeToTerms      bool
}

// SlotAvailability answers a slot availability check.
type SlotAvailability struct {
	DoctorID  uuid.UUID `json:"doctorId"`
	SlotStart time.Time `json:"slotStart"`
	SlotEnd   time.Time `json:"slotEnd"`
	Available bool      `json:"available"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
