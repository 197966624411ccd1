package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/calendar"
	"github.com/clinic/portal/internal/platform/notification"
)

type EventKind string

const (
	EventAppointmentBooked EventKind = "appointment.booked"
	EventMergeResolved     EventKind = "appointment.merge_resolved"
)

// Event describes a committed change. Doctor is only set for bookings.
type Event struct {
	Kind        EventKind
	Appointment *Appointment
	Doctor      *identity.User
	Caller      *identity.User
	Resolution  string
}

// Hook is a best-effort side effect run after a transaction commits.
type Hook func(ctx context.Context, ev Event) error

type namedHook struct {
	name string
	fn   Hook
}

// HookRunner runs hooks in registration order. A failing or panicking hook is
// logged and the rest still run.
type HookRunner struct {
	logger  zerolog.Logger
	timeout time.Duration
	hooks   map[EventKind][]namedHook
}

func NewHookRunner(logger zerolog.Logger, timeout time.Duration) *HookRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HookRunner{logger: logger, timeout: timeout, hooks: make(map[EventKind][]namedHook)}
}

// On registers fn for events of kind.
func (r *HookRunner) On(kind EventKind, name string, fn Hook) {
	r.hooks[kind] = append(r.hooks[kind], namedHook{name: name, fn: fn})
}

// Fire runs the hooks for ev. Hooks get a context detached from the request's
// cancellation, bounded by the runner's timeout.
func (r *HookRunner) Fire(ctx context.Context, ev Event) {
	if r == nil || ev.Appointment == nil {
		return
	}
	for _, h := range r.hooks[ev.Kind] {
		r.run(ctx, h, ev)
	}
}

func (r *HookRunner) run(ctx context.Context, h namedHook, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	log := r.logger.With().
		Str("hook", h.name).
		Str("event", string(ev.Kind)).
		Str("appointment_id", ev.Appointment.ID.String()).
		Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("post-commit hook panicked")
		}
	}()

	if err := h.fn(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("post-commit hook failed")
	}
}

// -- Built-in hooks --

// CalendarHook attaches a booked appointment to the calendar service and
// stores the returned event ID and meeting link.
func CalendarHook(scheduler calendar.Scheduler, repo AppointmentRepository) Hook {
	return func(ctx context.Context, ev Event) error {
		a := ev.Appointment
		req := calendar.EventRequest{
			AppointmentID: a.ID.String(),
			DoctorID:      a.DoctorID.String(),
			AttendeeName:  deref(a.PatientDisplayName),
			AttendeeEmail: deref(a.PatientDisplayEmail),
			Start:         a.AppointmentDate,
			End:           a.End(),
			Summary:       fmt.Sprintf("%s (%s)", a.ServiceType, a.AppointmentType),
		}
		if ev.Doctor != nil {
			req.DoctorEmail = ev.Doctor.Email
		}
		created, err := scheduler.CreateEvent(ctx, req)
		if err != nil {
			return fmt.Errorf("create calendar event: %w", err)
		}
		if created == nil {
			return nil
		}
		meetLink := strPtr(created.MeetLink)
		if err := repo.SetCalendarEvent(ctx, a.ID, created.EventID, meetLink); err != nil {
			return fmt.Errorf("store calendar event: %w", err)
		}
		a.CalendarEventID = strPtr(created.EventID)
		a.MeetLink = meetLink
		return nil
	}
}

func dateTime(t time.Time) (date, clock string) {
	t = t.UTC()
	return t.Format("2006-01-02"), t.Format("15:04 UTC")
}

// ConfirmationEmailHook emails the appointment's contact address.
func ConfirmationEmailHook(mgr *notification.Manager) Hook {
	return func(ctx context.Context, ev Event) error {
		a := ev.Appointment
		date, clock := dateTime(a.AppointmentDate)
		data := map[string]string{
			"patient_name":   deref(a.PatientDisplayName),
			"doctor_name":    "your doctor",
			"date":           date,
			"time":           clock,
			"meet_link_line": "",
		}
		if ev.Doctor != nil && ev.Doctor.Name != "" {
			data["doctor_name"] = ev.Doctor.Name
		}
		if a.MeetLink != nil {
			data["meet_link_line"] = " Join online: " + *a.MeetLink
		}
		_, err := mgr.SendFromTemplate(ctx, notification.TemplateAppointmentConfirmed, data, deref(a.PatientDisplayEmail))
		return err
	}
}

// MergeReviewEmailHook asks the booker to resolve a flagged booking.
func MergeReviewEmailHook(mgr *notification.Manager) Hook {
	return func(ctx context.Context, ev Event) error {
		a := ev.Appointment
		if !a.RequiresMerge || ev.Caller == nil {
			return nil
		}
		date, clock := dateTime(a.AppointmentDate)
		data := map[string]string{
			"patient_email": deref(a.OriginalPatientEmail),
			"date":          date,
			"time":          clock,
		}
		_, err := mgr.SendFromTemplate(ctx, notification.TemplateMergeReviewNeeded, data, ev.Caller.Email)
		return err
	}
}

// MergeResolvedEmailHook confirms a resolution to the caller who made it.
func MergeResolvedEmailHook(mgr *notification.Manager) Hook {
	return func(ctx context.Context, ev Event) error {
		if ev.Caller == nil {
			return nil
		}
		a := ev.Appointment
		date, clock := dateTime(a.AppointmentDate)
		data := map[string]string{
			"date":         date,
			"time":         clock,
			"patient_name": deref(a.PatientDisplayName),
			"resolution":   ev.Resolution,
		}
		_, err := mgr.SendFromTemplate(ctx, notification.TemplateMergeResolved, data, ev.Caller.Email)
		return err
	}
}

// RegisterDefaultHooks wires the calendar and email hooks onto r.
func RegisterDefaultHooks(r *HookRunner, scheduler calendar.Scheduler, repo AppointmentRepository, mgr *notification.Manager) {
	r.On(EventAppointmentBooked, "calendar", CalendarHook(scheduler, repo))
	r.On(EventAppointmentBooked, "confirmation-email", ConfirmationEmailHook(mgr))
	r.On(EventAppointmentBooked, "merge-review-email", MergeReviewEmailHook(mgr))
	r.On(EventMergeResolved, "merge-resolved-email", MergeResolvedEmailHook(mgr))
}
