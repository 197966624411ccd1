package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/portal/internal/platform/db"
)

const slotIndex = "appointments_active_slot_uniq"

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, family_member_id, appointment_date, slot_start,
	appointment_type, service_type, status, duration, symptoms, previous_treatment,
	original_patient_name, original_patient_email, original_patient_phone,
	patient_display_name, patient_display_email, patient_display_phone,
	booked_by_user_id, booked_by_patient_id, requires_merge, merge_notes, merge_resolved_at,
	merged_to_patient_id, merged_to_family_member_id, calendar_event_id, meet_link,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.FamilyMemberID, &a.AppointmentDate, &a.SlotStart,
		&a.AppointmentType, &a.ServiceType, &a.Status, &a.Duration, &a.Symptoms, &a.PreviousTreatment,
		&a.OriginalPatientName, &a.OriginalPatientEmail, &a.OriginalPatientPhone,
		&a.PatientDisplayName, &a.PatientDisplayEmail, &a.PatientDisplayPhone,
		&a.BookedByUserID, &a.BookedByPatientID, &a.RequiresMerge, &a.MergeNotes, &a.MergeResolvedAt,
		&a.MergedToPatientID, &a.MergedToFamilyMemberID, &a.CalendarEventID, &a.MeetLink,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, family_member_id, appointment_date, slot_start,
			appointment_type, service_type, status, duration, symptoms, previous_treatment,
			original_patient_name, original_patient_email, original_patient_phone,
			patient_display_name, patient_display_email, patient_display_phone,
			booked_by_user_id, booked_by_patient_id, requires_merge, merge_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.FamilyMemberID, a.AppointmentDate, a.SlotStart,
		a.AppointmentType, a.ServiceType, a.Status, a.Duration, a.Symptoms, a.PreviousTreatment,
		a.OriginalPatientName, a.OriginalPatientEmail, a.OriginalPatientPhone,
		a.PatientDisplayName, a.PatientDisplayEmail, a.PatientDisplayPhone,
		a.BookedByUserID, a.BookedByPatientID, a.RequiresMerge, a.MergeNotes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsUniqueViolation(err, slotIndex) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Appointment, error) {
	q := `SELECT ` + apptCols + ` FROM appointments WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, id, false)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, id, true)
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointments SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) ApplyMergeResolution(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET
			patient_id = $2, family_member_id = $3,
			patient_display_name = $4, patient_display_email = $5, patient_display_phone = $6,
			requires_merge = $7, merge_notes = $8, merge_resolved_at = $9,
			merged_to_patient_id = $10, merged_to_family_member_id = $11,
			updated_at = NOW()
		WHERE id = $1 AND requires_merge AND merge_resolved_at IS NULL
		RETURNING updated_at`,
		a.ID, a.PatientID, a.FamilyMemberID,
		a.PatientDisplayName, a.PatientDisplayEmail, a.PatientDisplayPhone,
		a.RequiresMerge, a.MergeNotes, a.MergeResolvedAt,
		a.MergedToPatientID, a.MergedToFamilyMemberID,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMergeAlreadyResolved
	}
	return err
}

func (r *appointmentRepoPG) SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID string, meetLink *string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET calendar_event_id = $2, meet_link = $3, updated_at = NOW()
		WHERE id = $1`, id, eventID, meetLink)
	return err
}

func (r *appointmentRepoPG) SlotTaken(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND appointment_date >= $2 AND appointment_date < $3
			  AND status <> 'CANCELLED'
		)`, doctorID, start, end).Scan(&taken)
	return taken, err
}

func (r *appointmentRepoPG) list(ctx context.Context, where string, args []any, limit, offset int) ([]*Appointment, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM appointments WHERE %s
		ORDER BY appointment_date DESC LIMIT $%d OFFSET $%d`, apptCols, where, n+1, n+2)
	rows, err := q.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ListVisibleTo(ctx context.Context, userID uuid.UUID, patientID *uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	if patientID == nil {
		return r.list(ctx, `booked_by_user_id = $1`, []any{userID}, limit, offset)
	}
	return r.list(ctx, `(booked_by_user_id = $1 OR patient_id = $2)`, []any{userID, *patientID}, limit, offset)
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `doctor_id = $1`, []any{doctorID}, limit, offset)
}

func (r *appointmentRepoPG) ListPendingMerges(ctx context.Context, userID uuid.UUID, patientID *uuid.UUID, all bool, limit, offset int) ([]*Appointment, int, error) {
	const flagged = `requires_merge AND merge_resolved_at IS NULL`
	switch {
	case all:
		return r.list(ctx, flagged, nil, limit, offset)
	case patientID == nil:
		return r.list(ctx, flagged+` AND booked_by_user_id = $1`, []any{userID}, limit, offset)
	default:
		return r.list(ctx, flagged+` AND (booked_by_user_id = $1 OR patient_id = $2)`, []any{userID, *patientID}, limit, offset)
	}
}

func (r *appointmentRepoPG) CountBlockingForFamilyMember(ctx context.Context, familyMemberID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE family_member_id = $1 AND status IN ('PENDING', 'CONFIRMED')`, familyMemberID).Scan(&n)
	return n, err
}
