package booking

import (
	"context"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	SlotReader

	// Create inserts a and fails with ErrSlotTaken when the doctor's bucket
	// already holds a live appointment.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate reads a and locks its row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	// ApplyMergeResolution writes the linkage, display and merge columns of
	// a. It fails with ErrMergeAlreadyResolved unless the stored row is still
	// flagged and unresolved.
	ApplyMergeResolution(ctx context.Context, a *Appointment) error
	SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID string, meetLink *string) error

	// ListVisibleTo returns appointments booked by userID or, when patientID
	// is set, belonging to that patient. Newest first.
	ListVisibleTo(ctx context.Context, userID uuid.UUID, patientID *uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// ListPendingMerges returns unresolved flagged appointments the user can
	// resolve, or all of them when all is set.
	ListPendingMerges(ctx context.Context, userID uuid.UUID, patientID *uuid.UUID, all bool, limit, offset int) ([]*Appointment, int, error)

	CountBlockingForFamilyMember(ctx context.Context, familyMemberID uuid.UUID) (int, error)
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
