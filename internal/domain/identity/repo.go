package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	// Create fails with ErrDuplicateEmail when the address is taken.
	Create(ctx context.Context, u *User) error
	// CreateIfAbsent inserts u unless its email exists, then returns the
	// stored row either way.
	CreateIfAbsent(ctx context.Context, u *User) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateContact(ctx context.Context, u *User) error
}

type PatientRepository interface {
	CreateIfAbsent(ctx context.Context, userID uuid.UUID) (*Patient, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error)
	// Lock takes a row lock on the patient for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) error
}

type FamilyMemberRepository interface {
	Create(ctx context.Context, fm *FamilyMember) error
	GetByID(ctx context.Context, id uuid.UUID) (*FamilyMember, error)
	// GetForUpdate and GetForShare read the member and hold a row lock on it
	// for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*FamilyMember, error)
	GetForShare(ctx context.Context, id uuid.UUID) (*FamilyMember, error)
	Update(ctx context.Context, fm *FamilyMember) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error)
	CountActive(ctx context.Context, patientID uuid.UUID) (int, error)
}

// BlockingAppointmentCounter counts PENDING or CONFIRMED appointments that
// reference a family member.
type BlockingAppointmentCounter interface {
	CountBlockingForFamilyMember(ctx context.Context, familyMemberID uuid.UUID) (int, error)
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
