package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/platform/apperr"
)

var (
	ErrUserNotFound         = apperr.NotFound("user not found")
	ErrPatientNotFound      = apperr.NotFound("patient not found")
	ErrFamilyMemberNotFound = apperr.NotFound("family member not found")
	ErrDuplicateEmail       = apperr.Conflict("a user with this email already exists")
	ErrFamilyLimitReached   = apperr.Conflict("a patient can have at most 3 active family members")
	ErrFamilyMemberInUse    = apperr.Conflict("family member has pending or confirmed appointments")
	ErrNotOwner             = apperr.Forbidden("family member belongs to another patient")
)

type Service struct {
	users    UserRepository
	patients PatientRepository
	family   FamilyMemberRepository
	blocking BlockingAppointmentCounter
	tx       Transactor
}

func NewService(users UserRepository, patients PatientRepository, family FamilyMemberRepository,
	blocking BlockingAppointmentCounter, tx Transactor) *Service {
	return &Service{users: users, patients: patients, family: family, blocking: blocking, tx: tx}
}

// -- Users --

// EnsureUser returns the user owning email, creating a PATIENT user when none
// exists. Existing users are returned unchanged.
func (s *Service) EnsureUser(ctx context.Context, email, name string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Invalid("email", "is required")
	}
	if u, err := s.users.GetByEmail(ctx, email); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	return s.users.CreateIfAbsent(ctx, &User{Email: email, Name: strings.TrimSpace(name), Role: RolePatient})
}

// CreateUser inserts a new PATIENT user and fails with ErrDuplicateEmail when
// the address is already registered.
func (s *Service) CreateUser(ctx context.Context, email, name string, phone *string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Invalid("email", "is required")
	}
	u := &User{Email: email, Name: strings.TrimSpace(name), Phone: phone, Role: RolePatient}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// FindUserByEmail returns ErrUserNotFound when nobody owns email.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.users.GetByEmail(ctx, NormalizeEmail(email))
}

// UpdateContact overwrites name and phone when the new values are non-empty.
func (s *Service) UpdateContact(ctx context.Context, userID uuid.UUID, name string, phone *string) (*User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed := false
	if n := strings.TrimSpace(name); n != "" && n != u.Name {
		u.Name = n
		changed = true
	}
	if phone != nil && *phone != "" && (u.Phone == nil || *u.Phone != *phone) {
		u.Phone = phone
		changed = true
	}
	if !changed {
		return u, nil
	}
	if err := s.users.UpdateContact(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// -- Patients --

// EnsurePatient returns the user's patient profile, creating it on first use.
func (s *Service) EnsurePatient(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	if p, err := s.patients.GetByUserID(ctx, userID); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}
	return s.patients.CreateIfAbsent(ctx, userID)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// FindPatientByUser returns ErrPatientNotFound when the user has no profile.
func (s *Service) FindPatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return s.patients.GetByUserID(ctx, userID)
}

// -- Family Members --

func validateFamilyMember(fm *FamilyMember) error {
	var v apperr.ValidationError
	fm.Name = strings.TrimSpace(fm.Name)
	if fm.Name == "" {
		v.Add("name", "is required")
	}
	if !ValidRelationship(fm.Relationship) {
		v.Add("relationship", "must be one of [SPOUSE CHILD PARENT OTHER]")
	}
	if fm.Age != nil && (*fm.Age < 0 || *fm.Age > 150) {
		v.Add("age", "must be between 0 and 150")
	}
	if fm.Email != nil {
		e := NormalizeEmail(*fm.Email)
		fm.Email = strPtr(e)
	}
	return v.Err()
}

func (s *Service) GetFamilyMember(ctx context.Context, id uuid.UUID) (*FamilyMember, error) {
	return s.family.GetByID(ctx, id)
}

// GetFamilyMemberForShare reads a family member and share-locks it for the
// surrounding transaction. A concurrent DeleteFamilyMember waits until that
// transaction ends and then sees the appointments it wrote.
func (s *Service) GetFamilyMemberForShare(ctx context.Context, id uuid.UUID) (*FamilyMember, error) {
	return s.family.GetForShare(ctx, id)
}

func (s *Service) ListFamilyMembers(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error) {
	return s.family.ListByPatient(ctx, patientID)
}

// AddFamilyMember creates an active family member for patientID, enforcing
// MaxActiveFamilyMembers under a lock on the owning patient row.
func (s *Service) AddFamilyMember(ctx context.Context, patientID uuid.UUID, fm *FamilyMember) error {
	fm.PatientID = patientID
	fm.IsActive = true
	if err := validateFamilyMember(fm); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ensureCapacity(ctx, patientID); err != nil {
			return err
		}
		return s.family.Create(ctx, fm)
	})
}

func (s *Service) ensureCapacity(ctx context.Context, patientID uuid.UUID) error {
	if err := s.patients.Lock(ctx, patientID); err != nil {
		return err
	}
	n, err := s.family.CountActive(ctx, patientID)
	if err != nil {
		return err
	}
	if n >= MaxActiveFamilyMembers {
		return ErrFamilyLimitReached
	}
	return nil
}

// UpdateFamilyMember replaces the editable fields of an owned family member.
// Reactivating a member counts against the active cap.
func (s *Service) UpdateFamilyMember(ctx context.Context, ownerPatientID uuid.UUID, fm *FamilyMember) error {
	if err := validateFamilyMember(fm); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.ownedFamilyMember(ctx, ownerPatientID, fm.ID)
		if err != nil {
			return err
		}
		if fm.IsActive && !current.IsActive {
			if err := s.ensureCapacity(ctx, ownerPatientID); err != nil {
				return err
			}
		}
		fm.PatientID = current.PatientID
		fm.CreatedAt = current.CreatedAt
		return s.family.Update(ctx, fm)
	})
}

// DeleteFamilyMember permanently removes an owned family member. It fails with
// ErrFamilyMemberInUse, carrying the blocking count, while PENDING or
// CONFIRMED appointments reference the member. The member row is locked
// before counting, so bookings that share-locked it are counted.
func (s *Service) DeleteFamilyMember(ctx context.Context, ownerPatientID, id uuid.UUID) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		fm, err := s.family.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if fm.PatientID != ownerPatientID {
			return ErrNotOwner
		}
		n, err := s.blocking.CountBlockingForFamilyMember(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrFamilyMemberInUse.With("blockingAppointments", n)
		}
		return s.family.Delete(ctx, id)
	})
}

func (s *Service) ownedFamilyMember(ctx context.Context, ownerPatientID, id uuid.UUID) (*FamilyMember, error) {
	fm, err := s.family.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if fm.PatientID != ownerPatientID {
		return nil, ErrNotOwner
	}
	return fm, nil
}
