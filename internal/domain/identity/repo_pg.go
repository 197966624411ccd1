package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/portal/internal/platform/db"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error, what error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return what
	}
	return err
}

// -- User Repository --

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

const userCols = `id, email, name, phone, role, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	return &u, err
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (id, email, name, phone, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.Name, u.Phone, u.Role,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err, "users_email_key") {
		return ErrDuplicateEmail
	}
	return err
}

func (r *userRepoPG) CreateIfAbsent(ctx context.Context, u *User) (*User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	q := connFor(ctx, r.pool)
	if _, err := q.Exec(ctx, `
		INSERT INTO users (id, email, name, phone, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING`,
		u.ID, u.Email, u.Name, u.Phone, u.Role); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return r.GetByEmail(ctx, u.Email)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return u, nil
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return u, nil
}

func (r *userRepoPG) UpdateContact(ctx context.Context, u *User) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		UPDATE users SET name = $2, phone = $3, updated_at = NOW()
		WHERE id = $1`,
		u.ID, u.Name, u.Phone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// -- Patient Repository --

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `id, user_id, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) CreateIfAbsent(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	q := connFor(ctx, r.pool)
	if _, err := q.Exec(ctx, `
		INSERT INTO patients (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		uuid.New(), userID); err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return r.GetByUserID(ctx, userID)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrPatientNotFound)
	}
	return p, nil
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	p, err := scanPatient(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFound(err, ErrPatientNotFound)
	}
	return p, nil
}

func (r *patientRepoPG) Lock(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := connFor(ctx, r.pool).QueryRow(ctx, `SELECT id FROM patients WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	return notFound(err, ErrPatientNotFound)
}

// -- Family Member Repository --

type familyMemberRepoPG struct{ pool *pgxpool.Pool }

func NewFamilyMemberRepoPG(pool *pgxpool.Pool) FamilyMemberRepository {
	return &familyMemberRepoPG{pool: pool}
}

const familyCols = `id, patient_id, name, email, phone, relationship, age, gender,
	medical_notes, is_active, created_at, updated_at`

func scanFamilyMember(row pgx.Row) (*FamilyMember, error) {
	var fm FamilyMember
	err := row.Scan(&fm.ID, &fm.PatientID, &fm.Name, &fm.Email, &fm.Phone, &fm.Relationship,
		&fm.Age, &fm.Gender, &fm.MedicalNotes, &fm.IsActive, &fm.CreatedAt, &fm.UpdatedAt)
	return &fm, err
}

func (r *familyMemberRepoPG) Create(ctx context.Context, fm *FamilyMember) error {
	if fm.ID == uuid.Nil {
		fm.ID = uuid.New()
	}
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO family_members (id, patient_id, name, email, phone, relationship,
			age, gender, medical_notes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		fm.ID, fm.PatientID, fm.Name, fm.Email, fm.Phone, fm.Relationship,
		fm.Age, fm.Gender, fm.MedicalNotes, fm.IsActive,
	).Scan(&fm.CreatedAt, &fm.UpdatedAt)
}

func (r *familyMemberRepoPG) get(ctx context.Context, id uuid.UUID, lock string) (*FamilyMember, error) {
	q := `SELECT ` + familyCols + ` FROM family_members WHERE id = $1` + lock
	fm, err := scanFamilyMember(connFor(ctx, r.pool).QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, ErrFamilyMemberNotFound)
	}
	return fm, nil
}

func (r *familyMemberRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FamilyMember, error) {
	return r.get(ctx, id, "")
}

func (r *familyMemberRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*FamilyMember, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *familyMemberRepoPG) GetForShare(ctx context.Context, id uuid.UUID) (*FamilyMember, error) {
	return r.get(ctx, id, " FOR SHARE")
}

func (r *familyMemberRepoPG) Update(ctx context.Context, fm *FamilyMember) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		UPDATE family_members SET name = $2, email = $3, phone = $4, relationship = $5,
			age = $6, gender = $7, medical_notes = $8, is_active = $9, updated_at = NOW()
		WHERE id = $1`,
		fm.ID, fm.Name, fm.Email, fm.Phone, fm.Relationship,
		fm.Age, fm.Gender, fm.MedicalNotes, fm.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFamilyMemberNotFound
	}
	return nil
}

func (r *familyMemberRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `DELETE FROM family_members WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFamilyMemberNotFound
	}
	return nil
}

func (r *familyMemberRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FamilyMember, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT `+familyCols+` FROM family_members
		WHERE patient_id = $1 ORDER BY is_active DESC, created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FamilyMember
	for rows.Next() {
		fm, err := scanFamilyMember(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, fm)
	}
	return items, rows.Err()
}

func (r *familyMemberRepoPG) CountActive(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM family_members WHERE patient_id = $1 AND is_active`, patientID).Scan(&n)
	return n, err
}
