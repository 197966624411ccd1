package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RolePatient = "PATIENT"
	RoleDoctor  = "DOCTOR"
	RoleAdmin   = "ADMIN"
)

const (
	RelationshipSpouse = "SPOUSE"
	RelationshipChild  = "CHILD"
	RelationshipParent = "PARENT"
	RelationshipOther  = "OTHER"
)

// MaxActiveFamilyMembers bounds the active family members a patient may own.
const MaxActiveFamilyMembers = 3

var validRelationships = map[string]bool{
	RelationshipSpouse: true, RelationshipChild: true,
	RelationshipParent: true, RelationshipOther: true,
}

// ValidRelationship reports whether r is a known relationship code.
func ValidRelationship(r string) bool { return validRelationships[r] }

// User maps to the users table. Email is the natural key used for identity
// matching and is stored lower-cased.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Patient maps to the patients table; a user owns at most one.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// FamilyMember maps to the family_members table. A family member without an
// email or phone is reached through the owning patient's account.
type FamilyMember struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patientId"`
	Name         string    `db:"name" json:"name"`
	Email        *string   `db:"email" json:"email,omitempty"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
	Relationship string    `db:"relationship" json:"relationship"`
	Age          *int      `db:"age" json:"age,omitempty"`
	Gender       *string   `db:"gender" json:"gender,omitempty"`
	MedicalNotes *string   `db:"medical_notes" json:"medicalNotes,omitempty"`
	IsActive     bool      `db:"is_active" json:"isActive"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// NormalizeEmail lower-cases and trims an address for matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
