package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/audit"
)

// memStore backs every repository used by the booking flow. WithTx snapshots
// the store and restores it when fn fails, standing in for a Postgres
// transaction.
type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]identity.User
	patients map[uuid.UUID]identity.Patient
	family   map[uuid.UUID]identity.FamilyMember
	appts    map[uuid.UUID]Appointment
	audits   []audit.MergeEntry

	commits   int
	rollbacks int
	// failCreate, when set, is returned by appointment Create.
	failCreate error
	// familyLocks records the row lock mode taken on each family member.
	familyLocks map[uuid.UUID]string
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[uuid.UUID]identity.User),
		patients: make(map[uuid.UUID]identity.Patient),
		family:   make(map[uuid.UUID]identity.FamilyMember),
		appts:    make(map[uuid.UUID]Appointment),

		familyLocks: make(map[uuid.UUID]string),
	}
}

type memSnapshot struct {
	users    map[uuid.UUID]identity.User
	patients map[uuid.UUID]identity.Patient
	family   map[uuid.UUID]identity.FamilyMember
	appts    map[uuid.UUID]Appointment
	audits   []audit.MergeEntry
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	return memSnapshot{
		users:    copyMap(s.users),
		patients: copyMap(s.patients),
		family:   copyMap(s.family),
		appts:    copyMap(s.appts),
		audits:   append([]audit.MergeEntry(nil), s.audits...),
	}
}

type memTxKey struct{}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.users, s.patients, s.family, s.appts, s.audits = snap.users, snap.patients, snap.family, snap.appts, snap.audits
		s.rollbacks++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// -- Users --

type memUsers struct{ s *memStore }

func (r memUsers) Create(_ context.Context, u *identity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.users {
		if existing.Email == u.Email {
			return identity.ErrDuplicateEmail
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	r.s.users[u.ID] = *u
	return nil
}

func (r memUsers) CreateIfAbsent(ctx context.Context, u *identity.User) (*identity.User, error) {
	if existing, err := r.GetByEmail(ctx, u.Email); err == nil {
		return existing, nil
	}
	if err := r.Create(ctx, u); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, u.ID)
}

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (*identity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &u, nil
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*identity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (r memUsers) UpdateContact(_ context.Context, u *identity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[u.ID]; !ok {
		return identity.ErrUserNotFound
	}
	r.s.users[u.ID] = *u
	return nil
}

// -- Patients --

type memPatients struct{ s *memStore }

func (r memPatients) CreateIfAbsent(ctx context.Context, userID uuid.UUID) (*identity.Patient, error) {
	if p, err := r.GetByUserID(ctx, userID); err == nil {
		return p, nil
	}
	r.s.mu.Lock()
	p := identity.Patient{ID: uuid.New(), UserID: userID, CreatedAt: time.Now()}
	r.s.patients[p.ID] = p
	r.s.mu.Unlock()
	return &p, nil
}

func (r memPatients) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.patients[id]
	if !ok {
		return nil, identity.ErrPatientNotFound
	}
	return &p, nil
}

func (r memPatients) GetByUserID(_ context.Context, userID uuid.UUID) (*identity.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.patients {
		if p.UserID == userID {
			p := p
			return &p, nil
		}
	}
	return nil, identity.ErrPatientNotFound
}

func (r memPatients) Lock(ctx context.Context, id uuid.UUID) error {
	_, err := r.GetByID(ctx, id)
	return err
}

// -- Family Members --

type memFamily struct{ s *memStore }

func (r memFamily) Create(_ context.Context, fm *identity.FamilyMember) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if fm.ID == uuid.Nil {
		fm.ID = uuid.New()
	}
	fm.CreatedAt = time.Now()
	r.s.family[fm.ID] = *fm
	return nil
}

func (r memFamily) GetByID(_ context.Context, id uuid.UUID) (*identity.FamilyMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	fm, ok := r.s.family[id]
	if !ok {
		return nil, identity.ErrFamilyMemberNotFound
	}
	return &fm, nil
}

func (r memFamily) lock(ctx context.Context, id uuid.UUID, mode string) (*identity.FamilyMember, error) {
	fm, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	r.s.familyLocks[id] = mode
	r.s.mu.Unlock()
	return fm, nil
}

func (r memFamily) GetForUpdate(ctx context.Context, id uuid.UUID) (*identity.FamilyMember, error) {
	return r.lock(ctx, id, "update")
}

func (r memFamily) GetForShare(ctx context.Context, id uuid.UUID) (*identity.FamilyMember, error) {
	return r.lock(ctx, id, "share")
}

func (r memFamily) Update(_ context.Context, fm *identity.FamilyMember) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.family[fm.ID]; !ok {
		return identity.ErrFamilyMemberNotFound
	}
	r.s.family[fm.ID] = *fm
	return nil
}

func (r memFamily) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.family[id]; !ok {
		return identity.ErrFamilyMemberNotFound
	}
	delete(r.s.family, id)
	for k, a := range r.s.appts {
		if a.FamilyMemberID != nil && *a.FamilyMemberID == id {
			a.FamilyMemberID = nil
			r.s.appts[k] = a
		}
	}
	return nil
}

func (r memFamily) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*identity.FamilyMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*identity.FamilyMember
	for _, fm := range r.s.family {
		if fm.PatientID == patientID {
			fm := fm
			out = append(out, &fm)
		}
	}
	return out, nil
}

func (r memFamily) CountActive(_ context.Context, patientID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, fm := range r.s.family {
		if fm.PatientID == patientID && fm.IsActive {
			n++
		}
	}
	return n, nil
}

// -- Appointments --

type memAppointments struct{ s *memStore }

func (r memAppointments) Create(_ context.Context, a *Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCreate != nil {
		return r.s.failCreate
	}
	for _, other := range r.s.appts {
		if other.DoctorID == a.DoctorID && other.SlotStart.Equal(a.SlotStart) && other.Status != StatusCancelled {
			return ErrSlotTaken
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.s.appts[a.ID] = *a
	return nil
}

func (r memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r memAppointments) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r memAppointments) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Status = status
	r.s.appts[id] = a
	return nil
}

func (r memAppointments) ApplyMergeResolution(_ context.Context, a *Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.appts[a.ID]
	if !ok || !cur.RequiresMerge || cur.MergeResolvedAt != nil {
		return ErrMergeAlreadyResolved
	}
	cur.PatientID = a.PatientID
	cur.FamilyMemberID = a.FamilyMemberID
	cur.PatientDisplayName = a.PatientDisplayName
	cur.PatientDisplayEmail = a.PatientDisplayEmail
	cur.PatientDisplayPhone = a.PatientDisplayPhone
	cur.RequiresMerge = a.RequiresMerge
	cur.MergeNotes = a.MergeNotes
	cur.MergeResolvedAt = a.MergeResolvedAt
	cur.MergedToPatientID = a.MergedToPatientID
	cur.MergedToFamilyMemberID = a.MergedToFamilyMemberID
	cur.UpdatedAt = time.Now()
	r.s.appts[a.ID] = cur
	return nil
}

func (r memAppointments) SetCalendarEvent(_ context.Context, id uuid.UUID, eventID string, meetLink *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.CalendarEventID = &eventID
	a.MeetLink = meetLink
	r.s.appts[id] = a
	return nil
}

func (r memAppointments) SlotTaken(_ context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.appts {
		if a.DoctorID == doctorID && a.Status != StatusCancelled &&
			!a.AppointmentDate.Before(start) && a.AppointmentDate.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func (r memAppointments) filter(keep func(a *Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Appointment
	for _, a := range r.s.appts {
		a := a
		if keep(&a) {
			all = append(all, &a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AppointmentDate.After(all[j].AppointmentDate) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memAppointments) ListVisibleTo(_ context.Context, userID uuid.UUID, patientID *uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.filter(func(a *Appointment) bool {
		return a.BookedByUserID == userID || (patientID != nil && a.PatientID == *patientID)
	}, limit, offset)
}

func (r memAppointments) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.filter(func(a *Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (r memAppointments) ListPendingMerges(_ context.Context, userID uuid.UUID, patientID *uuid.UUID, all bool, limit, offset int) ([]*Appointment, int, error) {
	return r.filter(func(a *Appointment) bool {
		if !a.RequiresMerge || a.MergeResolvedAt != nil {
			return false
		}
		return all || a.BookedByUserID == userID || (patientID != nil && a.PatientID == *patientID)
	}, limit, offset)
}

func (r memAppointments) CountBlockingForFamilyMember(_ context.Context, familyMemberID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, a := range r.s.appts {
		if a.FamilyMemberID != nil && *a.FamilyMemberID == familyMemberID &&
			(a.Status == StatusPending || a.Status == StatusConfirmed) {
			n++
		}
	}
	return n, nil
}

// -- Audit --

func (s *memStore) RecordMerge(_ context.Context, e *audit.MergeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now()
	s.audits = append(s.audits, *e)
	return nil
}

func (s *memStore) ListForAppointment(_ context.Context, appointmentID uuid.UUID) ([]*audit.MergeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.MergeEntry
	for _, e := range s.audits {
		if e.AppointmentID == appointmentID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

// failingRecorder fails every write.
type failingRecorder struct{ *memStore }

func (failingRecorder) RecordMerge(context.Context, *audit.MergeEntry) error {
	return errors.New("audit store down")
}
