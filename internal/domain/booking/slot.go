package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotLength is the width of a booking bucket.
const SlotLength = 30 * time.Minute

// SlotStart truncates t to the start of its 30-minute bucket. Buckets are
// aligned to :00 and :30 in UTC, so 10:17 and 10:25 share a bucket while 10:29
// and 10:31 do not.
func SlotStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%30, 0, 0, time.UTC)
}

// SlotWindow returns the half-open interval [start, end) of t's bucket.
func SlotWindow(t time.Time) (start, end time.Time) {
	start = SlotStart(t)
	return start, start.Add(SlotLength)
}

// SlotReader is the query the slot checker needs.
type SlotReader interface {
	// SlotTaken reports whether the doctor has a non-cancelled appointment
	// with appointment_date in [start, end).
	SlotTaken(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error)
}

// SlotChecker answers whether a doctor's bucket is occupied.
type SlotChecker struct {
	repo SlotReader
}

func NewSlotChecker(repo SlotReader) *SlotChecker {
	return &SlotChecker{repo: repo}
}

// IsSlotTaken reports whether the bucket enclosing at is occupied for doctorID.
func (s *SlotChecker) IsSlotTaken(ctx context.Context, doctorID uuid.UUID, at time.Time) (bool, error) {
	start, end := SlotWindow(at)
	return s.repo.SlotTaken(ctx, doctorID, start, end)
}

// Availability describes the bucket enclosing at.
func (s *SlotChecker) Availability(ctx context.Context, doctorID uuid.UUID, at time.Time) (*SlotAvailability, error) {
	taken, err := s.IsSlotTaken(ctx, doctorID, at)
	if err != nil {
		return nil, err
	}
	start, end := SlotWindow(at)
	return &SlotAvailability{DoctorID: doctorID, SlotStart: start, SlotEnd: end, Available: !taken}, nil
}
