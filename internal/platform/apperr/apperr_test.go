package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/portal/internal/platform/validate"
)

var errSlotTaken = Conflict("slot is no longer available")

func TestError_KindAndSentinel(t *testing.T) {
	wrapped := fmt.Errorf("book: %w", errSlotTaken.With("slotStart", "09:00"))

	if !errors.Is(wrapped, ErrConflict) {
		t.Error("expected conflict kind")
	}
	if !errors.Is(wrapped, errSlotTaken) {
		t.Error("expected sentinel match after With")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("unexpected not-found kind")
	}
	if errSlotTaken.Details != nil {
		t.Error("With must not mutate the sentinel")
	}
}

func TestValidationError(t *testing.T) {
	var v ValidationError
	if v.Err() != nil {
		t.Fatal("empty validation error should be nil")
	}
	v.Add("b", "first")
	v.Add("b", "second")
	v.Add("a", "x")
	if v.Fields["b"] != "first" {
		t.Errorf("expected first reason kept, got %q", v.Fields["b"])
	}
	if v.Err() == nil {
		t.Fatal("expected error")
	}
	if v.Error() != "validation failed: a: x; b: first" {
		t.Errorf("unexpected message %q", v.Error())
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Invalid("doctorId", "is required"), http.StatusBadRequest},
		{"validator fields", validate.Errors{"x": "y"}, http.StatusBadRequest},
		{"not found", NotFound("doctor not found"), http.StatusNotFound},
		{"conflict", fmt.Errorf("wrap: %w", errSlotTaken), http.StatusConflict},
		{"forbidden", Forbidden("nope"), http.StatusForbidden},
		{"echo", echo.NewHTTPError(http.StatusUnauthorized, "x"), http.StatusUnauthorized},
		{"deadline", fmt.Errorf("q: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func respond(t *testing.T, err error) (int, Body) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if rerr := Respond(c, zerolog.Nop(), err); rerr != nil {
		t.Fatalf("Respond returned %v", rerr)
	}
	var body Body
	if jerr := json.Unmarshal(rec.Body.Bytes(), &body); jerr != nil {
		t.Fatalf("invalid JSON: %v", jerr)
	}
	return rec.Code, body
}

func TestRespond_ValidationDetails(t *testing.T) {
	code, body := respond(t, Invalid("patientEmail", "is required"))
	if code != http.StatusBadRequest || body.Success {
		t.Fatalf("unexpected response %d %+v", code, body)
	}
	details, ok := body.Details.(map[string]interface{})
	if !ok || details["patientEmail"] != "is required" {
		t.Errorf("expected field details, got %v", body.Details)
	}
}

func TestRespond_ConflictDetails(t *testing.T) {
	code, body := respond(t, Conflict("family member has active appointments").With("blockingAppointments", 2))
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	details := body.Details.(map[string]interface{})
	if details["blockingAppointments"] != float64(2) {
		t.Errorf("expected blocking count, got %v", details)
	}
}

func TestRespond_HidesInternalErrors(t *testing.T) {
	code, body := respond(t, errors.New("pq: relation does not exist"))
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	if body.Error != "internal server error" {
		t.Errorf("expected generic message, got %q", body.Error)
	}
}
