package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"appointment_id":"a1"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature to fail with wrong secret")
	}
}

func TestWebhookClient_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig := strings.TrimPrefix(r.Header.Get("X-Webhook-Signature"), "sha256=")
		if !VerifySignature(body, "s3cret", sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req EventRequest
		json.Unmarshal(body, &req)
		if req.AppointmentID != "a1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"evt-1","meet_link":"https://meet.test/abc"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "s3cret")
	ev, err := c.CreateEvent(context.Background(), EventRequest{
		AppointmentID: "a1",
		Start:         time.Now(),
		End:           time.Now().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventID != "evt-1" || ev.MeetLink != "https://meet.test/abc" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestWebhookClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"event_id":"evt-2"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "k", WithRetryDelays(time.Millisecond, time.Millisecond))
	ev, err := c.CreateEvent(context.Background(), EventRequest{AppointmentID: "a2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventID != "evt-2" {
		t.Errorf("expected evt-2, got %q", ev.EventID)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestWebhookClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "k", WithRetryDelays(time.Millisecond))
	if _, err := c.CreateEvent(context.Background(), EventRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestWebhookClient_MissingEventID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "k")
	if _, err := c.CreateEvent(context.Background(), EventRequest{}); err == nil {
		t.Fatal("expected error for missing event_id")
	}
}

func TestDisabled(t *testing.T) {
	ev, err := Disabled{}.CreateEvent(context.Background(), EventRequest{})
	if ev != nil || err != nil {
		t.Errorf("expected nil event and error, got %v, %v", ev, err)
	}
}
