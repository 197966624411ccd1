package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"patient_name":   "Ada",
		"patient_email":  "ada@example.com",
		"doctor_name":    "Dr. Grey",
		"date":           "2026-11-02",
		"time":           "09:00",
		"meet_link_line": "",
		"resolution":     "self",
	}
	for _, id := range []string{TemplateAppointmentConfirmed, TemplateMergeReviewNeeded, TemplateMergeResolved} {
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
			continue
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("template %q left placeholders: %q / %q", id, subject, body)
		}
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TemplateMergeResolved, map[string]string{"date": "2026-11-02"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "{{patient_name}}") {
		t.Errorf("expected unreplaced placeholder to remain, got %q", body)
	}
}

// ---------------------------------------------------------------------------
// Manager Tests
// ---------------------------------------------------------------------------

func TestManager_Send(t *testing.T) {
	sender := &MockEmailSender{}
	mgr := NewManager(sender, NewTemplateEngine(), 0)

	n := &Notification{Recipient: "ada@example.com", Subject: "Hi", Body: "Body"}
	if err := mgr.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if n.Status != "sent" || n.SentAt == nil {
		t.Errorf("expected sent status with timestamp, got %q", n.Status)
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].To != "ada@example.com" {
		t.Fatalf("unexpected sender calls: %+v", calls)
	}
}

func TestManager_SendFailed(t *testing.T) {
	sender := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	mgr := NewManager(sender, NewTemplateEngine(), 0)

	n := &Notification{Recipient: "ada@example.com", Body: "Body"}
	err := mgr.Send(context.Background(), n)
	if err == nil {
		t.Fatal("expected error")
	}
	if n.Status != "failed" || n.Error != "smtp down" {
		t.Errorf("expected failed status, got %q (%q)", n.Status, n.Error)
	}
	if mgr.Stats()["failed"] != 1 {
		t.Errorf("expected one failed delivery in stats, got %v", mgr.Stats())
	}
}

func TestManager_SendFromTemplate(t *testing.T) {
	sender := &MockEmailSender{}
	mgr := NewManager(sender, NewTemplateEngine(), 0)

	n, err := mgr.SendFromTemplate(context.Background(), TemplateAppointmentConfirmed, map[string]string{
		"patient_name":   "Ada",
		"doctor_name":    "Dr. Grey",
		"date":           "2026-11-02",
		"time":           "09:00",
		"meet_link_line": "",
	}, "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.TemplateID != TemplateAppointmentConfirmed {
		t.Errorf("expected template id, got %q", n.TemplateID)
	}
	if !strings.Contains(sender.Calls()[0].Subject, "Ada") {
		t.Errorf("expected rendered subject, got %q", sender.Calls()[0].Subject)
	}
}

func TestManager_SendFromTemplateRequiresRecipient(t *testing.T) {
	mgr := NewManager(&MockEmailSender{}, NewTemplateEngine(), 0)
	if _, err := mgr.SendFromTemplate(context.Background(), TemplateMergeResolved, nil, ""); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestManager_RecentIsBounded(t *testing.T) {
	mgr := NewManager(&MockEmailSender{}, NewTemplateEngine(), 3)
	for i := 0; i < 5; i++ {
		mgr.Send(context.Background(), &Notification{Recipient: fmt.Sprintf("u%d@example.com", i)})
	}

	recent := mgr.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(recent))
	}
	if recent[0].Recipient != "u4@example.com" {
		t.Errorf("expected newest first, got %q", recent[0].Recipient)
	}
}

func TestManager_ConcurrentSend(t *testing.T) {
	sender := &MockEmailSender{}
	mgr := NewManager(sender, NewTemplateEngine(), 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mgr.Send(context.Background(), &Notification{Recipient: fmt.Sprintf("u%d@example.com", i)})
		}(i)
	}
	wg.Wait()

	if len(sender.Calls()) != 20 {
		t.Errorf("expected 20 calls, got %d", len(sender.Calls()))
	}
	if mgr.Stats()["sent"] != 20 {
		t.Errorf("expected 20 sent, got %v", mgr.Stats())
	}
}

func TestLogSender_NeverFails(t *testing.T) {
	s := LogSender{Logger: zerolog.Nop()}
	if err := s.SendEmail(context.Background(), "ada@example.com", "s", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
