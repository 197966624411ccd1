// Package calendar attaches booked appointments to an external calendar
// service through a signed webhook. The service replies with the event ID and,
// for online consultations, a meeting link.
package calendar

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EventRequest is the payload POSTed to the calendar service.
type EventRequest struct {
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	DoctorEmail   string    `json:"doctor_email,omitempty"`
	AttendeeName  string    `json:"attendee_name"`
	AttendeeEmail string    `json:"attendee_email"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Summary       string    `json:"summary"`
}

// Event is what the calendar service created.
type Event struct {
	EventID  string `json:"event_id"`
	MeetLink string `json:"meet_link,omitempty"`
}

// Scheduler creates calendar events for confirmed appointments.
type Scheduler interface {
	CreateEvent(ctx context.Context, req EventRequest) (*Event, error)
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a WebhookClient.
type Option func(*WebhookClient)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(w *WebhookClient) { w.httpClient = c }
}

// WithRetryDelays sets the pauses between attempts; the number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(w *WebhookClient) { w.retryDelays = delays }
}

// WebhookClient is a Scheduler backed by a signed HTTP webhook.
type WebhookClient struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

func NewWebhookClient(url, secret string, opts ...Option) *WebhookClient {
	w := &WebhookClient{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// CreateEvent posts req to the calendar service, retrying transport errors and
// 5xx responses. 4xx responses are not retried.
func (w *WebhookClient) CreateEvent(ctx context.Context, req EventRequest) (*Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal calendar event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(w.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.retryDelays[attempt-1]):
			}
		}

		ev, retry, err := w.post(ctx, payload)
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (w *WebhookClient) post(ctx context.Context, payload []byte) (*Event, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build calendar request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, w.secret))
	httpReq.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("calendar service: status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("calendar service: status %d: %s", resp.StatusCode, body)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, false, fmt.Errorf("decode calendar response: %w", err)
	}
	if ev.EventID == "" {
		return nil, false, fmt.Errorf("calendar service returned no event_id")
	}
	return &ev, false, nil
}

// Disabled is the Scheduler used when no calendar service is configured.
type Disabled struct{}

func (Disabled) CreateEvent(context.Context, EventRequest) (*Event, error) {
	return nil, nil
}
