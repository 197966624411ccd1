// Package audit records merge resolutions in merge_audit_log. Entries are
// written inside the resolving transaction so the trail commits or rolls back
// with the change it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/portal/internal/platform/db"
)

// MergeEntry is one row of merge_audit_log.
type MergeEntry struct {
	ID             uuid.UUID       `json:"id"`
	AppointmentID  uuid.UUID       `json:"appointment_id"`
	ActorUserID    uuid.UUID       `json:"actor_user_id"`
	ResolutionType string          `json:"resolution_type"`
	KeepSeparate   bool            `json:"keep_separate"`
	BeforeState    json.RawMessage `json:"before_state"`
	AfterState     json.RawMessage `json:"after_state"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewMergeEntry snapshots before and after as JSON.
func NewMergeEntry(appointmentID, actor uuid.UUID, resolutionType string, keepSeparate bool, before, after any) (*MergeEntry, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal before state: %w", err)
	}
	a, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal after state: %w", err)
	}
	return &MergeEntry{
		ID:             uuid.New(),
		AppointmentID:  appointmentID,
		ActorUserID:    actor,
		ResolutionType: resolutionType,
		KeepSeparate:   keepSeparate,
		BeforeState:    b,
		AfterState:     a,
		Metadata:       map[string]any{},
	}, nil
}

// Recorder persists and reads merge audit entries.
type Recorder interface {
	RecordMerge(ctx context.Context, e *MergeEntry) error
	ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*MergeEntry, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRecorder writes to Postgres, preferring the transaction in ctx, then the
// tenant connection, then the pool.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *PGRecorder) RecordMerge(ctx context.Context, e *MergeEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO merge_audit_log (id, appointment_id, actor_user_id, resolution_type,
			keep_separate, before_state, after_state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		e.ID, e.AppointmentID, e.ActorUserID, e.ResolutionType,
		e.KeepSeparate, []byte(e.BeforeState), []byte(e.AfterState), meta,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: record merge: %w", err)
	}
	return nil
}

func (r *PGRecorder) ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*MergeEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, actor_user_id, resolution_type, keep_separate,
			before_state, after_state, metadata, created_at
		FROM merge_audit_log WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("audit: list merges: %w", err)
	}
	defer rows.Close()

	var out []*MergeEntry
	for rows.Next() {
		var (
			e           MergeEntry
			before      []byte
			after       []byte
			rawMetadata []byte
		)
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.ActorUserID, &e.ResolutionType, &e.KeepSeparate,
			&before, &after, &rawMetadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.BeforeState = before
		e.AfterState = after
		if e.Metadata, err = decodeMetadata(rawMetadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("audit: decode metadata: %w", err)
	}
	return m, nil
}
