package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// EventLog is a row of the event_logs outbox, written in the same
// transaction as the appointment change it describes.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains unpublished outbox rows to a Publisher and marks them
// published. Rows are locked with SKIP LOCKED so several relays can run.
type Relay struct {
	db        txBeginner
	publisher Publisher
	log       *zap.SugaredLogger
	batchSize int
}

func NewRelay(db txBeginner, publisher Publisher, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		log:       log,
		batchSize: 100,
	}
}

func (r *Relay) WithBatchSize(size int) *Relay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

// RunOnce publishes one batch and returns how many rows were marked published.
// Publishing stops at the first failure so per-appointment order is kept; the
// failed row and everything after it is retried on the next run.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	logs, err := fetchPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(logs))
	for _, l := range logs {
		var ev ChangeEvent
		if err := json.Unmarshal(l.Payload, &ev); err != nil {
			// An unreadable payload would block the outbox forever; mark it
			// and move on.
			r.log.Errorw("dropping malformed outbox row", "id", l.ID, "event_type", l.EventType, "error", err)
			published = append(published, l.ID)
			continue
		}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warnw("outbox publish failed", "id", l.ID, "appointment_id", ev.AppointmentID, "error", err)
			break
		}
		published = append(published, l.ID)
	}

	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE event_logs
			SET published_at = now()
			WHERE id = ANY($1)
		`, published); err != nil {
			return 0, fmt.Errorf("mark outbox published: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay tx: %w", err)
	}
	committed = true
	return len(published), nil
}

func fetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]EventLog, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var l EventLog
		if err := rows.Scan(&l.ID, &l.EventType, &l.AppointmentID, &l.Payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
