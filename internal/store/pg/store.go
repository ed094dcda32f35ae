package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"anymail/internal/anymail"
	"anymail/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// InsertTrackingEvent stores ev. A redelivery of an event already stored
// under the same ESP event_id is ignored.
func (s *Store) InsertTrackingEvent(ctx context.Context, in store.TrackingEventRecord) error {
	b, err := json.Marshal(in.Event)
	if err != nil {
		return fmt.Errorf("marshal tracking event: %w", err)
	}
	ev := in.Event
	_, err = s.DB.Exec(ctx, `
		INSERT INTO tracking_events (id, esp, event_type, event_id, message_id, recipient, reject_reason, occurred_at, event_json, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT DO NOTHING
	`, in.ID, in.ESP, string(ev.EventType), nullIfEmpty(ev.EventID), nullIfEmpty(ev.MessageID),
		nullIfEmpty(ev.Recipient), nullIfEmpty(string(ev.RejectReason)), nullIfZero(ev.Timestamp), b, in.ReceivedAt)
	return err
}

func (s *Store) InsertInboundEvent(ctx context.Context, in store.InboundEventRecord) error {
	b, err := json.Marshal(in.Event)
	if err != nil {
		return fmt.Errorf("marshal inbound event: %w", err)
	}
	var from, subject string
	if m := in.Event.Message; m != nil {
		subject = m.Subject
		if m.From != nil {
			from = m.From.AddrSpec
		}
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO inbound_events (id, esp, event_id, from_addr, subject, occurred_at, event_json, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT DO NOTHING
	`, in.ID, in.ESP, nullIfEmpty(in.Event.EventID), nullIfEmpty(from), nullIfEmpty(subject),
		nullIfZero(in.Event.Timestamp), b, in.ReceivedAt)
	return err
}

// InsertSendResults writes all rows in one batch.
func (s *Store) InsertSendResults(ctx context.Context, rows []store.SendResult) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO send_results (id, esp, message_id, recipient, status, subject, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, r.ID, r.ESP, nullIfEmpty(r.MessageID), r.Recipient, string(r.Status), nullIfEmpty(r.Subject), r.CreatedAt)
	}
	return s.DB.SendBatch(ctx, batch).Close()
}

// ListTrackingEvents returns the events for an ESP message id, oldest first.
func (s *Store) ListTrackingEvents(ctx context.Context, messageID string) ([]store.TrackingEventRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, esp, event_json, received_at
		FROM tracking_events WHERE message_id=$1
		ORDER BY occurred_at NULLS LAST, received_at
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TrackingEventRecord
	for rows.Next() {
		var rec store.TrackingEventRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.ESP, &raw, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rec.Event); err != nil {
			return nil, fmt.Errorf("decode tracking event %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSendResults returns the per-recipient outcomes recorded for an ESP
// message id. ESPs that issue one id per send share it across recipients.
func (s *Store) ListSendResults(ctx context.Context, messageID string) ([]store.SendResult, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, esp, COALESCE(message_id,''), recipient, status, COALESCE(subject,''), created_at
		FROM send_results WHERE message_id=$1
		ORDER BY created_at, recipient
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SendResult
	for rows.Next() {
		var r store.SendResult
		var status string
		if err := rows.Scan(&r.ID, &r.ESP, &r.MessageID, &r.Recipient, &status, &r.Subject, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = anymail.SendStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
