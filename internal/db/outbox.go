package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxEvent is one row of the transactional outbox. Events are enqueued in
// the same transaction as the state mutation that triggers them and delivered
// at least once; consumers must be idempotent with respect to redelivery.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Enqueue inserts an outbox event inside an already-open transaction. The
// event becomes visible to consumers if and only if the transaction commits.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox_events (name, payload) VALUES ($1, $2)`, name, data)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return nil
}

// ClaimOutboxEvents atomically moves up to limit due pending events to
// processing and returns them. SKIP LOCKED lets concurrent dispatchers claim
// disjoint batches.
func (s *Store) ClaimOutboxEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE outbox_events SET status = 'processing', claimed_at = now()
		 WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND available_at <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, name, payload, status, attempts, last_error, created_at, processed_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.Name, &e.Payload, &e.Status, &e.Attempts,
			&e.LastError, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CompleteOutboxEvent marks a claimed event processed.
func (s *Store) CompleteOutboxEvent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'processed', processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete outbox event: %w", err)
	}
	return nil
}

// RetryOutboxEvent returns a claimed event to pending with an incremented
// attempt count, delayed by backoff.
func (s *Store) RetryOutboxEvent(ctx context.Context, id uuid.UUID, backoff time.Duration, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', attempts = attempts + 1, last_error = $2,
		     available_at = now() + $3::interval, claimed_at = NULL
		 WHERE id = $1`,
		id, errMsg, fmt.Sprintf("%d milliseconds", backoff.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to retry outbox event: %w", err)
	}
	return nil
}

// FailOutboxEvent dead-letters an event. The row stays for operator inspection.
func (s *Store) FailOutboxEvent(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'failed', attempts = attempts + 1, last_error = $2, processed_at = now()
		 WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail outbox event: %w", err)
	}
	return nil
}

// RequeueStaleOutboxEvents returns events stuck in processing (a dispatcher
// crashed after claiming them) to pending. This is the crash-recovery half of
// at-least-once delivery.
func (s *Store) RequeueStaleOutboxEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPendingOutboxEvents reports the current queue depth, for metrics.
func (s *Store) CountPendingOutboxEvents(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}
