package store

import (
	"context"
	"fmt"
	"time"
)

// RecordWebhookEvent deduplicates provider callbacks. The first delivery of
// a (provider, event id) pair returns true; replays return false so
// handlers can short-circuit side effects that are not naturally
// idempotent.
func (s *Store) RecordWebhookEvent(ctx context.Context, provider, eventID string) (bool, error) {
	if eventID == "" {
		// No provider id to key on; the handler must be idempotent on its own.
		return true, nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, received_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InboundEvent is a staged mailbox event (bounce notification or lead
// reply) written by the external mailbox poller and reconciled by the ops
// CLI through the webhook ingestor logic.
type InboundEvent struct {
	ID        int64
	CompanyID string
	Kind      string // "bounce" | "reply"
	Address   string // bounced or replying address
	LogID     string // reply-to log id when the poller could attribute it
	Payload   string
	CreatedAt time.Time
}

// ClaimInboundEvents claims a batch of unprocessed staged events, marking
// them processed in the same statement so a crashed CLI run cannot double
// apply.
func (s *Store) ClaimInboundEvents(ctx context.Context, kind string, limit int) ([]InboundEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE inbound_events
		SET processed = TRUE, processed_at = NOW()
		WHERE id IN (
			SELECT id FROM inbound_events
			WHERE processed = FALSE AND kind = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, company_id, kind, address, COALESCE(log_id::text, ''), COALESCE(payload, ''), created_at
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("claim inbound events: %w", err)
	}
	defer rows.Close()

	var out []InboundEvent
	for rows.Next() {
		var ev InboundEvent
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.Kind, &ev.Address, &ev.LogID, &ev.Payload, &ev.CreatedAt); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
