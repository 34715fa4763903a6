package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// EnqueueItems inserts queue rows in one statement. Duplicates within the
// same (run, lead, stage) are coalesced by the unique index and do not
// error; the returned count is the number of rows actually inserted.
func (s *Store) EnqueueItems(ctx context.Context, items []domain.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_items (
			id, company_id, campaign_id, campaign_run_id, lead_id,
			channel, stage, status, priority,
			subject, body, call_script, email_log_id,
			work_start, work_end, tz,
			created_at, scheduled_for, retry_count, max_retries
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'pending', $8,
		       $9, $10, $11, $12, $13, $14,
		       COALESCE((SELECT timezone FROM companies WHERE id = $2), 'UTC'),
		       NOW(), $15, 0, $16
		ON CONFLICT (campaign_run_id, lead_id, stage, channel) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, it := range items {
		id := it.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		maxRetries := it.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		scheduledFor := it.ScheduledFor
		if scheduledFor.IsZero() {
			scheduledFor = time.Now().UTC()
		}

		res, err := stmt.ExecContext(ctx,
			id, it.CompanyID, it.CampaignID, it.CampaignRunID, it.LeadID,
			it.Channel, it.Stage, it.Priority,
			nullStr(it.Subject), nullStr(it.Body), nullStr(it.CallScript),
			nullUUID(it.EmailLogID),
			it.WorkStart, it.WorkEnd,
			scheduledFor, maxRetries,
		)
		if err != nil {
			return inserted, fmt.Errorf("enqueue item for lead %s: %w", it.LeadID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("commit enqueue: %w", err)
	}
	return inserted, nil
}

// Lease atomically claims up to limit ready items for one tenant and
// channel and transitions them to processing. Competing pollers skip each
// other's rows via FOR UPDATE SKIP LOCKED. The work-window predicate is
// evaluated in the row's own timezone and handles windows that wrap
// midnight.
func (s *Store) Lease(ctx context.Context, companyID uuid.UUID, channel domain.Channel, now time.Time, limit int, workerID string) ([]domain.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE queue_items
			SET status = 'processing',
			    worker_id = $4,
			    leased_at = $3
			WHERE id IN (
				SELECT q.id FROM queue_items q
				WHERE q.company_id = $1
				  AND q.channel = $2
				  AND q.status = 'pending'
				  AND q.scheduled_for <= $3
				  AND (
				    q.work_start IS NULL OR q.work_end IS NULL OR
				    CASE WHEN q.work_start <= q.work_end
				         THEN ($3 AT TIME ZONE q.tz)::time BETWEEN q.work_start AND q.work_end
				         ELSE ($3 AT TIME ZONE q.tz)::time >= q.work_start
				              OR ($3 AT TIME ZONE q.tz)::time <= q.work_end
				    END
				  )
				ORDER BY q.priority DESC, q.created_at ASC
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, company_id, campaign_id, campaign_run_id, lead_id,
			          channel, stage, priority,
			          COALESCE(subject, ''), COALESCE(body, ''), COALESCE(call_script, ''),
			          email_log_id, created_at, scheduled_for, retry_count, max_retries
		)
		SELECT * FROM claimed
	`, companyID, channel, now, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("lease %s queue: %w", channel, err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var it domain.QueueItem
		var logID uuid.NullUUID
		if err := rows.Scan(
			&it.ID, &it.CompanyID, &it.CampaignID, &it.CampaignRunID, &it.LeadID,
			&it.Channel, &it.Stage, &it.Priority,
			&it.Subject, &it.Body, &it.CallScript,
			&logID, &it.CreatedAt, &it.ScheduledFor, &it.RetryCount, &it.MaxRetries,
		); err != nil {
			return items, fmt.Errorf("scan leased item: %w", err)
		}
		it.Status = domain.QueueProcessing
		it.WorkerID = workerID
		if logID.Valid {
			id := logID.UUID
			it.EmailLogID = &id
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Terminate moves a processing row to a terminal state. It returns
// ErrNotLeased when the row is not currently leased, so a stale worker
// cannot clobber a reclaimed item.
func (s *Store) Terminate(ctx context.Context, id uuid.UUID, status domain.QueueStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("store: %q is not a terminal status", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = $2,
		    processed_at = NOW(),
		    last_error = NULLIF($3, ''),
		    worker_id = NULL,
		    leased_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, status, truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("terminate item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotLeased
	}
	return nil
}

// Requeue releases a processing row back to pending with an advanced
// schedule. scheduled_for never moves backwards across retries.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending',
		    scheduled_for = GREATEST(scheduled_for, $2),
		    retry_count = $3,
		    last_error = NULLIF($4, ''),
		    processed_at = NOW(),
		    worker_id = NULL,
		    leased_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, scheduledFor, retryCount, truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("requeue item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotLeased
	}
	return nil
}

// UpdateItemContent persists generated content on a leased item so a retry
// does not pay for generation again.
func (s *Store) UpdateItemContent(ctx context.Context, id uuid.UUID, subject, body, callScript string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET subject = COALESCE(NULLIF($2, ''), subject),
		    body = COALESCE(NULLIF($3, ''), body),
		    call_script = COALESCE(NULLIF($4, ''), call_script)
		WHERE id = $1
	`, id, subject, body, callScript)
	if err != nil {
		return fmt.Errorf("update item content %s: %w", id, err)
	}
	return nil
}

// CountSent returns committed sent items for a tenant channel since the
// given instant. Throttle counters track sends, not attempts.
func (s *Store) CountSent(ctx context.Context, companyID uuid.UUID, channel domain.Channel, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE company_id = $1 AND channel = $2 AND status = 'sent' AND processed_at >= $3
	`, companyID, channel, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// CountPendingOrProcessing is the drain predicate input for a run.
func (s *Store) CountPendingOrProcessing(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE campaign_run_id = $1 AND status IN ('pending', 'processing')
	`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending for run %s: %w", runID, err)
	}
	return n, nil
}

// RunCounts groups a run's queue items by status for the run summary.
func (s *Store) RunCounts(ctx context.Context, runID uuid.UUID) (domain.RunCounts, error) {
	var c domain.RunCounts
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_items
		WHERE campaign_run_id = $1
		GROUP BY status
	`, runID)
	if err != nil {
		return c, fmt.Errorf("run counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case domain.QueuePending:
			c.Pending = n
		case domain.QueueProcessing:
			c.Processing = n
		case domain.QueueSent:
			c.Sent = n
		case domain.QueueFailed:
			c.Failed = n
		case domain.QueueCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// ReleaseStaleLeases performs two passes: items leased past the cutoff and
// under the retry limit return to pending with retry_count incremented;
// items at or over the limit fail terminally. Recovery from worker crashes.
func (s *Store) ReleaseStaleLeases(ctx context.Context, cutoff time.Time) (requeued, failed int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending',
		    worker_id = NULL,
		    leased_at = NULL,
		    retry_count = retry_count + 1,
		    scheduled_for = GREATEST(scheduled_for, NOW())
		WHERE status = 'processing'
		  AND leased_at < $1
		  AND retry_count + 1 < max_retries
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("release stale leases: %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed',
		    processed_at = NOW(),
		    last_error = 'lease expired after max retries',
		    worker_id = NULL,
		    leased_at = NULL,
		    retry_count = retry_count + 1
		WHERE status = 'processing'
		  AND leased_at < $1
		  AND retry_count + 1 >= max_retries
	`, cutoff)
	if err != nil {
		return requeued, 0, fmt.Errorf("fail stale leases: %w", err)
	}
	failed, _ = res.RowsAffected()
	return requeued, failed, nil
}

// CancelRunItems transitions all pending items of a run to cancelled.
// Processing items are left to finish; the dispatcher checks the run status
// before opening a transport.
func (s *Store) CancelRunItems(ctx context.Context, runID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'cancelled', processed_at = NOW()
		WHERE campaign_run_id = $1 AND status = 'pending'
	`, runID)
	if err != nil {
		return 0, fmt.Errorf("cancel run items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CancelPendingForLead cancels pending items targeting a lead on one
// channel, used when the contact is discovered bad (hard bounce, invalid
// number, missing profile).
func (s *Store) CancelPendingForLead(ctx context.Context, leadID uuid.UUID, channel domain.Channel, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', processed_at = NOW(), last_error = $3
		WHERE lead_id = $1 AND channel = $2 AND status = 'pending'
	`, leadID, channel, truncateErr(reason))
	if err != nil {
		return 0, fmt.Errorf("cancel pending for lead: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunsWithItems lists the distinct runs referenced by the given items, used
// by the poller for post-batch drain checks.
func RunsWithItems(items []domain.QueueItem) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(items))
	var runs []uuid.UUID
	for _, it := range items {
		if _, ok := seen[it.CampaignRunID]; ok {
			continue
		}
		seen[it.CampaignRunID] = struct{}{}
		runs = append(runs, it.CampaignRunID)
	}
	return runs
}

// NextDayStart returns midnight of the next day in the given location,
// where requeued items land after a daily provider cap is hit.
func NextDayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// truncateErr keeps error text within the column size.
func truncateErr(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
