package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// CreateRun inserts a new campaign run in running state.
func (s *Store) CreateRun(ctx context.Context, companyID, campaignID uuid.UUID, leadsTotal int) (*domain.CampaignRun, error) {
	run := &domain.CampaignRun{
		ID:         uuid.New(),
		CompanyID:  companyID,
		CampaignID: campaignID,
		Status:     domain.RunRunning,
		LeadsTotal: leadsTotal,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO campaign_runs (id, company_id, campaign_id, status, leads_total, leads_processed, started_at)
		VALUES ($1, $2, $3, 'running', $4, 0, NOW())
		RETURNING started_at
	`, run.ID, companyID, campaignID, leadsTotal).Scan(&run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun returns a run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*domain.CampaignRun, error) {
	var r domain.CampaignRun
	var completedAt, cancelledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, campaign_id, status, leads_total, leads_processed,
		       started_at, completed_at, cancelled_at
		FROM campaign_runs
		WHERE id = $1
	`, id).Scan(
		&r.ID, &r.CompanyID, &r.CampaignID, &r.Status, &r.LeadsTotal, &r.LeadsProcessed,
		&r.StartedAt, &completedAt, &cancelledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.Time
	}
	return &r, nil
}

// RunStatusOf returns only the status, the dispatcher's pre-transport
// cancellation check.
func (s *Store) RunStatusOf(ctx context.Context, id uuid.UUID) (domain.RunStatus, error) {
	var status domain.RunStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM campaign_runs WHERE id = $1
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("run status %s: %w", id, err)
	}
	return status, nil
}

// IncrementLeadsProcessed bumps the run's progress counter, clamped so it
// never exceeds leads_total even under duplicate completion.
func (s *Store) IncrementLeadsProcessed(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_runs
		SET leads_processed = LEAST(leads_processed + 1, leads_total)
		WHERE id = $1
	`, runID)
	if err != nil {
		return fmt.Errorf("increment leads processed: %w", err)
	}
	return nil
}

// CompleteRun transitions running -> completed. The status guard makes the
// drain check idempotent and keeps cancelled runs cancelled.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_runs
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, runID)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelRun transitions a non-terminal run to cancelled.
func (s *Store) CancelRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_runs
		SET status = 'cancelled', cancelled_at = NOW()
		WHERE id = $1 AND status IN ('idle', 'running')
	`, runID)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RunningRunIDs lists running runs for a tenant, the poller's drain-check
// sweep input.
func (s *Store) RunningRunIDs(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM campaign_runs WHERE company_id = $1 AND status = 'running'
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("running runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
