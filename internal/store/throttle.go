package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// GetThrottleSettings returns the tenant's settings for a channel, falling
// back to defaults when none are stored.
func (s *Store) GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error) {
	var t domain.ThrottleSettings
	var workStart, workEnd sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT company_id, channel, enabled, max_per_hour, max_per_day,
		       work_start, work_end, strict_hours
		FROM throttle_settings
		WHERE company_id = $1 AND channel = $2
	`, companyID, channel).Scan(
		&t.CompanyID, &t.Channel, &t.Enabled, &t.MaxPerHour, &t.MaxPerDay,
		&workStart, &workEnd, &t.StrictHours,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultThrottle(companyID, channel), nil
	}
	if err != nil {
		return t, fmt.Errorf("get throttle settings: %w", err)
	}
	if workStart.Valid {
		t.WorkStart = &workStart.String
	}
	if workEnd.Valid {
		t.WorkEnd = &workEnd.String
	}
	return t, nil
}

// UpsertThrottleSettings stores per-tenant per-channel caps.
func (s *Store) UpsertThrottleSettings(ctx context.Context, t domain.ThrottleSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO throttle_settings (company_id, channel, enabled, max_per_hour, max_per_day,
		                               work_start, work_end, strict_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (company_id, channel) DO UPDATE SET
			enabled = $3, max_per_hour = $4, max_per_day = $5,
			work_start = $6, work_end = $7, strict_hours = $8, updated_at = NOW()
	`, t.CompanyID, t.Channel, t.Enabled, t.MaxPerHour, t.MaxPerDay,
		t.WorkStart, t.WorkEnd, t.StrictHours)
	if err != nil {
		return fmt.Errorf("upsert throttle settings: %w", err)
	}
	return nil
}
