package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/quota"
)

// =============================================================================
// QUOTA - quota.Store
// =============================================================================

func (s *Store) SaveSubscription(ctx context.Context, sub quota.Subscription) error {
	defer s.lockWrites()()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO subscriptions (tenant_id, tier, active, email_limit, whatsapp_limit) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			tier = excluded.tier, active = excluded.active,
			email_limit = excluded.email_limit, whatsapp_limit = excluded.whatsapp_limit`),
		sub.TenantID, sub.Tier, boolToInt(sub.Active), nullInt(sub.EmailLimit), nullInt(sub.WhatsAppLimit),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID billing.TenantID) (*quota.Subscription, error) {
	var (
		sub                 quota.Subscription
		active              int
		emailLimit, waLimit sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT tenant_id, tier, active, email_limit, whatsapp_limit FROM subscriptions WHERE tenant_id = ?`),
		tenantID,
	).Scan(&sub.TenantID, &sub.Tier, &active, &emailLimit, &waLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Active = active != 0
	sub.EmailLimit = intFromNull(emailLimit)
	sub.WhatsAppLimit = intFromNull(waLimit)
	return &sub, nil
}

// IncrementUsage is the atomic increment-with-ceiling: the UPDATE only
// matches while used < limit, so concurrent callers can never push the
// counter past the limit.
func (s *Store) IncrementUsage(ctx context.Context, tenantID billing.TenantID, period string, ch billing.Channel, limit *int) (bool, int, error) {
	defer s.lockWrites()()

	var (
		ok   bool
		used int
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO quota_counters (tenant_id, period, channel, used) VALUES (?, ?, ?, 0)
			ON CONFLICT (tenant_id, period, channel) DO NOTHING`),
			tenantID, period, ch,
		)
		if err != nil {
			return fmt.Errorf("failed to init quota counter: %w", err)
		}

		var res sql.Result
		if limit == nil {
			res, err = tx.ExecContext(ctx, s.q(`
				UPDATE quota_counters SET used = used + 1
				WHERE tenant_id = ? AND period = ? AND channel = ?`),
				tenantID, period, ch,
			)
		} else {
			res, err = tx.ExecContext(ctx, s.q(`
				UPDATE quota_counters SET used = used + 1
				WHERE tenant_id = ? AND period = ? AND channel = ? AND used < ?`),
				tenantID, period, ch, *limit,
			)
		}
		if err != nil {
			return fmt.Errorf("failed to increment quota counter: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		ok = n == 1

		return tx.QueryRowContext(ctx, s.q(`
			SELECT used FROM quota_counters WHERE tenant_id = ? AND period = ? AND channel = ?`),
			tenantID, period, ch,
		).Scan(&used)
	})
	if err != nil {
		return false, 0, err
	}
	return ok, used, nil
}

func (s *Store) DecrementUsage(ctx context.Context, tenantID billing.TenantID, period string, ch billing.Channel) error {
	defer s.lockWrites()()

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE quota_counters SET used = used - 1
		WHERE tenant_id = ? AND period = ? AND channel = ? AND used > 0`),
		tenantID, period, ch,
	)
	if err != nil {
		return fmt.Errorf("failed to decrement quota counter: %w", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, tenantID billing.TenantID, period string, ch billing.Channel) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT used FROM quota_counters WHERE tenant_id = ? AND period = ? AND channel = ?`),
		tenantID, period, ch,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return used, nil
}

// ListActiveTenants returns tenants with an active subscription.
func (s *Store) ListActiveTenants(ctx context.Context) ([]billing.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM subscriptions WHERE active = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var out []billing.TenantID
	for rows.Next() {
		var id billing.TenantID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
