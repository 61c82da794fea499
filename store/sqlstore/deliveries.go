package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/reminder"
)

// =============================================================================
// DELIVERY RECORDS - ledger.Store
// =============================================================================

const deliveryColumns = `id, tenant_id, patient_id, channel, recipient, subject_or_template, kind, status,
	created_at, sent_at, closed_at, error_message, provider_message_id, cost_unit, idempotency_key, metadata_json`

func (s *Store) InsertDelivery(ctx context.Context, rec ledger.Record) error {
	defer s.lockWrites()()

	var metadata sql.NullString
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO delivery_records (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.TenantID, nullString(string(rec.PatientID)), rec.Channel, rec.Recipient,
		nullString(rec.SubjectOrTemplate), nullString(string(rec.Kind)), rec.Status,
		formatTime(rec.CreatedAt), nullTime(rec.SentAt), nullTime(rec.ClosedAt),
		nullString(rec.ErrorMessage), nullString(rec.ProviderMessageID), rec.CostUnit,
		nullString(rec.IdempotencyKey), metadata,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateDelivery
		}
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}
	return nil
}

// FinalizeDelivery is the exactly-once pending -> terminal transition.
func (s *Store) FinalizeDelivery(ctx context.Context, tenantID billing.TenantID, id string, o ledger.Outcome, at time.Time) error {
	defer s.lockWrites()()

	var sentAt sql.NullString
	if o.Status == ledger.StatusSent {
		sentAt = nullTime(&at)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE delivery_records
			SET status = ?, sent_at = ?, closed_at = ?, error_message = ?, provider_message_id = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`),
			o.Status, sentAt, formatTime(at), nullString(o.ErrorMessage), nullString(o.ProviderMessageID),
			id, tenantID, ledger.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("failed to finalize delivery record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM delivery_records WHERE id = ? AND tenant_id = ?`), id, tenantID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return billing.ErrDeliveryNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read delivery record: %w", err)
		}
		return billing.ErrDeliveryAlreadyClosed
	})
}

func (s *Store) GetDelivery(ctx context.Context, tenantID billing.TenantID, id string) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = ? AND tenant_id = ?`), id, tenantID)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeliveryExists(ctx context.Context, tenantID billing.TenantID, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM delivery_records WHERE tenant_id = ? AND idempotency_key = ?`),
		tenantID, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

// ListDeliveries returns newest first.
func (s *Store) ListDeliveries(ctx context.Context, tenantID billing.TenantID, f ledger.Filter) ([]ledger.Record, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryDeliveries(ctx, query, args...)
}

// ListStalePending spans all tenants; it feeds the reconciliation sweep.
func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]ledger.Record, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records
		WHERE status = ? AND created_at < ? ORDER BY created_at, id`
	args := []any{ledger.StatusPending, formatTime(before)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryDeliveries(ctx, query, args...)
}

func (s *Store) queryDeliveries(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDelivery(row rowScanner) (ledger.Record, error) {
	var (
		rec                                   ledger.Record
		patientID, subject, kind              sql.NullString
		createdAt                             string
		sentAt, closedAt                      sql.NullString
		errMsg, providerID, idemKey, metadata sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &patientID, &rec.Channel, &rec.Recipient, &subject, &kind, &rec.Status,
		&createdAt, &sentAt, &closedAt, &errMsg, &providerID, &rec.CostUnit, &idemKey, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan delivery record: %w", err)
	}

	rec.PatientID = billing.PatientID(patientID.String)
	rec.SubjectOrTemplate = subject.String
	rec.Kind = ledger.Kind(kind.String)
	rec.ErrorMessage = errMsg.String
	rec.ProviderMessageID = providerID.String
	rec.IdempotencyKey = idemKey.String

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.SentAt, err = parseNullTime(sentAt); err != nil {
		return rec, err
	}
	if rec.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return rec, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return rec, fmt.Errorf("failed to decode delivery metadata: %w", err)
		}
	}
	return rec, nil
}

// =============================================================================
// REMINDER RUNS - reminder.RunStore
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r reminder.Run) error {
	defer s.lockWrites()()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reminder_runs (id, tenant_id, trigger_source, status, scanned, sent, failed, skipped, denied, errors, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, scanned = excluded.scanned, sent = excluded.sent,
			failed = excluded.failed, skipped = excluded.skipped, denied = excluded.denied,
			errors = excluded.errors, error = excluded.error, completed_at = excluded.completed_at`),
		r.ID, r.TenantID, r.Trigger, r.Status, r.Scanned, r.Sent, r.Failed, r.Skipped, r.Denied, r.Errors,
		nullString(r.Error), formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reminder run: %w", err)
	}
	return nil
}

// ListRuns returns newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID billing.TenantID, limit int) ([]reminder.Run, error) {
	query := `SELECT id, tenant_id, trigger_source, status, scanned, sent, failed, skipped, denied, errors, error, started_at, completed_at
		FROM reminder_runs WHERE tenant_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder runs: %w", err)
	}
	defer rows.Close()

	var out []reminder.Run
	for rows.Next() {
		var (
			r                 reminder.Run
			runErr, completed sql.NullString
			started           string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Status, &r.Scanned, &r.Sent, &r.Failed,
			&r.Skipped, &r.Denied, &r.Errors, &runErr, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan reminder run: %w", err)
		}
		r.Error = runErr.String
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
