package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clinicflow/billing-engine/billing"
)

// =============================================================================
// PLANS - billing.PlanStore
// =============================================================================

const planColumns = `id, tenant_id, patient_id, description, total_amount, installment_count,
	installment_amount, frequency, start_date, amount_paid, status, created_at, updated_at`

// CreatePlan writes the plan and all its installments in one transaction.
func (s *Store) CreatePlan(ctx context.Context, plan billing.InstallmentPlan, installments []billing.Installment) error {
	defer s.lockWrites()()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO installment_plans (`+planColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			plan.ID, plan.TenantID, plan.PatientID, plan.Description,
			plan.TotalAmount.String(), plan.InstallmentCount, plan.InstallmentAmount.String(),
			plan.Frequency, formatTime(plan.StartDate), plan.AmountPaid.String(), plan.Status,
			formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert plan: %w", err)
		}

		for _, inst := range installments {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO installments (plan_id, idx, amount, due_date, status, paid_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				plan.ID, inst.Index, inst.Amount.String(), formatTime(inst.DueDate), inst.Status, nullTime(inst.PaidAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert installment %d: %w", inst.Index, err)
			}
		}
		return nil
	})
}

func (s *Store) GetPlan(ctx context.Context, tenantID billing.TenantID, id billing.PlanID) (*billing.InstallmentPlan, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+planColumns+` FROM installment_plans WHERE id = ? AND tenant_id = ?`), id, tenantID)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context, tenantID billing.TenantID, f billing.PlanFilter) ([]billing.InstallmentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM installment_plans WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var out []billing.InstallmentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListInstallments(ctx context.Context, tenantID billing.TenantID, planID billing.PlanID) ([]billing.Installment, error) {
	if _, err := s.GetPlan(ctx, tenantID, planID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT plan_id, idx, amount, due_date, status, paid_at
		FROM installments WHERE plan_id = ? ORDER BY idx`), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []billing.Installment
	for rows.Next() {
		var (
			inst            billing.Installment
			amount, dueDate string
			paidAt          sql.NullString
		)
		if err := rows.Scan(&inst.PlanID, &inst.Index, &amount, &dueDate, &inst.Status, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		if inst.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if inst.DueDate, err = parseTime(dueDate); err != nil {
			return nil, err
		}
		if inst.PaidAt, err = parseNullTime(paidAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SavePayment applies a payment guarded by the plan's previous AmountPaid.
func (s *Store) SavePayment(ctx context.Context, u billing.PaymentUpdate) error {
	defer s.lockWrites()()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE installment_plans SET amount_paid = ?, status = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND amount_paid = ? AND status = ?`),
			u.Plan.AmountPaid.String(), u.Plan.Status, formatTime(u.Plan.UpdatedAt),
			u.Plan.ID, u.Plan.TenantID, u.PreviousAmountPaid.String(), billing.PlanActive,
		)
		if err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return planConflict(ctx, s, tx, u.Plan.TenantID, u.Plan.ID)
		}

		p := u.Payment
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO payments (id, tenant_id, plan_id, amount, paid_at, reference, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.ID, p.TenantID, p.PlanID, p.Amount.String(), formatTime(p.PaidAt), nullString(p.Reference), formatTime(p.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		for _, idx := range u.PaidInstallments {
			_, err := tx.ExecContext(ctx, s.q(`
				UPDATE installments SET status = ?, paid_at = ?
				WHERE plan_id = ? AND idx = ? AND status = ?`),
				billing.InstallmentPaid, formatTime(p.PaidAt), p.PlanID, idx, billing.InstallmentPending,
			)
			if err != nil {
				return fmt.Errorf("failed to mark installment %d paid: %w", idx, err)
			}
		}
		return nil
	})
}

// planConflict explains why a guarded plan update changed no row.
func planConflict(ctx context.Context, s *Store, tx *sql.Tx, tenantID billing.TenantID, id billing.PlanID) error {
	var status billing.PlanStatus
	err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM installment_plans WHERE id = ? AND tenant_id = ?`), id, tenantID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return billing.ErrPlanNotFound
	case err != nil:
		return fmt.Errorf("failed to read plan status: %w", err)
	case status != billing.PlanActive:
		return billing.ErrPlanNotActive
	default:
		return billing.ErrConcurrentModification
	}
}

func (s *Store) ListPayments(ctx context.Context, tenantID billing.TenantID, planID billing.PlanID) ([]billing.Payment, error) {
	if _, err := s.GetPlan(ctx, tenantID, planID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, plan_id, amount, paid_at, reference, created_at
		FROM payments WHERE plan_id = ? AND tenant_id = ? ORDER BY paid_at, created_at`), planID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p                         billing.Payment
			amount, paidAt, createdAt string
			reference                 sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.PlanID, &amount, &paidAt, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if p.PaidAt, err = parseTime(paidAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		p.Reference = reference.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePlanStatus(ctx context.Context, tenantID billing.TenantID, id billing.PlanID, from, to billing.PlanStatus, at time.Time) error {
	defer s.lockWrites()()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE installment_plans SET status = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?`),
			to, formatTime(at), id, tenantID, from,
		)
		if err != nil {
			return fmt.Errorf("failed to update plan status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM installment_plans WHERE id = ? AND tenant_id = ?`), id, tenantID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return billing.ErrPlanNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read plan status: %w", err)
			}
			return billing.ErrPlanNotActive
		}
		return nil
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (billing.InstallmentPlan, error) {
	var (
		p                               billing.InstallmentPlan
		total, instAmount, paid         string
		startDate, createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.PatientID, &p.Description, &total, &p.InstallmentCount,
		&instAmount, &p.Frequency, &startDate, &paid, &p.Status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan plan: %w", err)
	}

	if p.TotalAmount, err = parseDecimal(total); err != nil {
		return p, err
	}
	if p.InstallmentAmount, err = parseDecimal(instAmount); err != nil {
		return p, err
	}
	if p.AmountPaid, err = parseDecimal(paid); err != nil {
		return p, err
	}
	if p.StartDate, err = parseTime(startDate); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}
