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
// DIRECTORY - billing.DirectoryStore
// =============================================================================

// SavePatient upserts a patient. The rest of the clinic application owns
// these rows; this is used by seeding and tests.
func (s *Store) SavePatient(ctx context.Context, p billing.Patient) error {
	defer s.lockWrites()()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO patients (tenant_id, id, name, email, phone) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET name = excluded.name, email = excluded.email, phone = excluded.phone`),
		p.TenantID, p.ID, p.Name, nullString(p.Email), nullString(p.Phone),
	)
	if err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

func (s *Store) GetPatient(ctx context.Context, tenantID billing.TenantID, id billing.PatientID) (*billing.Patient, error) {
	var (
		p            billing.Patient
		email, phone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT tenant_id, id, name, email, phone FROM patients WHERE tenant_id = ? AND id = ?`),
		tenantID, id,
	).Scan(&p.TenantID, &p.ID, &p.Name, &email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	p.Email = email.String
	p.Phone = phone.String
	return &p, nil
}

// SaveAppointment upserts an appointment.
func (s *Store) SaveAppointment(ctx context.Context, a billing.Appointment) error {
	defer s.lockWrites()()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO appointments (tenant_id, id, patient_id, scheduled_at, status, notes) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			patient_id = excluded.patient_id, scheduled_at = excluded.scheduled_at,
			status = excluded.status, notes = excluded.notes`),
		a.TenantID, a.ID, a.PatientID, formatTime(a.ScheduledAt), a.Status, nullString(a.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to save appointment: %w", err)
	}
	return nil
}

// ListAppointments returns appointments with from <= scheduled_at < to.
func (s *Store) ListAppointments(ctx context.Context, tenantID billing.TenantID, from, to time.Time) ([]billing.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT tenant_id, id, patient_id, scheduled_at, status, notes FROM appointments
		WHERE tenant_id = ? AND scheduled_at >= ? AND scheduled_at < ?
		ORDER BY scheduled_at, id`),
		tenantID, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []billing.Appointment
	for rows.Next() {
		var (
			a           billing.Appointment
			scheduledAt string
			notes       sql.NullString
		)
		if err := rows.Scan(&a.TenantID, &a.ID, &a.PatientID, &scheduledAt, &a.Status, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		if a.ScheduledAt, err = parseTime(scheduledAt); err != nil {
			return nil, err
		}
		a.Notes = notes.String
		out = append(out, a)
	}
	return out, rows.Err()
}
