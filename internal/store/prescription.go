package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

const prescriptionColumns = `id, user_id, doctor_name, clinic_email, family_name, family_email,
	diagnosis, other_diagnosis, medication, frequency, meal_rule,
	reminder_schedule, duration_days, pill_count, total_reports,
	last_reported_at, created_at, dirty`

// UpsertPrescription inserts or updates a cached prescription.
//
// The dirty flag is stored as given: local edits set it, remote mirrors
// clear it. The record id is immutable once assigned.
func (s *Store) UpsertPrescription(ctx context.Context, p *schema.Prescription) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid prescription: %w", err)
	}

	scheduleJSON, err := json.Marshal(p.ReminderSchedule)
	if err != nil {
		return fmt.Errorf("failed to marshal reminder schedule: %w", err)
	}

	query := `
	INSERT INTO prescriptions (
		id, user_id, doctor_name, clinic_email, family_name, family_email,
		diagnosis, other_diagnosis, medication, frequency, meal_rule,
		reminder_schedule, duration_days, pill_count, total_reports,
		last_reported_at, created_at, dirty
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		doctor_name = excluded.doctor_name,
		clinic_email = excluded.clinic_email,
		family_name = excluded.family_name,
		family_email = excluded.family_email,
		diagnosis = excluded.diagnosis,
		other_diagnosis = excluded.other_diagnosis,
		medication = excluded.medication,
		frequency = excluded.frequency,
		meal_rule = excluded.meal_rule,
		reminder_schedule = excluded.reminder_schedule,
		duration_days = excluded.duration_days,
		pill_count = excluded.pill_count,
		total_reports = excluded.total_reports,
		last_reported_at = excluded.last_reported_at,
		dirty = excluded.dirty
	`

	_, err = s.conn.ExecContext(ctx, query,
		p.ID,
		p.UserID,
		p.DoctorName,
		p.ClinicEmail,
		p.FamilyName,
		p.FamilyEmail,
		p.Diagnosis,
		p.OtherDiagnosis,
		p.Medication,
		p.Frequency,
		p.MealRule,
		string(scheduleJSON),
		p.DurationDays,
		p.PillCount,
		p.TotalReports,
		timeToNullString(p.LastReportedAt),
		p.CreatedAt.UTC().Format(timeLayout),
		boolToInt(p.Dirty),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert prescription: %w", err)
	}

	s.notifyChanged()
	return nil
}

// DeletePrescription removes a cached prescription.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeletePrescription(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM prescriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prescription %s: %w", id, err)
	}

	s.notifyChanged()
	return nil
}

// GetPrescription retrieves a single cached prescription by id.
// Absence is an expected condition: the result is (nil, nil).
func (s *Store) GetPrescription(ctx context.Context, id string) (*schema.Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE id = ?`

	p, err := scanPrescription(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prescription %s: %w", id, err)
	}
	return p, nil
}

// ListPrescriptions returns the user's cached prescriptions ordered by
// creation time descending (newest first).
func (s *Store) ListPrescriptions(ctx context.Context, userID string) ([]*schema.Prescription, error) {
	query := `SELECT ` + prescriptionColumns + `
	FROM prescriptions WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prescriptions: %w", err)
	}
	defer rows.Close()

	return scanPrescriptions(rows)
}

// ListDirty returns the user's prescriptions with unsynced local changes.
func (s *Store) ListDirty(ctx context.Context, userID string) ([]*schema.Prescription, error) {
	query := `SELECT ` + prescriptionColumns + `
	FROM prescriptions WHERE dirty = 1 AND user_id = ? ORDER BY created_at ASC`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty prescriptions: %w", err)
	}
	defer rows.Close()

	return scanPrescriptions(rows)
}

// WatchPrescription streams the current state of a single prescription.
//
// The current value (possibly nil) is emitted immediately, then re-emitted
// after every store mutation. The channel closes when ctx is cancelled or
// a query fails.
func (s *Store) WatchPrescription(ctx context.Context, id string) <-chan *schema.Prescription {
	out := make(chan *schema.Prescription, 1)
	wake, unsubscribe := s.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			p, err := s.GetPrescription(ctx, id)
			if err != nil {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// WatchPrescriptions streams the user's prescription list (newest first).
//
// Semantics match WatchPrescription: immediate emit, then re-emit on every
// mutation. Intermediate states may be coalesced; only the latest state is
// guaranteed to be delivered.
func (s *Store) WatchPrescriptions(ctx context.Context, userID string) <-chan []*schema.Prescription {
	out := make(chan []*schema.Prescription, 1)
	wake, unsubscribe := s.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			list, err := s.ListPrescriptions(ctx, userID)
			if err != nil {
				return
			}
			select {
			case out <- list:
			case <-ctx.Done():
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(row rowScanner) (*schema.Prescription, error) {
	var p schema.Prescription
	var scheduleJSON string
	var createdAt string
	var lastReportedAt sql.NullString
	var dirty int

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.DoctorName,
		&p.ClinicEmail,
		&p.FamilyName,
		&p.FamilyEmail,
		&p.Diagnosis,
		&p.OtherDiagnosis,
		&p.Medication,
		&p.Frequency,
		&p.MealRule,
		&scheduleJSON,
		&p.DurationDays,
		&p.PillCount,
		&p.TotalReports,
		&lastReportedAt,
		&createdAt,
		&dirty,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		p.CreatedAt = t
	}
	p.LastReportedAt = nullStringToTime(lastReportedAt)
	p.Dirty = dirty != 0

	if scheduleJSON != "" && scheduleJSON != "null" {
		if err := json.Unmarshal([]byte(scheduleJSON), &p.ReminderSchedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reminder schedule: %w", err)
		}
	}

	return &p, nil
}

func scanPrescriptions(rows *sql.Rows) ([]*schema.Prescription, error) {
	var out []*schema.Prescription

	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prescription: %w", err)
		}
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prescriptions: %w", err)
	}

	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
