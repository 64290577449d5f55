package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

// EnqueueReport appends a pending report to the upload queue and returns
// its local id. A zero CreatedAt is filled with the current time; the
// timestamp is the queue's FIFO ordering key.
func (s *Store) EnqueueReport(ctx context.Context, r *schema.PendingReport) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("invalid pending report: %w", err)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO pending_reports (prescription_id, image_path, attempt_count, created_at)
	VALUES (?, ?, ?, ?)`,
		r.PrescriptionID,
		r.ImagePath,
		r.AttemptCount,
		createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue report: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read report id: %w", err)
	}

	r.ID = id
	r.CreatedAt = createdAt
	s.notifyChanged()
	return id, nil
}

// DequeueOldestPending returns the single oldest pending report by
// creation time, or (nil, nil) when the queue is empty. The record stays
// in the queue; the upload worker deletes it on a terminal outcome.
func (s *Store) DequeueOldestPending(ctx context.Context) (*schema.PendingReport, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, prescription_id, image_path, attempt_count, created_at
	FROM pending_reports ORDER BY created_at ASC, id ASC LIMIT 1`)

	r, err := scanPendingReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue pending report: %w", err)
	}
	return r, nil
}

// UpdateReport persists a mutated pending report (the attempt counter).
func (s *Store) UpdateReport(ctx context.Context, r *schema.PendingReport) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid pending report: %w", err)
	}

	_, err := s.conn.ExecContext(ctx, `
	UPDATE pending_reports
	SET prescription_id = ?, image_path = ?, attempt_count = ?
	WHERE id = ?`,
		r.PrescriptionID, r.ImagePath, r.AttemptCount, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update report %d: %w", r.ID, err)
	}

	s.notifyChanged()
	return nil
}

// DeleteReport removes a pending report from the queue.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteReport(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM pending_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report %d: %w", id, err)
	}

	s.notifyChanged()
	return nil
}

// HasPendingForPath reports whether a pending report already references
// the given image path. Used to keep spool re-scans from double-enqueuing
// a capture that survived a restart.
func (s *Store) HasPendingForPath(ctx context.Context, imagePath string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_reports WHERE image_path = ?`, imagePath).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending reports for %s: %w", imagePath, err)
	}
	return count > 0, nil
}

// PendingCount returns the number of queued reports.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reports`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	return count, nil
}

func scanPendingReport(row rowScanner) (*schema.PendingReport, error) {
	var r schema.PendingReport
	var createdAt string

	err := row.Scan(&r.ID, &r.PrescriptionID, &r.ImagePath, &r.AttemptCount, &createdAt)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}

	return &r, nil
}
