package schema

import (
	"fmt"
	"time"
)

// MaxUploadAttempts bounds the retry counter of a pending report. A record
// whose counter reaches the bound is removed, never left in the queue.
const MaxUploadAttempts = 3

// PendingReport is a locally queued, not-yet-uploaded compliance report.
// The id is a local AUTOINCREMENT rowid; it is never reused and never
// leaves the device.
type PendingReport struct {
	ID             int64     `json:"id"`
	PrescriptionID string    `json:"prescription_id"`
	ImagePath      string    `json:"image_path"`
	AttemptCount   int       `json:"attempt_count"`
	// CreatedAt is the FIFO ordering key for the queue.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the pending report can be enqueued.
func (r *PendingReport) Validate() error {
	if r.PrescriptionID == "" {
		return fmt.Errorf("prescription_id is required")
	}
	if r.ImagePath == "" {
		return fmt.Errorf("image_path is required")
	}
	if r.AttemptCount < 0 {
		return fmt.Errorf("attempt_count must not be negative (got %d)", r.AttemptCount)
	}
	return nil
}
