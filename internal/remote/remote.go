// Package remote defines the contract for the authoritative remote
// document store and provides its client implementations.
//
// Documents are addressed as users/{userID}/prescriptions/{prescriptionID},
// with report sub-documents under .../prescriptions/{id}/reports. The store
// owns all wire formats; this package only speaks the contract below.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("remote: document not found")

// DocumentStore is the narrow contract the sync engine requires of the
// remote store.
type DocumentStore interface {
	// GetPrescription fetches a single prescription document.
	// Returns ErrNotFound if it does not exist.
	GetPrescription(ctx context.Context, userID, id string) (*schema.Prescription, error)

	// SetPrescription writes the document keyed by its id. This is a full
	// overwrite upsert; there is no field-level merge.
	SetPrescription(ctx context.Context, p *schema.Prescription) error

	// DeletePrescription removes the document. Deleting a missing
	// document is not an error.
	DeletePrescription(ctx context.Context, userID, id string) error

	// ListPrescriptions returns all of the user's prescription documents
	// ordered by creation time descending.
	ListPrescriptions(ctx context.Context, userID string) ([]*schema.Prescription, error)

	// AddReport atomically appends a report sub-document carrying the
	// image URL, increments the prescription's total-reports counter, and
	// stamps last_reported_at with a server-assigned timestamp.
	// Returns ErrNotFound if the prescription does not exist.
	AddReport(ctx context.Context, userID, prescriptionID, imageURL string) error

	// CountReportsOn returns how many reports were recorded for the
	// prescription during the calendar day containing the given time.
	CountReportsOn(ctx context.Context, userID, prescriptionID string, day time.Time) (int, error)

	// Subscribe opens a live subscription to the user's prescription
	// collection. Each remote change yields a full snapshot of the
	// collection on Updates(). The channel closes when the subscription
	// ends; Err() reports why.
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Subscription is a live view of a remote collection.
//
// Updates delivers snapshots in the order the remote store emits them, but
// intermediate states may be skipped: only the latest known state per
// change batch is guaranteed.
type Subscription interface {
	// Updates returns the snapshot channel. It is closed when the
	// subscription terminates.
	Updates() <-chan []*schema.Prescription

	// Err returns the terminal error after Updates is closed, or nil if
	// the subscription was closed deliberately.
	Err() error

	// Close tears the subscription down and releases its resources.
	Close() error
}
