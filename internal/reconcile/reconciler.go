// Package reconcile keeps the local durable store eventually consistent
// with the remote document store for the signed-in user.
//
// Foreground edits always succeed locally first and sync opportunistically;
// the periodic dirty sync provides eventual retry for pushes that failed,
// and the live subscription keeps multi-session readers converging without
// polling.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pillbox/laporbox/internal/remote"
	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/store"
)

// Reconciler synchronizes prescription records between the local store and
// the remote document store.
type Reconciler struct {
	store  *store.Store
	remote remote.DocumentStore
	logger *log.Logger
}

// New creates a Reconciler. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, docs remote.DocumentStore, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{
		store:  st,
		remote: docs,
		logger: logger,
	}
}

// PullAll fetches every remote prescription for the user and overwrites
// the local cache entries with remote content, clearing their dirty flags.
// Pulling the same remote snapshot twice is idempotent.
func (r *Reconciler) PullAll(ctx context.Context, userID string) error {
	docs, err := r.remote.ListPrescriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to fetch remote prescriptions: %w", err)
	}

	r.logger.Printf("Pulled %d prescriptions for user %s", len(docs), userID)

	for _, p := range docs {
		p.Dirty = false
		if err := r.store.UpsertPrescription(ctx, p); err != nil {
			return fmt.Errorf("failed to cache prescription %s: %w", p.ID, err)
		}
	}

	return nil
}

// PushOne writes a single prescription to the remote store (full
// overwrite, keyed by id) and clears its local dirty flag on success.
// On failure the dirty flag is left set and the error is logged and
// returned; the periodic dirty sync provides the eventual retry.
func (r *Reconciler) PushOne(ctx context.Context, p *schema.Prescription) error {
	if err := r.remote.SetPrescription(ctx, p); err != nil {
		r.logger.Printf("Push failed for prescription %s, local copy stays dirty: %v", p.ID, err)
		return fmt.Errorf("failed to push prescription %s: %w", p.ID, err)
	}

	synced := *p
	synced.Dirty = false
	if err := r.store.UpsertPrescription(ctx, &synced); err != nil {
		return fmt.Errorf("failed to clear dirty flag for %s: %w", p.ID, err)
	}

	r.logger.Printf("Pushed prescription %s", p.ID)
	return nil
}

// SyncPendingDirty pushes every locally-dirty record for the user.
//
// Processing is best-effort: a single failure does not stop the remaining
// records, but any failure makes the aggregate result false so the caller
// can schedule a retry.
func (r *Reconciler) SyncPendingDirty(ctx context.Context, userID string) (bool, error) {
	dirty, err := r.store.ListDirty(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list dirty prescriptions: %w", err)
	}

	if len(dirty) == 0 {
		r.logger.Printf("No dirty prescriptions to sync")
		return true, nil
	}

	allSucceeded := true
	for _, p := range dirty {
		if err := r.PushOne(ctx, p); err != nil {
			allSucceeded = false
		}
	}

	r.logger.Printf("Dirty sync complete: %d records, success=%v", len(dirty), allSucceeded)
	return allSucceeded, nil
}

// SaveLocal stores a prescription locally as dirty and attempts an
// immediate opportunistic push. The local write is authoritative; a failed
// push is left to the periodic sync.
func (r *Reconciler) SaveLocal(ctx context.Context, p *schema.Prescription) error {
	if p.ID == "" {
		p.ID = schema.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Dirty = true

	if err := r.store.UpsertPrescription(ctx, p); err != nil {
		return fmt.Errorf("failed to store prescription locally: %w", err)
	}

	// Best effort; the record stays dirty if this fails.
	_ = r.PushOne(ctx, p)
	return nil
}

// Delete removes a prescription locally, then best-effort remotely.
//
// The local delete is the authoritative intent: a failed remote delete is
// logged and never rolled back. The orphaned remote document is an
// accepted eventual-consistency gap, cleaned up administratively.
func (r *Reconciler) Delete(ctx context.Context, userID, id string) error {
	if err := r.store.DeletePrescription(ctx, id); err != nil {
		return fmt.Errorf("failed to delete prescription locally: %w", err)
	}

	if err := r.remote.DeletePrescription(ctx, userID, id); err != nil {
		r.logger.Printf("Remote delete failed for %s, local delete stands: %v", id, err)
	}

	return nil
}
