// Package spool watches the capture directory for newly photographed
// dispenser images, enqueues them as pending reports, and triggers an
// immediate upload run.
//
// Capture drops files named {prescriptionID}__{label}.{jpg|png|webp} into
// the spool directory; the prescription id is carried in the filename so
// the watcher needs no side channel to associate image and record.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/store"
)

// imageExts are the capture formats the watcher picks up.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// PrescriptionIDFromFilename extracts the prescription id from a spooled
// image filename of the form {prescriptionID}__{label}.{ext}.
func PrescriptionIDFromFilename(name string) (string, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	id, _, found := strings.Cut(base, "__")
	if !found || id == "" {
		return "", fmt.Errorf("spool filename %q does not carry a prescription id", name)
	}
	return id, nil
}

// Watcher enqueues spooled captures as pending reports.
type Watcher struct {
	store    *store.Store
	dir      string
	trigger  func()
	logger   *log.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a spool watcher. trigger is invoked after each
// enqueue, typically the scheduler's immediate-upload hook. If logger is
// nil, a default logger writing to stderr is used.
func NewWatcher(st *store.Store, dir string, trigger func(), logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		store:    st,
		dir:      dir,
		trigger:  trigger,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		watcher:  fw,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start enqueues any images already spooled, then begins watching for new
// ones. Call Stop to shut the watcher down.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Watch before scanning; a capture landing mid-scan still raises an
	// event, and the queue check in enqueue absorbs the overlap.
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}

	if err := w.enqueueExisting(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.watchEvents(runCtx)
	go w.flushLoop(runCtx)

	w.logger.Printf("Watching spool directory: %s", w.dir)
	return nil
}

// Stop stops watching and waits for the event goroutines to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// enqueueExisting picks up captures that landed while the process was
// down.
func (w *Watcher) enqueueExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.enqueue(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// watchEvents queues file events for debounced processing. Captures are
// written incrementally, so a file is only enqueued once it has gone
// quiet for the debounce interval.
func (w *Watcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !imageExts[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// flushLoop enqueues files whose events have settled.
func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		w.pendingMu.Lock()
		var ready []string
		for path, queuedAt := range w.pending {
			if now.Sub(queuedAt) >= w.debounce {
				ready = append(ready, path)
				delete(w.pending, path)
			}
		}
		w.pendingMu.Unlock()

		for _, path := range ready {
			w.enqueue(ctx, path)
		}
	}
}

// enqueue registers one spooled capture as a pending report and triggers
// an upload run. Files without a parseable prescription id are skipped
// and logged; they stay in the spool for inspection.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	prescriptionID, err := PrescriptionIDFromFilename(filepath.Base(path))
	if err != nil {
		w.logger.Printf("Skipping spooled file: %v", err)
		return
	}

	queued, err := w.store.HasPendingForPath(ctx, path)
	if err != nil {
		w.logger.Printf("Failed to check queue for %s: %v", path, err)
		return
	}
	if queued {
		return
	}

	id, err := w.store.EnqueueReport(ctx, &schema.PendingReport{
		PrescriptionID: prescriptionID,
		ImagePath:      path,
	})
	if err != nil {
		w.logger.Printf("Failed to enqueue spooled capture %s: %v", path, err)
		return
	}

	w.logger.Printf("Enqueued pending report %d for prescription %s", id, prescriptionID)
	if w.trigger != nil {
		w.trigger()
	}
}
