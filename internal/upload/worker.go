// Package upload drains the pending-report queue: one record per run,
// oldest first, through validation, object upload, and remote recording.
//
// The worker reports outcomes as explicit values so the scheduler can
// decide whether to reschedule; it never panics its way out of a run.
package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pillbox/laporbox/internal/email"
	"github.com/pillbox/laporbox/internal/gate"
	"github.com/pillbox/laporbox/internal/objstore"
	"github.com/pillbox/laporbox/internal/remote"
	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/store"
)

// Outcome is the result of one worker run.
type Outcome int

const (
	// NoWork means the queue was empty; nothing was done.
	NoWork Outcome = iota
	// Done means the oldest pending report was uploaded and recorded,
	// and its queue record deleted.
	Done
	// Retry means a transient failure occurred; the record stays queued
	// with an incremented attempt counter.
	Retry
	// Dropped means the record was removed without success: a terminal
	// business-rule failure, a missing image file, or the retry bound.
	Dropped
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case NoWork:
		return "no_work"
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result describes what happened to the claimed record.
type Result struct {
	Outcome  Outcome
	ReportID int64
	// Reason is the user-facing explanation for Dropped outcomes and the
	// transient cause for Retry outcomes.
	Reason string
}

// Worker processes pending reports. Exactly one worker run may execute at
// a time per device; the scheduler enforces that mutual exclusion.
type Worker struct {
	store    *store.Store
	remote   remote.DocumentStore
	gate     *gate.Gate
	uploader objstore.Uploader
	mailer   email.Sender
	logger   *log.Logger

	userID      string
	patientName string

	// now is the clock for the daily-limit day bucket.
	now func() time.Time
}

// Config carries the worker's collaborators and identity.
type Config struct {
	Store       *store.Store
	Remote      remote.DocumentStore
	Gate        *gate.Gate
	Uploader    objstore.Uploader
	Mailer      email.Sender
	UserID      string
	PatientName string
	Logger      *log.Logger
}

// New creates a Worker. If Logger is nil, a default logger writing to
// stderr is used.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[upload] ", log.LstdFlags)
	}
	return &Worker{
		store:       cfg.Store,
		remote:      cfg.Remote,
		gate:        cfg.Gate,
		uploader:    cfg.Uploader,
		mailer:      cfg.Mailer,
		logger:      logger,
		userID:      cfg.UserID,
		patientName: cfg.PatientName,
		now:         time.Now,
	}
}

// RunOnce claims the single oldest pending report and drives it through
// the state machine. An empty queue is a successful no-op.
//
// Cancellation mid-flight leaves the queue record untouched - neither
// deleted nor attempt-incremented - so a future run retries cleanly.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	rep, err := w.store.DequeueOldestPending(ctx)
	if err != nil {
		return Result{Outcome: Retry}, err
	}
	if rep == nil {
		return Result{Outcome: NoWork}, nil
	}

	w.logger.Printf("Processing pending report %d (prescription %s, attempt %d)",
		rep.ID, rep.PrescriptionID, rep.AttemptCount)

	image, err := os.ReadFile(rep.ImagePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Retrying cannot recover a missing file.
			w.logger.Printf("Image file missing for report %d: %s", rep.ID, rep.ImagePath)
			return w.drop(ctx, rep, "captured image file is missing")
		}
		return w.retryOrDrop(ctx, rep, fmt.Sprintf("failed to read image: %v", err))
	}

	// The upload writes a sub-record under the remote prescription, so
	// the prescription must exist remotely, not merely locally.
	presc, err := w.remote.GetPrescription(ctx, w.userID, rep.PrescriptionID)
	if err != nil {
		return w.retryOrDrop(ctx, rep, fmt.Sprintf("remote prescription lookup failed: %v", err))
	}

	reportsToday, err := w.remote.CountReportsOn(ctx, w.userID, rep.PrescriptionID, w.now())
	if err != nil {
		return w.retryOrDrop(ctx, rep, fmt.Sprintf("daily report count lookup failed: %v", err))
	}

	verdict := w.gate.Validate(ctx, image, mediaTypeFor(rep.ImagePath), presc, reportsToday)
	switch {
	case verdict.Verdict == gate.Accept:
		// fall through to upload
	case verdict.Verdict.Terminal():
		w.logger.Printf("Report %d rejected: %s", rep.ID, verdict.Verdict)
		return w.drop(ctx, rep, "validation rejected: "+verdict.Verdict.String())
	default:
		return w.retryOrDrop(ctx, rep, "validation error: "+verdict.Reason)
	}

	imageURL, err := w.uploader.Upload(ctx, rep.ImagePath)
	if err != nil {
		return w.retryOrDrop(ctx, rep, fmt.Sprintf("image upload failed: %v", err))
	}

	if err := w.remote.AddReport(ctx, w.userID, rep.PrescriptionID, imageURL); err != nil {
		return w.retryOrDrop(ctx, rep, fmt.Sprintf("remote record failed: %v", err))
	}

	if ctx.Err() != nil {
		// The report was recorded; deleting the queue record on the next
		// run would double-record, so finish the delete regardless.
		w.logger.Printf("Context cancelled after recording report %d; completing cleanup", rep.ID)
	}
	if err := w.store.DeleteReport(context.WithoutCancel(ctx), rep.ID); err != nil {
		return Result{Outcome: Retry, ReportID: rep.ID}, err
	}

	w.notify(context.WithoutCancel(ctx), presc, imageURL)
	w.removeImage(rep.ImagePath)

	w.logger.Printf("Report %d uploaded and recorded", rep.ID)
	return Result{Outcome: Done, ReportID: rep.ID}, nil
}

// removeImage clears the spooled capture once its queue record is gone,
// so a spool re-scan after restart cannot resurrect it. Best effort.
func (w *Worker) removeImage(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Printf("Failed to remove spooled image %s: %v", path, err)
	}
}

// retryOrDrop applies the bounded retry policy after a transient failure.
// If the run was cancelled, the record is left untouched so a future run
// starts over cleanly.
func (w *Worker) retryOrDrop(ctx context.Context, rep *schema.PendingReport, reason string) (Result, error) {
	if ctx.Err() != nil {
		return Result{Outcome: Retry, ReportID: rep.ID, Reason: reason}, ctx.Err()
	}

	rep.AttemptCount++
	if rep.AttemptCount >= schema.MaxUploadAttempts {
		w.logger.Printf("Report %d failed %d times, giving up: %s", rep.ID, rep.AttemptCount, reason)
		return w.drop(ctx, rep, fmt.Sprintf("failed after %d attempts: %s", rep.AttemptCount, reason))
	}

	if err := w.store.UpdateReport(ctx, rep); err != nil {
		return Result{Outcome: Retry, ReportID: rep.ID, Reason: reason}, err
	}

	w.logger.Printf("Report %d will retry later (attempt %d): %s", rep.ID, rep.AttemptCount, reason)
	return Result{Outcome: Retry, ReportID: rep.ID, Reason: reason}, nil
}

// drop removes the queue record permanently.
func (w *Worker) drop(ctx context.Context, rep *schema.PendingReport, reason string) (Result, error) {
	if err := w.store.DeleteReport(context.WithoutCancel(ctx), rep.ID); err != nil {
		return Result{Outcome: Retry, ReportID: rep.ID, Reason: reason}, err
	}
	w.removeImage(rep.ImagePath)
	return Result{Outcome: Dropped, ReportID: rep.ID, Reason: reason}, nil
}

// notify fans the success notification out to the prescription's
// recipients. Failures are logged, never propagated.
func (w *Worker) notify(ctx context.Context, p *schema.Prescription, imageURL string) {
	recipients := p.Recipients()
	if len(recipients) == 0 {
		w.logger.Printf("No notification recipients for prescription %s", p.ID)
		return
	}

	subject := fmt.Sprintf("Laporan Kepatuhan Obat Baru dari Pasien: %s", w.patientName)
	body := buildNotificationBody(w.patientName, p, imageURL, w.now())

	if err := w.mailer.Send(ctx, recipients, subject, body); err != nil {
		w.logger.Printf("Notification email failed for prescription %s: %v", p.ID, err)
		return
	}
	w.logger.Printf("Notification sent to %d recipients for prescription %s", len(recipients), p.ID)
}

// buildNotificationBody renders the caregiver notification HTML.
func buildNotificationBody(patient string, p *schema.Prescription, imageURL string, at time.Time) string {
	return fmt.Sprintf(`<html><body>
<h1>Laporan Baru Telah Diterima</h1>
<p>Halo,</p>
<p>Pasien atas nama <strong>%s</strong> telah mengirimkan laporan foto kepatuhan minum obat dengan detail sebagai berikut:</p>
<ul>
<li><strong>Nama Obat:</strong> %s</li>
<li><strong>Dosis:</strong> %s</li>
<li><strong>Waktu Laporan:</strong> %s</li>
</ul>
<p>Berikut adalah foto yang dilampirkan:</p>
<img src=%q alt="Foto Laporan" style="max-width: 400px; border-radius: 8px;"/>
<br>
<p>Terima kasih atas perhatian Anda.</p>
<p><strong>LaporBox Automated System</strong></p>
</body></html>`,
		patient, p.Medication, p.Frequency, at.Format(time.RFC1123), imageURL)
}

// mediaTypeFor guesses the image MIME type from the file extension.
func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
