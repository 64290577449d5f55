package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

func seedPrescription(t *testing.T, m *Memory, id, userID string) {
	t.Helper()
	err := m.SetPrescription(context.Background(), &schema.Prescription{
		ID:         id,
		UserID:     userID,
		Medication: "Amoxicillin",
		Frequency:  "3x sehari",
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("SetPrescription(%s) failed: %v", id, err)
	}
}

// TestMemoryGetNotFound verifies the sentinel for missing documents.
func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()

	_, err := m.GetPrescription(context.Background(), "user-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPrescription() error = %v, want ErrNotFound", err)
	}
}

// TestMemoryAddReportBatch verifies the report append, the counter
// increment, and the last-reported timestamp land together.
func TestMemoryAddReportBatch(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2026, 8, 29, 9, 30, 0, 0, time.UTC)
	m.Now = func() time.Time { return fixed }
	ctx := context.Background()

	seedPrescription(t, m, "rx-1", "user-1")

	if err := m.AddReport(ctx, "user-1", "rx-1", "https://cdn.example.com/a.jpg"); err != nil {
		t.Fatalf("AddReport() failed: %v", err)
	}

	p, err := m.GetPrescription(ctx, "user-1", "rx-1")
	if err != nil {
		t.Fatalf("GetPrescription() failed: %v", err)
	}
	if p.TotalReports != 1 {
		t.Errorf("TotalReports = %d, want 1", p.TotalReports)
	}
	if p.LastReportedAt == nil || !p.LastReportedAt.Equal(fixed) {
		t.Errorf("LastReportedAt = %v, want %v", p.LastReportedAt, fixed)
	}
}

// TestMemoryAddReportMissingPrescription verifies the batch refuses to
// record under an absent document.
func TestMemoryAddReportMissingPrescription(t *testing.T) {
	m := NewMemory()

	err := m.AddReport(context.Background(), "user-1", "missing", "https://cdn.example.com/a.jpg")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AddReport() error = %v, want ErrNotFound", err)
	}
}

// TestMemoryCountReportsOn verifies the calendar-day bucket.
func TestMemoryCountReportsOn(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedPrescription(t, m, "rx-1", "user-1")

	today := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	for _, at := range []time.Time{yesterday, today, today.Add(10 * time.Hour)} {
		at := at
		m.Now = func() time.Time { return at }
		if err := m.AddReport(ctx, "user-1", "rx-1", "https://cdn.example.com/a.jpg"); err != nil {
			t.Fatalf("AddReport() failed: %v", err)
		}
	}

	count, err := m.CountReportsOn(ctx, "user-1", "rx-1", today)
	if err != nil {
		t.Fatalf("CountReportsOn() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountReportsOn(today) = %d, want 2", count)
	}
}

// TestMemorySubscribe verifies the initial snapshot and change broadcasts.
func TestMemorySubscribe(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seedPrescription(t, m, "rx-1", "user-1")

	sub, err := m.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer sub.Close()

	initial := <-sub.Updates()
	if len(initial) != 1 || initial[0].ID != "rx-1" {
		t.Fatalf("initial snapshot = %v, want [rx-1]", initial)
	}

	seedPrescription(t, m, "rx-2", "user-1")

	select {
	case snap := <-sub.Updates():
		if len(snap) != 2 {
			t.Errorf("snapshot after write has %d docs, want 2", len(snap))
		}
	case <-ctx.Done():
		t.Fatal("subscription never broadcast the change")
	}
}

// TestMemorySubscribeScopedToUser verifies another user's writes do not
// reach the subscription.
func TestMemorySubscribeScopedToUser(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := m.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer sub.Close()
	<-sub.Updates()

	seedPrescription(t, m, "rx-other", "user-2")

	select {
	case snap := <-sub.Updates():
		t.Errorf("received another user's snapshot: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}
