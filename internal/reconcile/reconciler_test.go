package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/pillbox/laporbox/internal/remote"
	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "laporbox.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// flakyDocs wraps a DocumentStore and fails SetPrescription for ids in
// failSet.
type flakyDocs struct {
	remote.DocumentStore
	failSet map[string]bool
}

func (f *flakyDocs) SetPrescription(ctx context.Context, p *schema.Prescription) error {
	if f.failSet[p.ID] {
		return errors.New("remote unavailable")
	}
	return f.DocumentStore.SetPrescription(ctx, p)
}

func testPrescription(id, userID string) *schema.Prescription {
	return &schema.Prescription{
		ID:         id,
		UserID:     userID,
		Medication: "Amoxicillin",
		Frequency:  "3x sehari",
		CreatedAt:  time.Now(),
	}
}

// TestPullAllIdempotent verifies that pulling the same remote snapshot
// twice leaves the cache unchanged and clean.
func TestPullAllIdempotent(t *testing.T) {
	st := openTestStore(t)
	docs := remote.NewMemory()
	ctx := context.Background()

	for _, id := range []string{"rx-1", "rx-2"} {
		if err := docs.SetPrescription(ctx, testPrescription(id, "user-1")); err != nil {
			t.Fatalf("seeding remote failed: %v", err)
		}
	}

	r := New(st, docs, quietLogger())
	for i := 0; i < 2; i++ {
		if err := r.PullAll(ctx, "user-1"); err != nil {
			t.Fatalf("PullAll() round %d failed: %v", i, err)
		}
	}

	cached, err := st.ListPrescriptions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListPrescriptions() failed: %v", err)
	}
	if len(cached) != 2 {
		t.Fatalf("cache has %d records, want 2", len(cached))
	}
	for _, p := range cached {
		if p.Dirty {
			t.Errorf("pulled record %s is dirty, want clean", p.ID)
		}
	}
}

// TestPushOneClearsDirty verifies a successful push clears the local dirty
// flag.
func TestPushOneClearsDirty(t *testing.T) {
	st := openTestStore(t)
	docs := remote.NewMemory()
	ctx := context.Background()

	p := testPrescription("rx-1", "user-1")
	p.Dirty = true
	if err := st.UpsertPrescription(ctx, p); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}

	r := New(st, docs, quietLogger())
	if err := r.PushOne(ctx, p); err != nil {
		t.Fatalf("PushOne() failed: %v", err)
	}

	got, err := st.GetPrescription(ctx, "rx-1")
	if err != nil || got == nil {
		t.Fatalf("GetPrescription() failed: %v", err)
	}
	if got.Dirty {
		t.Error("record stayed dirty after a successful push")
	}

	if _, err := docs.GetPrescription(ctx, "user-1", "rx-1"); err != nil {
		t.Errorf("record missing from remote after push: %v", err)
	}
}

// TestSyncPendingDirtyPartialFailure verifies a failed push neither stops
// the remaining records nor clears the failed record's dirty flag.
func TestSyncPendingDirtyPartialFailure(t *testing.T) {
	st := openTestStore(t)
	docs := &flakyDocs{
		DocumentStore: remote.NewMemory(),
		failSet:       map[string]bool{"rx-bad": true},
	}
	ctx := context.Background()

	for _, id := range []string{"rx-bad", "rx-good"} {
		p := testPrescription(id, "user-1")
		p.Dirty = true
		if err := st.UpsertPrescription(ctx, p); err != nil {
			t.Fatalf("seeding store failed: %v", err)
		}
	}

	r := New(st, docs, quietLogger())
	ok, err := r.SyncPendingDirty(ctx, "user-1")
	if err != nil {
		t.Fatalf("SyncPendingDirty() failed: %v", err)
	}
	if ok {
		t.Error("aggregate result is true despite a failed push")
	}

	dirty, err := st.ListDirty(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListDirty() failed: %v", err)
	}
	if len(dirty) != 1 || dirty[0].ID != "rx-bad" {
		t.Errorf("ListDirty() = %v, want just rx-bad", dirty)
	}

	// The failed record must not have reached the remote.
	if _, err := docs.GetPrescription(ctx, "user-1", "rx-bad"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("rx-bad reached the remote despite the injected failure")
	}
}

// TestSaveLocalSurvivesPushFailure verifies the local write is
// authoritative: an unreachable remote never fails the save, and the
// record stays dirty for the periodic sync.
func TestSaveLocalSurvivesPushFailure(t *testing.T) {
	st := openTestStore(t)
	docs := &flakyDocs{
		DocumentStore: remote.NewMemory(),
		failSet:       map[string]bool{"rx-1": true},
	}
	ctx := context.Background()

	r := New(st, docs, quietLogger())
	if err := r.SaveLocal(ctx, testPrescription("rx-1", "user-1")); err != nil {
		t.Fatalf("SaveLocal() failed: %v", err)
	}

	got, err := st.GetPrescription(ctx, "rx-1")
	if err != nil || got == nil {
		t.Fatalf("record missing locally after SaveLocal: %v", err)
	}
	if !got.Dirty {
		t.Error("record is clean after a failed push, want dirty")
	}
}

// TestSaveLocalAssignsID verifies a fresh record gets an id and timestamp.
func TestSaveLocalAssignsID(t *testing.T) {
	st := openTestStore(t)
	r := New(st, remote.NewMemory(), quietLogger())

	p := testPrescription("", "user-1")
	p.CreatedAt = time.Time{}
	if err := r.SaveLocal(context.Background(), p); err != nil {
		t.Fatalf("SaveLocal() failed: %v", err)
	}
	if p.ID == "" {
		t.Error("SaveLocal() did not assign an id")
	}
	if p.CreatedAt.IsZero() {
		t.Error("SaveLocal() did not assign a creation time")
	}
}

// TestDeleteLocalAuthoritative verifies a failed remote delete never rolls
// back the local one.
func TestDeleteLocalAuthoritative(t *testing.T) {
	st := openTestStore(t)
	docs := &failingDeleteDocs{DocumentStore: remote.NewMemory()}
	ctx := context.Background()

	if err := st.UpsertPrescription(ctx, testPrescription("rx-1", "user-1")); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}

	r := New(st, docs, quietLogger())
	if err := r.Delete(ctx, "user-1", "rx-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := st.GetPrescription(ctx, "rx-1")
	if err != nil {
		t.Fatalf("GetPrescription() failed: %v", err)
	}
	if got != nil {
		t.Error("record still cached after Delete()")
	}
}

type failingDeleteDocs struct {
	remote.DocumentStore
}

func (f *failingDeleteDocs) DeletePrescription(ctx context.Context, userID, id string) error {
	return errors.New("remote unavailable")
}

// TestSubscribeLiveMirrors verifies remote snapshots land in the local
// cache, clean, as they arrive.
func TestSubscribeLiveMirrors(t *testing.T) {
	st := openTestStore(t)
	docs := remote.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := New(st, docs, quietLogger())
	stream, err := r.SubscribeLive(ctx, "user-1")
	if err != nil {
		t.Fatalf("SubscribeLive() failed: %v", err)
	}
	defer stream.Close()

	<-stream.Updates() // initial empty snapshot

	if err := docs.SetPrescription(ctx, testPrescription("rx-1", "user-1")); err != nil {
		t.Fatalf("remote write failed: %v", err)
	}

	select {
	case snap := <-stream.Updates():
		if len(snap) != 1 || snap[0].ID != "rx-1" {
			t.Fatalf("snapshot = %v, want [rx-1]", snap)
		}
	case <-ctx.Done():
		t.Fatal("stream did not forward the remote change")
	}

	got, err := st.GetPrescription(ctx, "rx-1")
	if err != nil || got == nil {
		t.Fatalf("remote change not mirrored into the cache: %v", err)
	}
	if got.Dirty {
		t.Error("mirrored record is dirty, want clean")
	}
}
