package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pillbox/laporbox/internal/schema"
)

// Memory is an in-memory DocumentStore. It backs offline development runs
// and the engine's tests; its semantics match the contract, including the
// atomic report-append batch and full-snapshot subscriptions.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string]*schema.Prescription // userID -> id -> doc
	reports map[string][]*schema.Report                // userID/prescriptionID -> reports
	subs    map[int]*memorySubscription
	nextSub int

	// Now supplies server-assigned timestamps; defaults to time.Now.
	Now func() time.Time
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string]*schema.Prescription),
		reports: make(map[string][]*schema.Report),
		subs:    make(map[int]*memorySubscription),
		Now:     time.Now,
	}
}

// GetPrescription implements DocumentStore.GetPrescription.
func (m *Memory) GetPrescription(ctx context.Context, userID, id string) (*schema.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.docs[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetPrescription implements DocumentStore.SetPrescription.
func (m *Memory) SetPrescription(ctx context.Context, p *schema.Prescription) error {
	m.mu.Lock()
	if m.docs[p.UserID] == nil {
		m.docs[p.UserID] = make(map[string]*schema.Prescription)
	}
	cp := *p
	cp.Dirty = false
	m.docs[p.UserID][p.ID] = &cp
	m.mu.Unlock()

	m.broadcast(p.UserID)
	return nil
}

// DeletePrescription implements DocumentStore.DeletePrescription.
func (m *Memory) DeletePrescription(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	delete(m.docs[userID], id)
	delete(m.reports, userID+"/"+id)
	m.mu.Unlock()

	m.broadcast(userID)
	return nil
}

// ListPrescriptions implements DocumentStore.ListPrescriptions.
func (m *Memory) ListPrescriptions(ctx context.Context, userID string) ([]*schema.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(userID), nil
}

// AddReport implements DocumentStore.AddReport.
func (m *Memory) AddReport(ctx context.Context, userID, prescriptionID, imageURL string) error {
	m.mu.Lock()
	p, ok := m.docs[userID][prescriptionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	now := m.Now()
	key := userID + "/" + prescriptionID
	m.reports[key] = append(m.reports[key], &schema.Report{
		UserID:    userID,
		ImageURL:  imageURL,
		Timestamp: now,
	})
	p.TotalReports++
	p.LastReportedAt = &now
	m.mu.Unlock()

	m.broadcast(userID)
	return nil
}

// CountReportsOn implements DocumentStore.CountReportsOn.
func (m *Memory) CountReportsOn(ctx context.Context, userID, prescriptionID string, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	y, mo, d := day.Date()
	count := 0
	for _, r := range m.reports[userID+"/"+prescriptionID] {
		ry, rmo, rd := r.Timestamp.Date()
		if ry == y && rmo == mo && rd == d {
			count++
		}
	}
	return count, nil
}

// Subscribe implements DocumentStore.Subscribe.
func (m *Memory) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &memorySubscription{
		store:   m,
		id:      id,
		userID:  userID,
		updates: make(chan []*schema.Prescription, 8),
	}
	m.subs[id] = sub
	initial := m.snapshotLocked(userID)
	m.mu.Unlock()

	sub.updates <- initial

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return sub, nil
}

// snapshotLocked copies the user's documents, newest first.
func (m *Memory) snapshotLocked(userID string) []*schema.Prescription {
	out := make([]*schema.Prescription, 0, len(m.docs[userID]))
	for _, p := range m.docs[userID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// broadcast pushes a fresh snapshot to every subscriber of the user.
// Slow subscribers skip intermediate states; only the latest is kept.
func (m *Memory) broadcast(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshotLocked(userID)
	for _, sub := range m.subs {
		if sub.userID != userID {
			continue
		}
		select {
		case sub.updates <- snap:
		default:
		}
	}
}

type memorySubscription struct {
	store   *Memory
	id      int
	userID  string
	updates chan []*schema.Prescription

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Updates() <-chan []*schema.Prescription {
	return s.updates
}

func (s *memorySubscription) Err() error { return nil }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.subs, s.id)
	s.store.mu.Unlock()

	close(s.updates)
	return nil
}
