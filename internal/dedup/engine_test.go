package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"websetdedup/internal/models"
)

type fakeVector struct {
	mu    sync.Mutex
	items map[string]string
}

func newFakeVector() *fakeVector {
	return &fakeVector{items: make(map[string]string)}
}

func (f *fakeVector) Add(ctx context.Context, rowID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[rowID] = text
	return nil
}

// Query returns every row currently in the fake vector index, regardless of
// text, which is all the recall simulation these tests need: by the time the
// second of two near-duplicate items is ingested, the index holds exactly
// the first.
func (f *fakeVector) Query(ctx context.Context, text string, k int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeAdjudicator struct {
	verdict models.Verdict
}

func (f *fakeAdjudicator) Enqueue(ctx context.Context, d models.Decision) <-chan models.Verdict {
	ch := make(chan models.Verdict, 1)
	ch <- f.verdict
	return ch
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.Event
	notify chan models.EventType
}

func (f *fakeBus) Publish(jobID string, evt models.Event) {
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- evt.Type
	}
}

func (f *fakeBus) typeCounts() map[models.EventType]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.EventType]int)
	for _, e := range f.events {
		out[e.Type]++
	}
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	items []models.ItemRecord
}

func (f *fakeStore) InsertItem(ctx context.Context, rec models.ItemRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, rec)
	return nil
}

func (f *fakeStore) IncrementCounters(ctx context.Context, jobID string, status models.ItemStatus, reason string) error {
	return nil
}

func newTestEngine(mode models.Mode, bus *fakeBus, store *fakeStore, vec VectorClient, adj Adjudicator) *Engine {
	return NewEngine(EngineConfig{
		JobID:       "job-1",
		Mode:        mode,
		Bus:         bus,
		Vector:      vec,
		Adjudicator: adj,
		Store:       store,
	})
}

func companyItem(name, url string) map[string]any {
	return map[string]any{
		"properties": map[string]any{"name": name, "url": url},
	}
}

func TestIngestAcceptsFirstItem(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	e := newTestEngine(models.ModeCompany, bus, store, newFakeVector(), nil)

	e.Ingest(context.Background(), companyItem("Acme Robotics", "https://acme.com"), "1")

	counts := bus.typeCounts()
	if counts[models.EventItem] != 1 {
		t.Fatalf("expected one item event, got %v", counts)
	}
	if len(store.items) != 1 || store.items[0].Status != models.ItemStatusAccepted {
		t.Fatalf("expected one accepted persisted item, got %+v", store.items)
	}
}

func TestIngestTier0RejectsCompanyDuplicate(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	e := newTestEngine(models.ModeCompany, bus, store, newFakeVector(), nil)

	e.Ingest(context.Background(), companyItem("Acme Robotics", "https://acme.com"), "1")
	e.Ingest(context.Background(), companyItem("Acme Robotics", "https://acme.com"), "2")

	counts := bus.typeCounts()
	if counts[models.EventRejected] != 1 {
		t.Fatalf("expected one rejected event, got %v", counts)
	}
}

func TestIngestIsIdempotentForRepeatedID(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	e := newTestEngine(models.ModeCompany, bus, store, newFakeVector(), nil)

	e.Ingest(context.Background(), companyItem("Acme Robotics", "https://acme.com"), "dup-id")
	e.Ingest(context.Background(), companyItem("Acme Robotics", "https://acme.com"), "dup-id")

	counts := bus.typeCounts()
	if counts[models.EventItem]+counts[models.EventRejected] != 1 {
		t.Fatalf("expected exactly one terminal event for a repeated id, got %v", counts)
	}
}

func TestIngestPendingResolvesToRejectOnDuplicateVerdict(t *testing.T) {
	bus := &fakeBus{notify: make(chan models.EventType, 8)}
	store := &fakeStore{}
	adj := &fakeAdjudicator{verdict: models.Verdict{Duplicate: true}}
	vec := newFakeVector()
	e := newTestEngine(models.ModeCompany, bus, store, vec, adj)

	// Same display name, unrelated domains: the fuzzy matcher's fingerprint
	// indices never link these two rows (different brand and etld1), so the
	// only route into the candidate pool is vector recall.
	e.Ingest(context.Background(), companyItem("Quantum Forge Analytics", "https://one-example.io"), "1")

	// Company mode feeds the vector index fire-and-forget, so wait until the
	// first row is indexed before ingesting the second.
	indexDeadline := time.Now().Add(2 * time.Second)
	for {
		vec.mu.Lock()
		_, indexed := vec.items["1"]
		vec.mu.Unlock()
		if indexed {
			break
		}
		if time.Now().After(indexDeadline) {
			t.Fatal("first row was never added to the vector index")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.Ingest(context.Background(), companyItem("Quantum Forge Analytics", "https://other-example.org"), "2")

	timeout := time.After(2 * time.Second)
	for {
		select {
		case typ := <-bus.notify:
			if typ == models.EventDrop {
				counts := bus.typeCounts()
				if counts[models.EventPending] == 0 {
					t.Fatalf("expected the second item to have gone through pending, got %v", counts)
				}
				if counts[models.EventRejected] != 1 {
					t.Fatalf("expected exactly one rejected event, got %v", counts)
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for pending item to resolve")
		}
	}
}

func TestEntityModeDuplicateNormalizedTitleRejected(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	e := newTestEngine(models.ModeEntity, bus, store, newFakeVector(), nil)

	raw1 := map[string]any{"properties": map[string]any{"title": "Breaking Bad (2008)", "url": "https://watch.example.com/bb"}}
	raw2 := map[string]any{"properties": map[string]any{"title": "Breaking Bad [HD]", "url": "https://watch.example.com/bb2"}}

	e.Ingest(context.Background(), raw1, "1")
	e.Ingest(context.Background(), raw2, "2")

	counts := bus.typeCounts()
	if counts[models.EventRejected] != 1 {
		t.Fatalf("expected normalized-title duplicate rejection, got %v", counts)
	}
}
