package loom

import (
	"context"
	"sync"
	"testing"
)

func TestHashUser(t *testing.T) {
	h := HashUser("user-1")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != HashUser("user-1") {
		t.Error("hash not deterministic")
	}
	if h == HashUser("user-2") {
		t.Error("distinct users hash identically")
	}
	for _, r := range h {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("non-hex rune %q in %q", r, h)
		}
	}
}

// fakeAuditStore records writes; block, when set, holds every write
// until released.
type fakeAuditStore struct {
	mu      sync.Mutex
	records []AuditRecord
	started chan struct{}
	release chan struct{}
}

func (f *fakeAuditStore) WriteAudit(ctx context.Context, rec AuditRecord) error {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeAuditStore) all() []AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuditRecord, len(f.records))
	copy(out, f.records)
	return out
}

func TestAuditLoggerWritesAsync(t *testing.T) {
	store := &fakeAuditStore{}
	a := NewAuditLogger(store)

	a.Record(AuditRecord{Tool: "list_vms", Server: "azure", Status: AuditOK})
	a.Record(AuditRecord{ID: "fixed", Timestamp: 42, Tool: "get_cost", Status: AuditCacheHit})
	a.Close() // drains the buffer

	recs := store.all()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID == "" || recs[0].Timestamp == 0 {
		t.Errorf("missing defaults: %+v", recs[0])
	}
	if recs[1].ID != "fixed" || recs[1].Timestamp != 42 {
		t.Errorf("explicit fields overwritten: %+v", recs[1])
	}
	if a.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", a.Dropped())
	}
}

func TestAuditLoggerNilStore(t *testing.T) {
	a := NewAuditLogger(nil)
	a.Record(AuditRecord{Tool: "x"}) // no-op, must not block
	a.Close()
}

func TestAuditLoggerDropsWhenFull(t *testing.T) {
	store := &fakeAuditStore{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	a := NewAuditLogger(store, AuditBuffer(1))

	// First record: picked up by the write loop, which blocks in the store.
	a.Record(AuditRecord{Tool: "one"})
	<-store.started
	// Second record: sits in the buffer.
	a.Record(AuditRecord{Tool: "two"})
	// Third record: buffer full, dropped.
	a.Record(AuditRecord{Tool: "three"})

	if got := a.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	close(store.release)
	<-store.started // second write enters the store
	a.Close()

	recs := store.all()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Tool != "one" || recs[1].Tool != "two" {
		t.Errorf("kept %q first %q second", recs[0].Tool, recs[1].Tool)
	}
}
