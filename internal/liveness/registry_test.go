package liveness_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu      sync.Mutex
	saved   map[string]liveness.Record
	saveErr error
}

func newMemPersister() *memPersister {
	return &memPersister{saved: make(map[string]liveness.Record)}
}

func (p *memPersister) Save(_ context.Context, rec liveness.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved[rec.SubjectID] = rec
	return nil
}

func (p *memPersister) Load(context.Context) ([]liveness.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]liveness.Record, 0, len(p.saved))
	for _, rec := range p.saved {
		out = append(out, rec)
	}
	return out, nil
}

const threshold = 5 * time.Minute

func newRegistry(clock *fakeClock, p ...liveness.Persister) *liveness.Registry {
	return liveness.NewRegistry(threshold,
		liveness.WithClock(clock.Now),
		liveness.WithPersisters(p...),
	)
}

// Property 4: a record older than the threshold reads as inactive even if it
// was last set active; a fresh one reads as set.
func TestStatusDerivedAtReadTime(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newRegistry(clock)

	if err := r.Upsert(ctx, liveness.Record{SubjectID: "stale", Status: liveness.StatusActive,
		LastSeenAt: clock.Now().Add(-(threshold + time.Second))}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.Upsert(ctx, liveness.Record{SubjectID: "fresh", Status: liveness.StatusIdle,
		LastSeenAt: clock.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("List returned %d records, want 2", len(got))
	}
	if got[0].SubjectID != "fresh" || got[0].Status != liveness.StatusIdle {
		t.Errorf("fresh = %+v, want idle", got[0])
	}
	if got[1].SubjectID != "stale" || got[1].Status != liveness.StatusInactive {
		t.Errorf("stale = %+v, want inactive", got[1])
	}

	// The same fresh record goes stale once the clock moves past the threshold.
	clock.Advance(threshold + time.Second)
	rec, ok := r.Get("fresh")
	if !ok || rec.Status != liveness.StatusInactive {
		t.Errorf("after advance Get(fresh) = %+v, %v", rec, ok)
	}
}

func TestUpsertKeepsLabels(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newRegistry(clock)

	if err := r.Upsert(ctx, liveness.Record{SubjectID: "alice", DisplayName: "Alice", Group: "Ops"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	clock.Advance(time.Minute)
	if err := r.Upsert(ctx, liveness.Record{SubjectID: "alice", Status: liveness.StatusIdle}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rec, ok := r.Get("alice")
	if !ok {
		t.Fatal("alice missing")
	}
	if rec.DisplayName != "Alice" || rec.Group != "Ops" {
		t.Errorf("labels lost: %+v", rec)
	}
	if !rec.LastSeenAt.Equal(clock.Now()) {
		t.Errorf("LastSeenAt = %v, want %v", rec.LastSeenAt, clock.Now())
	}
	if rec.Status != liveness.StatusIdle {
		t.Errorf("Status = %q, want idle", rec.Status)
	}
}

func TestMarkInactive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newMemPersister()
	r := newRegistry(clock, p)

	seen := clock.Now()
	if err := r.Upsert(ctx, liveness.Record{SubjectID: "bob", Status: liveness.StatusActive}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := r.MarkInactive(ctx, "bob"); err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}

	rec, _ := r.Get("bob")
	if rec.Status != liveness.StatusInactive {
		t.Errorf("Status = %q, want inactive", rec.Status)
	}
	if !rec.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt moved: %v, want %v", rec.LastSeenAt, seen)
	}
	if p.saved["bob"].Status != liveness.StatusInactive {
		t.Errorf("persisted status = %q", p.saved["bob"].Status)
	}

	if err := r.MarkInactive(ctx, "nobody"); err != nil {
		t.Errorf("MarkInactive(unknown) = %v", err)
	}
	if _, ok := r.Get("nobody"); ok {
		t.Error("MarkInactive created a record for an unknown subject")
	}
}

func TestUpsertPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	boom := errors.New("disk full")
	p := newMemPersister()
	p.saveErr = boom
	r := newRegistry(clock, p)

	err := r.Upsert(ctx, liveness.Record{SubjectID: "carol"})
	if !errors.Is(err, boom) {
		t.Fatalf("Upsert error = %v, want %v", err, boom)
	}
	if rec, ok := r.Get("carol"); !ok || rec.Status != liveness.StatusActive {
		t.Errorf("Get(carol) = %+v, %v", rec, ok)
	}
}

func TestRestoreMarksInactiveAndPrefersNewest(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	older := newMemPersister()
	newer := newMemPersister()
	older.saved["dave"] = liveness.Record{SubjectID: "dave", DisplayName: "Old", LastSeenAt: clock.Now().Add(-time.Hour), Status: liveness.StatusActive}
	newer.saved["dave"] = liveness.Record{SubjectID: "dave", DisplayName: "New", LastSeenAt: clock.Now(), Status: liveness.StatusActive}

	r := newRegistry(clock, older, newer)
	if err := r.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rec, ok := r.Get("dave")
	if !ok {
		t.Fatal("dave not restored")
	}
	if rec.DisplayName != "New" {
		t.Errorf("DisplayName = %q, want New", rec.DisplayName)
	}
	if rec.Status != liveness.StatusInactive {
		t.Errorf("Status = %q, want inactive", rec.Status)
	}
	if r.CountActive() != 0 {
		t.Errorf("CountActive = %d, want 0", r.CountActive())
	}
}

func TestConcurrentUpsertsSameSubject(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newRegistry(clock, newMemPersister())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Upsert(ctx, liveness.Record{SubjectID: "eve", DisplayName: "Eve"})
			_ = r.List()
		}()
	}
	wg.Wait()
	if got := r.List(); len(got) != 1 || got[0].DisplayName != "Eve" {
		t.Errorf("List = %+v", got)
	}
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]bool{"active": true, "idle": true, "inactive": false, "": false, "busy": false} {
		if _, ok := liveness.ParseStatus(in); ok != want {
			t.Errorf("ParseStatus(%q) ok = %v, want %v", in, ok, want)
		}
	}
}
