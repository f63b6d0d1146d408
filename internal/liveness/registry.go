// Package liveness tracks per-subject activity. Stored status is only a hint:
// the status reported to readers is derived lazily from the time elapsed since
// the subject was last seen, so nothing ever has to sweep expired subjects.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusInactive Status = "inactive"
)

// ParseStatus accepts the statuses an agent may declare for itself.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusIdle:
		return Status(s), true
	}
	return "", false
}

// Record is the activity record of one subject.
type Record struct {
	SubjectID   string    `json:"staff_id"`
	DisplayName string    `json:"name"`
	Group       string    `json:"division"`
	LastSeenAt  time.Time `json:"last_seen"`
	Status      Status    `json:"status"`
}

// Persister stores records outside the process.
type Persister interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) ([]Record, error)
}

// Registry is safe for concurrent use. Writers of the same subject are
// serialized; readers never wait on persistence.
type Registry struct {
	threshold  time.Duration
	now        func() time.Time
	persisters []Persister
	log        zerolog.Logger

	mu      sync.RWMutex
	records map[string]Record

	// per-subject writer locks, held across persistence I/O
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithPersisters(p ...Persister) Option {
	return func(r *Registry) { r.persisters = append(r.persisters, p...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(threshold time.Duration, opts ...Option) *Registry {
	r := &Registry{
		threshold: threshold,
		now:       time.Now,
		log:       zerolog.Nop(),
		records:   make(map[string]Record),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert creates the record on first call for a subject and updates it in
// place afterwards. Empty DisplayName and Group keep their previous values and
// a zero LastSeenAt means now. The in-memory record is updated even when a
// persister fails; persistence errors are returned joined.
func (r *Registry) Upsert(ctx context.Context, rec Record) error {
	if rec.SubjectID == "" {
		return errors.New("liveness: empty subject id")
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = r.now()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	l := r.lock(rec.SubjectID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	prev := r.records[rec.SubjectID]
	if rec.DisplayName == "" {
		rec.DisplayName = prev.DisplayName
	}
	if rec.Group == "" {
		rec.Group = prev.Group
	}
	r.records[rec.SubjectID] = rec
	r.mu.Unlock()

	return r.persist(ctx, rec)
}

// MarkInactive sets the terminal inactive status without touching LastSeenAt.
// Unknown subjects are ignored.
func (r *Registry) MarkInactive(ctx context.Context, subjectID string) error {
	l := r.lock(subjectID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	rec, ok := r.records[subjectID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rec.Status = StatusInactive
	r.records[subjectID] = rec
	r.mu.Unlock()

	return r.persist(ctx, rec)
}

// Get returns the record with its status evaluated now.
func (r *Registry) Get(subjectID string) (Record, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[subjectID]
	if !ok {
		return Record{}, false
	}
	return r.derive(rec, now), true
}

// List returns every record sorted by subject id, with status evaluated now.
func (r *Registry) List() []Record {
	now := r.now()
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, r.derive(rec, now))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// CountActive counts subjects whose derived status is not inactive.
func (r *Registry) CountActive() int {
	n := 0
	for _, rec := range r.List() {
		if rec.Status != StatusInactive {
			n++
		}
	}
	return n
}

// Restore loads records from every persister. When several persisters know a
// subject the most recently seen copy wins. No session survives a restart, so
// restored subjects start out inactive.
func (r *Registry) Restore(ctx context.Context) error {
	merged := make(map[string]Record)
	var errs []error
	for _, p := range r.persisters {
		recs, err := p.Load(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, rec := range recs {
			if rec.SubjectID == "" {
				continue
			}
			if cur, ok := merged[rec.SubjectID]; ok && !rec.LastSeenAt.After(cur.LastSeenAt) {
				continue
			}
			merged[rec.SubjectID] = rec
		}
	}

	r.mu.Lock()
	for id, rec := range merged {
		if _, live := r.records[id]; live {
			continue
		}
		rec.Status = StatusInactive
		r.records[id] = rec
	}
	r.mu.Unlock()

	r.log.Info().Int("subjects", len(merged)).Msg("liveness records restored")
	return errors.Join(errs...)
}

func (r *Registry) derive(rec Record, now time.Time) Record {
	if rec.Status == StatusInactive {
		return rec
	}
	if now.Sub(rec.LastSeenAt) > r.threshold {
		rec.Status = StatusInactive
	}
	return rec
}

func (r *Registry) lock(subjectID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[subjectID]
	if !ok {
		l = new(sync.Mutex)
		r.locks[subjectID] = l
	}
	return l
}

func (r *Registry) persist(ctx context.Context, rec Record) error {
	var errs []error
	for _, p := range r.persisters {
		if err := p.Save(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("liveness: persist %s: %w", rec.SubjectID, err))
		}
	}
	return errors.Join(errs...)
}
