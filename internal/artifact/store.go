// Package artifact persists captured images and videos, one directory per
// subject:
//
//	<root>/<subject>/<captured_at>.<ext>   artifacts
//	<root>/<subject>/latest.<ext>          copy of the newest artifact per kind
//	<root>/<subject>/metadata.json         liveness sidecar
//
// Every write goes through a temp file and a rename, so readers never observe
// a partially written artifact or pointer.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is expected when external retention removed an artifact
	// between listing and fetching it.
	ErrNotFound    = errors.New("artifact: not found")
	ErrInvalidName = errors.New("artifact: invalid name")
)

// StorageError is a recoverable filesystem failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ListOptions bounds List. Zero values mean no filter; Limit <= 0 means all.
type ListOptions struct {
	// Since keeps artifacts with captured_at >= Since.
	Since string
	// Date keeps artifacts captured on the given YYYYMMDD day.
	Date  string
	Limit int
}

type Store struct {
	root string
	log  zerolog.Logger

	// one lock per (subject, kind); writes of different subjects never contend
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	latestMu sync.Mutex
	latest   map[string]Ref
}

func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Store{
		root:   root,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
		latest: make(map[string]Ref),
	}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) subjectDir(subjectID string) string {
	return filepath.Join(s.root, subjectID)
}

// Put durably writes payload as the artifact (subjectID, kind, capturedAt).
// Writing the same key again overwrites it. The latest pointer only moves
// forward: it is replaced when capturedAt is >= the current latest, whatever
// order the writes arrive in.
func (s *Store) Put(ctx context.Context, subjectID string, kind Kind, capturedAt, filenameHint string, payload []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := ValidateName(subjectID); err != nil {
		return Ref{}, err
	}
	if err := validCapturedAt(capturedAt); err != nil {
		return Ref{}, err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return Ref{}, err
	}

	ref := Ref{
		SubjectID:  subjectID,
		Kind:       kind,
		CapturedAt: capturedAt,
		Filename:   capturedAt + extFor(kind, filenameHint),
		Size:       int64(len(payload)),
	}

	dir := s.subjectDir(subjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	l := s.lock(subjectID, kind)
	l.Lock()
	defer l.Unlock()

	cur, haveCur, err := s.latestLocked(subjectID, kind)
	if err != nil {
		return Ref{}, err
	}

	if err := writeAtomic(dir, ref.Filename, payload); err != nil {
		return Ref{}, err
	}

	if !haveCur || capturedAt >= cur.CapturedAt {
		s.setLatest(ref)
		if err := s.writePointer(dir, ref, payload); err != nil {
			// The artifact itself is durable; only the convenience copy failed.
			s.log.Warn().Err(err).Str("subject", subjectID).Str("kind", string(kind)).Msg("latest pointer not updated")
		}
	}
	return ref, nil
}

// Latest returns the artifact with the greatest captured_at.
func (s *Store) Latest(subjectID string, kind Kind) (Ref, bool, error) {
	if err := ValidateName(subjectID); err != nil {
		return Ref{}, false, err
	}
	l := s.lock(subjectID, kind)
	l.Lock()
	defer l.Unlock()
	return s.latestLocked(subjectID, kind)
}

// List returns artifacts newest first.
func (s *Store) List(subjectID string, kind Kind, opts ListOptions) ([]Ref, error) {
	if err := ValidateName(subjectID); err != nil {
		return nil, err
	}
	dir := s.subjectDir(subjectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: dir, Err: err}
	}

	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		capturedAt, k, ok := splitName(e.Name())
		if !ok || k != kind {
			continue
		}
		if opts.Since != "" && capturedAt < opts.Since {
			continue
		}
		if opts.Date != "" && !strings.HasPrefix(capturedAt, opts.Date) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		refs = append(refs, Ref{
			SubjectID:  subjectID,
			Kind:       kind,
			CapturedAt: capturedAt,
			Filename:   e.Name(),
			Size:       info.Size(),
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].CapturedAt != refs[j].CapturedAt {
			return refs[i].CapturedAt > refs[j].CapturedAt
		}
		return refs[i].Filename > refs[j].Filename
	})
	if opts.Limit > 0 && len(refs) > opts.Limit {
		refs = refs[:opts.Limit]
	}
	return refs, nil
}

// AvailableDates lists the distinct YYYYMMDD days with artifacts, newest first.
func (s *Store) AvailableDates(subjectID string, kind Kind) ([]string, error) {
	refs, err := s.List(subjectID, kind, ListOptions{})
	if err != nil {
		return nil, err
	}
	dates := []string{}
	seen := make(map[string]bool)
	for _, r := range refs {
		d := r.Date()
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Get reads an artifact. A missing file yields ErrNotFound.
func (s *Store) Get(ref Ref) ([]byte, error) {
	if err := ValidateName(ref.SubjectID); err != nil {
		return nil, err
	}
	if err := ValidateName(ref.Filename); err != nil {
		return nil, err
	}
	p := filepath.Join(s.subjectDir(ref.SubjectID), ref.Filename)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ref.SubjectID, ref.Filename)
		}
		return nil, &StorageError{Op: "read", Path: p, Err: err}
	}
	return data, nil
}

// Resolve maps a file name from a URL to a Ref of the given kind. The
// latest.<ext> pointer resolves too. Names of another kind are not found.
func (s *Store) Resolve(subjectID string, kind Kind, filename string) (Ref, error) {
	if err := ValidateName(subjectID); err != nil {
		return Ref{}, err
	}
	if err := ValidateName(filename); err != nil {
		return Ref{}, err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if strings.TrimSuffix(filename, filepath.Ext(filename)) == latestName {
		if !kind.hasExt(ext) {
			return Ref{}, fmt.Errorf("%w: %s/%s", ErrNotFound, subjectID, filename)
		}
		return Ref{SubjectID: subjectID, Kind: kind, CapturedAt: latestName, Filename: filename}, nil
	}
	capturedAt, k, ok := splitName(filename)
	if !ok || k != kind {
		return Ref{}, fmt.Errorf("%w: %s/%s", ErrNotFound, subjectID, filename)
	}
	return Ref{SubjectID: subjectID, Kind: kind, CapturedAt: capturedAt, Filename: filename}, nil
}

// Subjects lists subject directories under the root.
func (s *Store) Subjects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: s.root, Err: err}
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// latestLocked must be called with the (subject, kind) lock held. A cached
// ref whose file was swept by retention is dropped and the directory rescanned.
func (s *Store) latestLocked(subjectID string, kind Kind) (Ref, bool, error) {
	key := lockKey(subjectID, kind)
	s.latestMu.Lock()
	ref, ok := s.latest[key]
	s.latestMu.Unlock()
	if ok {
		if _, err := os.Stat(filepath.Join(s.subjectDir(subjectID), ref.Filename)); err == nil {
			return ref, true, nil
		}
		s.latestMu.Lock()
		delete(s.latest, key)
		s.latestMu.Unlock()
	}

	refs, err := s.List(subjectID, kind, ListOptions{Limit: 1})
	if err != nil {
		return Ref{}, false, err
	}
	if len(refs) == 0 {
		return Ref{}, false, nil
	}
	s.setLatest(refs[0])
	return refs[0], true, nil
}

func (s *Store) setLatest(ref Ref) {
	s.latestMu.Lock()
	s.latest[lockKey(ref.SubjectID, ref.Kind)] = ref
	s.latestMu.Unlock()
}

func (s *Store) writePointer(dir string, ref Ref, payload []byte) error {
	ext := strings.ToLower(filepath.Ext(ref.Filename))
	if err := writeAtomic(dir, latestName+ext, payload); err != nil {
		return err
	}
	// Drop pointers left behind by a different extension of the same kind.
	for _, other := range extensions[ref.Kind] {
		if other == ext {
			continue
		}
		stale := filepath.Join(dir, latestName+other)
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "remove", Path: stale, Err: err}
		}
	}
	return nil
}

func (s *Store) lock(subjectID string, kind Kind) *sync.Mutex {
	key := lockKey(subjectID, kind)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = new(sync.Mutex)
		s.locks[key] = l
	}
	return l
}

func lockKey(subjectID string, kind Kind) string {
	return subjectID + "\x00" + string(kind)
}

func extFor(kind Kind, hint string) string {
	ext := strings.ToLower(filepath.Ext(hint))
	if kind.hasExt(ext) {
		return ext
	}
	return kind.DefaultExt()
}

// writeAtomic writes data to dir/name via a hidden temp file in the same
// directory, so the final rename is atomic.
func writeAtomic(dir, name string, data []byte) (err error) {
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return &StorageError{Op: "create", Path: final, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: final, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "sync", Path: final, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &StorageError{Op: "close", Path: final, Err: err}
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return &StorageError{Op: "chmod", Path: final, Err: err}
	}
	if err = os.Rename(tmpName, final); err != nil {
		return &StorageError{Op: "rename", Path: final, Err: err}
	}
	return nil
}
