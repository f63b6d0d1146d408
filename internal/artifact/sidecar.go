package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
)

// MetadataSidecar keeps each subject's liveness record in metadata.json next
// to its artifacts. It implements liveness.Persister.
type MetadataSidecar struct {
	store *Store
}

func (s *Store) Sidecar() *MetadataSidecar {
	return &MetadataSidecar{store: s}
}

func (m *MetadataSidecar) Save(ctx context.Context, rec liveness.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(rec.SubjectID); err != nil {
		return err
	}
	dir := m.store.subjectDir(rec.SubjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("artifact: encode metadata for %s: %w", rec.SubjectID, err)
	}
	return writeAtomic(dir, metadataName, data)
}

// Load reads every readable sidecar. Unreadable ones are reported but do not
// hide the others.
func (m *MetadataSidecar) Load(ctx context.Context) ([]liveness.Record, error) {
	ids, err := m.store.Subjects()
	if err != nil {
		return nil, err
	}
	var (
		recs []liveness.Record
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		p := filepath.Join(m.store.subjectDir(id), metadataName)
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, &StorageError{Op: "read", Path: p, Err: err})
			continue
		}
		var rec liveness.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			errs = append(errs, fmt.Errorf("artifact: parse %s: %w", p, err))
			continue
		}
		// The directory name is authoritative.
		rec.SubjectID = id
		recs = append(recs, rec)
	}
	return recs, errors.Join(errs...)
}
