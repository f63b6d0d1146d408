package artifact

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindImage, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("artifact: unknown kind %q", s)
}

var extensions = map[Kind][]string{
	KindImage: {".jpg", ".jpeg", ".png", ".webp"},
	KindVideo: {".mp4", ".webm", ".mkv", ".avi"},
}

// DefaultExt is used when the agent does not announce a usable filename.
func (k Kind) DefaultExt() string {
	return extensions[k][0]
}

func (k Kind) hasExt(ext string) bool {
	for _, e := range extensions[k] {
		if e == ext {
			return true
		}
	}
	return false
}

// URLPrefix is the static route artifacts of this kind are served from.
func (k Kind) URLPrefix() string {
	if k == KindVideo {
		return "/videos"
	}
	return "/screenshots"
}

// Ref addresses one stored artifact.
type Ref struct {
	SubjectID  string `json:"subject_id"`
	Kind       Kind   `json:"kind"`
	CapturedAt string `json:"captured_at"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
}

// URLPath is the query API path the artifact can be fetched from.
func (r Ref) URLPath() string {
	return path.Join(r.Kind.URLPrefix(), r.SubjectID, r.Filename)
}

// Date returns the YYYYMMDD prefix of CapturedAt, or "" if it has none.
func (r Ref) Date() string {
	return capturedDate(r.CapturedAt)
}

// CapturedTime parses the leading YYYYMMDD_HHMMSS part of a captured_at value.
func CapturedTime(capturedAt string) (time.Time, bool) {
	const layout = "20060102_150405"
	if len(capturedAt) < len(layout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, capturedAt[:len(layout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func capturedDate(capturedAt string) string {
	if len(capturedAt) < 8 {
		return ""
	}
	d := capturedAt[:8]
	for _, c := range d {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return d
}

const (
	latestName   = "latest"
	metadataName = "metadata.json"
)

// ValidateName reports whether s is safe to use as a single path segment
// under the artifact root: subject ids and captured_at values both end up in
// file paths.
func ValidateName(s string) error {
	switch {
	case s == "", s == ".", s == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	case len(s) > 200:
		return fmt.Errorf("%w: too long", ErrInvalidName)
	case strings.HasPrefix(s, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, s)
	case strings.ContainsAny(s, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

func validCapturedAt(s string) error {
	if err := ValidateName(s); err != nil {
		return err
	}
	if s == latestName {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, s)
	}
	return nil
}

// splitName splits a stored artifact file name into its captured_at and kind.
func splitName(name string) (capturedAt string, kind Kind, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" || base == latestName || strings.HasPrefix(name, ".") {
		return "", "", false
	}
	for _, k := range []Kind{KindImage, KindVideo} {
		if k.hasExt(ext) {
			return base, k, true
		}
	}
	return "", "", false
}
