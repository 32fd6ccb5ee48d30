package blob

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var uriPattern = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://([^/]+)/(.+)$`)

// Location is a parsed storage location. Local paths leave Scheme empty.
type Location struct {
	Raw    string
	Scheme string
	Bucket string
	Key    string
}

// ParseLocation classifies raw as a blob URI or a local path. A string that
// looks like a URI but lacks a bucket or key is rejected.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	if m := uriPattern.FindStringSubmatch(raw); m != nil {
		return Location{Raw: raw, Scheme: m[1], Bucket: m[2], Key: m[3]}, nil
	}
	if scheme, _, ok := strings.Cut(raw, "://"); ok && scheme != "" && !strings.ContainsAny(scheme, `/\`) {
		return Location{}, fmt.Errorf("malformed blob location %q: want scheme://bucket/key", raw)
	}
	return Location{Raw: raw}, nil
}

// IsLocal reports whether the location is a filesystem path.
func (l Location) IsLocal() bool { return l.Scheme == "" }

// Ext returns the lower-cased extension of the path or key.
func (l Location) Ext() string {
	if l.IsLocal() {
		return strings.ToLower(filepath.Ext(l.Raw))
	}
	return strings.ToLower(path.Ext(l.Key))
}

// Base returns the final element of the path or key.
func (l Location) Base() string {
	if l.IsLocal() {
		return filepath.Base(l.Raw)
	}
	return path.Base(l.Key)
}

func (l Location) String() string { return l.Raw }
