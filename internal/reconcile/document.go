// Package reconcile converts between the normalized project hierarchy held in
// the entity store and the flat external document used for bulk import and
// export. Documents travel as JSON or as CSV with one row per frame.
package reconcile

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"

	scanerrors "scanqa/internal/errors"
)

// Document is the external representation of one or more projects.
type Document struct {
	Projects map[string]ProjectDoc `json:"projects"`
}

// ProjectDoc holds the experiments of one project keyed by name.
type ProjectDoc struct {
	Experiments map[string]ExperimentDoc `json:"experiments"`
}

// ExperimentDoc holds the scans of one experiment keyed by name.
type ExperimentDoc struct {
	Notes string             `json:"notes"`
	Scans map[string]ScanDoc `json:"scans"`
}

// ScanDoc describes one scan. Frames are keyed by frame number.
type ScanDoc struct {
	Type         string              `json:"type"`
	SubjectID    *string             `json:"subject_id"`
	SessionID    *string             `json:"session_id"`
	ScanLink     *string             `json:"scan_link"`
	Frames       map[string]FrameDoc `json:"frames"`
	Decisions    []DecisionDoc       `json:"decisions"`
	LastDecision *DecisionDoc        `json:"last_decision,omitempty"`
}

// FrameDoc points at a frame's image file.
type FrameDoc struct {
	FileLocation string `json:"file_location"`
}

// DecisionDoc is one reviewer decision in external form.
type DecisionDoc struct {
	Decision                string       `json:"decision"`
	Creator                 *string      `json:"creator"`
	Note                    string       `json:"note"`
	Created                 *string      `json:"created"`
	UserIdentifiedArtifacts ArtifactList `json:"user_identified_artifacts"`
	Location                *string      `json:"location"`
}

// Empty reports whether the decision carries no code. The legacy
// last_decision field uses an empty object for "no decision".
func (d *DecisionDoc) Empty() bool {
	return d == nil || strings.TrimSpace(d.Decision) == ""
}

// ArtifactList is the set of artifact names a reviewer marked present. It is
// written as a semicolon-joined string and read from either that form or a
// JSON list.
type ArtifactList []string

// ParseArtifactList splits a semicolon-joined list, dropping blanks.
func ParseArtifactList(raw string) ArtifactList {
	var out ArtifactList
	for _, part := range strings.Split(raw, ";") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// String joins the names with semicolons.
func (a ArtifactList) String() string {
	return strings.Join(a, ";")
}

// Contains reports whether name is listed.
func (a ArtifactList) Contains(name string) bool {
	for _, v := range a {
		if v == name {
			return true
		}
	}
	return false
}

// MarshalJSON writes the joined form, or null for an empty list.
func (a ArtifactList) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts null, a joined string or a list of strings.
func (a *ArtifactList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*a = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return err
		}
		*a = ParseArtifactList(strings.Join(names, ";"))
		return nil
	}
	var raw string
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	*a = ParseArtifactList(raw)
	return nil
}

// DecodeJSON reads a document, rejecting syntax errors and unknown fields.
func DecodeJSON(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, scanerrors.New(err).
			Component("reconcile").
			Category(scanerrors.CategoryInvalidFormat).
			Context("format", "json").
			Build()
	}
	return doc, nil
}

// EncodeJSON writes doc as indented JSON.
func EncodeJSON(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// CheckStructure verifies the shape every later step relies on: a projects
// object, a type on every scan and distinct integer frame numbers.
func CheckStructure(doc Document) error {
	if doc.Projects == nil {
		return scanerrors.ValidationError("document has no projects")
	}
	for projectName, project := range doc.Projects {
		for experimentName, experiment := range project.Experiments {
			for scanName, scan := range experiment.Scans {
				where := projectName + "/" + experimentName + "/" + scanName
				if strings.TrimSpace(scan.Type) == "" {
					return scanerrors.ValidationError("scan " + where + " has no type")
				}
				seen := make(map[int]string, len(scan.Frames))
				for _, key := range sortedKeys(scan.Frames) {
					n, err := strconv.Atoi(strings.TrimSpace(key))
					if err != nil {
						return scanerrors.ValidationError("scan " + where + " has non-integer frame number " + strconv.Quote(key))
					}
					if prev, dup := seen[n]; dup {
						return scanerrors.ValidationError("scan " + where + " repeats frame number " + strconv.Itoa(n) +
							" as " + strconv.Quote(prev) + " and " + strconv.Quote(key))
					}
					seen[n] = key
				}
			}
		}
	}
	return nil
}

// FrameNumbers returns the scan's frame keys ordered numerically. Keys must
// have passed CheckStructure.
func (s ScanDoc) FrameNumbers() []string {
	keys := make([]string, 0, len(s.Frames))
	for k := range s.Frames {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimSpace(keys[i]))
		b, _ := strconv.Atoi(strings.TrimSpace(keys[j]))
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
