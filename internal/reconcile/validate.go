package reconcile

import (
	"fmt"
	"os"

	"scanqa/internal/blob"
	scanerrors "scanqa/internal/errors"
	"scanqa/pkg/domain"
)

// Warning reports data that was skipped rather than rejected.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Message
	}
	return w.Path + ": " + w.Message
}

// Scope restricts a document to one project. The zero Scope accepts every
// project.
type Scope struct {
	ProjectName string
}

// FileExists reports whether a local frame path exists.
type FileExists func(path string) bool

// LocalFileExists stats path on the local filesystem.
func LocalFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks doc against scope and returns a cleaned copy. Structural
// problems, foreign projects and unknown scan types are errors. Missing local
// frame files and unknown decision codes are dropped with a warning. The
// legacy last_decision field is folded into the decision list.
func Validate(doc Document, scope Scope, exists FileExists) (Document, []Warning, error) {
	if err := CheckStructure(doc); err != nil {
		return Document{}, nil, err
	}
	if exists == nil {
		exists = LocalFileExists
	}
	var warnings []Warning
	out := Document{Projects: make(map[string]ProjectDoc, len(doc.Projects))}
	for _, projectName := range sortedKeys(doc.Projects) {
		if scope.ProjectName != "" && projectName != scope.ProjectName {
			return Document{}, nil, scanerrors.ValidationError(fmt.Sprintf(
				"document names project %q but the import is scoped to %q", projectName, scope.ProjectName))
		}
		project := doc.Projects[projectName]
		cleanProject := ProjectDoc{Experiments: make(map[string]ExperimentDoc, len(project.Experiments))}
		for _, experimentName := range sortedKeys(project.Experiments) {
			experiment := project.Experiments[experimentName]
			cleanExperiment := ExperimentDoc{Notes: experiment.Notes, Scans: make(map[string]ScanDoc, len(experiment.Scans))}
			for _, scanName := range sortedKeys(experiment.Scans) {
				scan := experiment.Scans[scanName]
				path := projectName + "/" + experimentName + "/" + scanName
				if !domain.ScanType(scan.Type).Valid() {
					return Document{}, nil, scanerrors.ValidationError(fmt.Sprintf("scan %s has unknown type %q", path, scan.Type))
				}
				clean, scanWarnings := cleanScan(path, scan, exists)
				warnings = append(warnings, scanWarnings...)
				cleanExperiment.Scans[scanName] = clean
			}
			cleanProject.Experiments[experimentName] = cleanExperiment
		}
		out.Projects[projectName] = cleanProject
	}
	return out, warnings, nil
}

func cleanScan(path string, scan ScanDoc, exists FileExists) (ScanDoc, []Warning) {
	var warnings []Warning
	clean := scan
	clean.Frames = make(map[string]FrameDoc, len(scan.Frames))
	for _, number := range scan.FrameNumbers() {
		frame := scan.Frames[number]
		if frame.FileLocation != "" {
			loc, err := blob.ParseLocation(frame.FileLocation)
			if err != nil {
				warnings = append(warnings, Warning{Path: path, Message: fmt.Sprintf("frame %s: %v", number, err)})
				continue
			}
			if loc.IsLocal() && !exists(frame.FileLocation) {
				warnings = append(warnings, Warning{Path: path, Message: fmt.Sprintf("could not locate file %s", frame.FileLocation)})
				continue
			}
		}
		clean.Frames[number] = frame
	}

	decisions := scan.Decisions
	if !scan.LastDecision.Empty() {
		decisions = []DecisionDoc{*scan.LastDecision}
	}
	clean.LastDecision = nil
	clean.Decisions = make([]DecisionDoc, 0, len(decisions))
	for _, d := range decisions {
		if !domain.Decision(d.Decision).Valid() {
			warnings = append(warnings, Warning{Path: path, Message: fmt.Sprintf("%q is not a valid decision", d.Decision)})
			continue
		}
		clean.Decisions = append(clean.Decisions, d)
	}
	return clean, warnings
}
