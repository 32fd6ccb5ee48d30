package reconcile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	scanerrors "scanqa/internal/errors"
)

// CSV column names, one row per frame.
const (
	ColProjectName         = "project_name"
	ColExperimentName      = "experiment_name"
	ColScanName            = "scan_name"
	ColScanType            = "scan_type"
	ColFrameNumber         = "frame_number"
	ColFileLocation        = "file_location"
	ColExperimentNotes     = "experiment_notes"
	ColSubjectID           = "subject_id"
	ColSessionID           = "session_id"
	ColScanLink            = "scan_link"
	ColLastDecision        = "last_decision"
	ColLastDecisionCreator = "last_decision_creator"
	ColLastDecisionNote    = "last_decision_note"
	ColLastDecisionCreated = "last_decision_created"
	ColIdentifiedArtifacts = "identified_artifacts"
	ColLocationOfInterest  = "location_of_interest"
)

// CSVColumns is the column order written by EncodeCSV.
var CSVColumns = []string{
	ColProjectName, ColExperimentName, ColScanName, ColScanType, ColFrameNumber,
	ColFileLocation, ColExperimentNotes, ColSubjectID, ColSessionID, ColScanLink,
	ColLastDecision, ColLastDecisionCreator, ColLastDecisionNote,
	ColLastDecisionCreated, ColIdentifiedArtifacts, ColLocationOfInterest,
}

var requiredColumns = []string{ColExperimentName, ColScanName, ColScanType, ColFrameNumber, ColFileLocation}

type csvRow struct {
	index  map[string]int
	record []string
}

func (r csvRow) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func (r csvRow) optional(col string) *string {
	v := r.get(col)
	if v == "" {
		return nil
	}
	return &v
}

// DecodeCSV builds a document from a frame-per-row CSV. Rows with an empty
// project_name belong to defaultProject; the first row of a scan carrying a
// last_decision supplies that scan's decision.
func DecodeCSV(r io.Reader, defaultProject string) (Document, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Document{}, scanerrors.ValidationError("csv document is empty")
	}
	if err != nil {
		return Document{}, invalidCSV(err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return Document{}, scanerrors.ValidationError("csv document is missing column " + col)
		}
	}

	doc := Document{Projects: map[string]ProjectDoc{}}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Document{}, invalidCSV(err)
		}
		line++
		row := csvRow{index: index, record: record}
		projectName := row.get(ColProjectName)
		if projectName == "" {
			projectName = defaultProject
		}
		if projectName == "" {
			return Document{}, scanerrors.ValidationError("csv row " + strconv.Itoa(line) + " has no project_name")
		}
		addRow(&doc, projectName, row)
	}
	return doc, nil
}

func addRow(doc *Document, projectName string, row csvRow) {
	project, ok := doc.Projects[projectName]
	if !ok {
		project = ProjectDoc{Experiments: map[string]ExperimentDoc{}}
	}
	experimentName := row.get(ColExperimentName)
	experiment, ok := project.Experiments[experimentName]
	if !ok {
		experiment = ExperimentDoc{Scans: map[string]ScanDoc{}}
	}
	if experiment.Notes == "" {
		experiment.Notes = row.get(ColExperimentNotes)
	}
	scanName := row.get(ColScanName)
	scan, ok := experiment.Scans[scanName]
	if !ok {
		scan = ScanDoc{
			Type:      row.get(ColScanType),
			SubjectID: row.optional(ColSubjectID),
			SessionID: row.optional(ColSessionID),
			ScanLink:  row.optional(ColScanLink),
			Frames:    map[string]FrameDoc{},
		}
	}
	scan.Frames[row.get(ColFrameNumber)] = FrameDoc{FileLocation: row.get(ColFileLocation)}
	if scan.LastDecision.Empty() && row.get(ColLastDecision) != "" {
		scan.LastDecision = &DecisionDoc{
			Decision:                row.get(ColLastDecision),
			Creator:                 row.optional(ColLastDecisionCreator),
			Note:                    row.get(ColLastDecisionNote),
			Created:                 row.optional(ColLastDecisionCreated),
			UserIdentifiedArtifacts: ParseArtifactList(row.get(ColIdentifiedArtifacts)),
			Location:                row.optional(ColLocationOfInterest),
		}
	}
	experiment.Scans[scanName] = scan
	project.Experiments[experimentName] = experiment
	doc.Projects[projectName] = project
}

// EncodeCSV flattens doc to one row per frame. Every row of a scan repeats
// the scan's current decision, the first entry of its decision list.
func EncodeCSV(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVColumns); err != nil {
		return nil, err
	}
	for _, projectName := range sortedKeys(doc.Projects) {
		project := doc.Projects[projectName]
		for _, experimentName := range sortedKeys(project.Experiments) {
			experiment := project.Experiments[experimentName]
			for _, scanName := range sortedKeys(experiment.Scans) {
				scan := experiment.Scans[scanName]
				var current DecisionDoc
				if len(scan.Decisions) > 0 {
					current = scan.Decisions[0]
				} else if !scan.LastDecision.Empty() {
					current = *scan.LastDecision
				}
				for _, number := range scan.FrameNumbers() {
					record := []string{
						projectName, experimentName, scanName, scan.Type, number,
						scan.Frames[number].FileLocation, experiment.Notes,
						deref(scan.SubjectID), deref(scan.SessionID), deref(scan.ScanLink),
						current.Decision, deref(current.Creator), current.Note,
						deref(current.Created), current.UserIdentifiedArtifacts.String(),
						deref(current.Location),
					}
					if err := w.Write(record); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func invalidCSV(err error) error {
	return scanerrors.New(err).
		Component("reconcile").
		Category(scanerrors.CategoryInvalidFormat).
		Context("format", "csv").
		Build()
}
