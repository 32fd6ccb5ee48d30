package reconcile

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"

	"scanqa/internal/blob"
	scanerrors "scanqa/internal/errors"
	"scanqa/internal/evaluation"
	"scanqa/internal/logging"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

// Export timestamps use this layout; import accepts it among many others.
const createdLayout = "2006-01-02 15:04:05"

var locationPattern = regexp.MustCompile(`^i=([^;]+);j=([^;]+);k=([^;]+)$`)

// Dispatcher receives the frames created by an import.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch evaluation.Batch) (evaluation.Job, error)
}

// Report summarizes an import or export.
type Report struct {
	Path        string           `json:"path"`
	Warnings    []Warning        `json:"warnings"`
	Projects    int              `json:"projects"`
	Experiments int              `json:"experiments"`
	Scans       int              `json:"scans"`
	Frames      int              `json:"frames"`
	Decisions   int              `json:"decisions"`
	Batch       evaluation.Batch `json:"batch,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
}

// Engine runs imports and exports against the entity store.
type Engine struct {
	store              domain.PersistentStore
	blobs              *blob.Resolver
	dispatcher         Dispatcher
	gate               *Gate
	exists             FileExists
	logger             *slog.Logger
	now                func() time.Time
	replaceNullCreated bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher hands imported frames to d for evaluation.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithReplaceNullCreated stamps decisions lacking a parseable creation time
// with the import time instead of leaving it empty.
func WithReplaceNullCreated(enabled bool) Option {
	return func(e *Engine) { e.replaceNullCreated = enabled }
}

// WithFileExists overrides the local frame existence check.
func WithFileExists(fn FileExists) Option {
	return func(e *Engine) {
		if fn != nil {
			e.exists = fn
		}
	}
}

// WithGate shares an import gate between engines.
func WithGate(g *Gate) Option {
	return func(e *Engine) {
		if g != nil {
			e.gate = g
		}
	}
}

// NewEngine returns an engine reading and writing documents through blobs.
func NewEngine(store domain.PersistentStore, blobs *blob.Resolver, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		blobs:  blobs,
		gate:   NewGate(),
		exists: LocalFileExists,
		logger: logging.ForService("reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.blobs == nil {
		e.blobs = blob.NewResolver(e.logger)
	}
	return e
}

type target struct {
	path   string
	public bool
	scope  Scope
	loc    blob.Location
}

func (e *Engine) resolveTarget(ctx context.Context, projectID string, export bool) (target, error) {
	var t target
	err := e.store.View(ctx, func(v domain.TransactionView) error {
		if projectID == "" {
			g := v.GlobalSettings()
			t.path = g.ImportPath
			if export {
				t.path = g.ExportPath
			}
			return nil
		}
		project, ok := v.FindProject(projectID)
		if !ok {
			return scanerrors.NotFound("project", projectID)
		}
		t.path = project.ImportPath
		if export {
			t.path = project.ExportPath
		}
		t.public = project.BlobPublic
		t.scope = Scope{ProjectName: project.Name}
		return nil
	})
	if err != nil {
		return target{}, err
	}
	kind := "import"
	if export {
		kind = "export"
	}
	if strings.TrimSpace(t.path) == "" {
		return target{}, scanerrors.ValidationError("no " + kind + " path is configured")
	}
	loc, err := blob.ParseLocation(t.path)
	if err != nil {
		return target{}, scanerrors.InvalidFormat(err.Error())
	}
	switch loc.Ext() {
	case ".csv", ".json":
	default:
		return target{}, scanerrors.InvalidFormat("invalid " + kind + " file " + t.path + ": must be CSV or JSON")
	}
	t.loc = loc
	return t, nil
}

// Import replaces the experiments of every project named in the configured
// import document. An empty projectID imports the global document. New frames
// are handed to the dispatcher without waiting for evaluation.
func (e *Engine) Import(ctx context.Context, projectID string) (Report, error) {
	t, err := e.resolveTarget(ctx, projectID, false)
	if err != nil {
		return Report{}, err
	}
	data, err := e.blobs.ReadAll(ctx, t.path, t.public)
	if err != nil {
		return Report{}, locationError(err, t.path, "read")
	}
	var doc Document
	if t.loc.Ext() == ".csv" {
		doc, err = DecodeCSV(bytes.NewReader(data), t.scope.ProjectName)
	} else {
		doc, err = DecodeJSON(bytes.NewReader(data))
	}
	if err != nil {
		return Report{}, err
	}
	report, err := e.Apply(ctx, doc, t.scope)
	report.Path = t.path
	return report, err
}

// Apply validates doc and replaces the named projects' experiments with its
// content in one transaction.
func (e *Engine) Apply(ctx context.Context, doc Document, scope Scope) (Report, error) {
	doc, warnings, err := Validate(doc, scope, e.exists)
	if err != nil {
		return Report{Warnings: warnings}, err
	}
	release, err := e.gate.Acquire(ctx, sortedKeys(doc.Projects)...)
	if err != nil {
		return Report{Warnings: warnings}, err
	}
	defer release()

	var report Report
	_, err = e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		report = Report{Warnings: warnings, Batch: evaluation.Batch{}}
		for _, name := range sortedKeys(doc.Projects) {
			project, ok := tx.FindProjectByName(name)
			if !ok {
				return scanerrors.NotFound("project", name)
			}
			if _, err := tx.DeleteProjectExperiments(project.ID); err != nil {
				return err
			}
			plans := e.planProject(tx, project, doc.Projects[name])
			if err := persistPlans(tx, project, plans, &report); err != nil {
				return err
			}
			report.Projects++
		}
		return nil
	})
	if err != nil {
		return Report{Warnings: warnings}, transactionError(err)
	}
	e.logger.Info("import applied",
		"projects", report.Projects, "experiments", report.Experiments, "scans", report.Scans,
		"frames", report.Frames, "decisions", report.Decisions, "warnings", len(report.Warnings))

	if report.Batch.Size() > 0 && e.dispatcher != nil {
		job, err := e.dispatcher.Dispatch(ctx, report.Batch)
		if err != nil {
			e.logger.Warn("evaluation dispatch failed", "frames", report.Batch.Size(), "error", err)
		} else {
			report.JobID = job.ID
		}
	}
	return report, nil
}

type scanPlan struct {
	scan      domain.Scan
	frames    []domain.Frame
	decisions []domain.ScanDecision
}

type experimentPlan struct {
	experiment domain.Experiment
	scans      []scanPlan
}

// planProject builds the new hierarchy in memory. Frames without a file
// location are not built; scans left without frames and experiments left
// without scans are pruned.
func (e *Engine) planProject(view domain.TransactionView, project domain.Project, doc ProjectDoc) []experimentPlan {
	artifacts := settings.ArtifactNames(settings.ResolveFrom(view, project, domain.SettingArtifacts))
	var plans []experimentPlan
	for _, experimentName := range sortedKeys(doc.Experiments) {
		experimentDoc := doc.Experiments[experimentName]
		plan := experimentPlan{experiment: domain.Experiment{
			Name:      experimentName,
			Note:      experimentDoc.Notes,
			ProjectID: project.ID,
		}}
		for _, scanName := range sortedKeys(experimentDoc.Scans) {
			scanDoc := experimentDoc.Scans[scanName]
			sp := scanPlan{scan: domain.Scan{
				Name:      scanName,
				Type:      domain.ScanType(scanDoc.Type),
				SubjectID: scanDoc.SubjectID,
				SessionID: scanDoc.SessionID,
				Link:      scanDoc.ScanLink,
			}}
			for _, number := range scanDoc.FrameNumbers() {
				frameDoc := scanDoc.Frames[number]
				if frameDoc.FileLocation == "" {
					continue
				}
				n, _ := strconv.Atoi(strings.TrimSpace(number))
				sp.frames = append(sp.frames, domain.Frame{Number: n, RawPath: frameDoc.FileLocation})
			}
			if len(sp.frames) == 0 {
				continue
			}
			for _, d := range scanDoc.Decisions {
				sp.decisions = append(sp.decisions, e.importDecision(view, d, artifacts))
			}
			plan.scans = append(plan.scans, sp)
		}
		if len(plan.scans) == 0 {
			continue
		}
		plans = append(plans, plan)
	}
	return plans
}

func persistPlans(tx domain.Transaction, project domain.Project, plans []experimentPlan, report *Report) error {
	for _, plan := range plans {
		experiment, err := tx.CreateExperiment(plan.experiment)
		if err != nil {
			return err
		}
		report.Experiments++
		for _, sp := range plan.scans {
			sp.scan.ExperimentID = experiment.ID
			scan, err := tx.CreateScan(sp.scan)
			if err != nil {
				return err
			}
			report.Scans++
			for _, frame := range sp.frames {
				frame.ScanID = scan.ID
				created, err := tx.CreateFrame(frame)
				if err != nil {
					return err
				}
				report.Frames++
				report.Batch[project.ID] = append(report.Batch[project.ID], created.ID)
			}
			// Documents list decisions newest first; record them oldest first so
			// the store sequence agrees when creation times tie.
			for i := len(sp.decisions) - 1; i >= 0; i-- {
				decision := sp.decisions[i]
				decision.ScanID = scan.ID
				if _, err := tx.CreateDecision(decision); err != nil {
					return err
				}
				report.Decisions++
			}
		}
	}
	return nil
}

// importDecision maps a document decision onto the entity. Every artifact of
// the project's group is recorded: present when listed, absent otherwise.
func (e *Engine) importDecision(view domain.TransactionView, d DecisionDoc, artifacts []string) domain.ScanDecision {
	out := domain.ScanDecision{
		Decision:  domain.Decision(d.Decision),
		Note:      d.Note,
		Created:   e.parseCreated(d.Created),
		Location:  parseDecisionLocation(d.Location),
		Artifacts: make(map[string]domain.ArtifactState, len(artifacts)),
	}
	if d.Creator != nil {
		if user, ok := view.FindUserByEmail(strings.TrimSpace(*d.Creator)); ok {
			id := user.ID
			out.CreatorID = &id
		}
	}
	for _, name := range artifacts {
		state := domain.ArtifactAbsent
		if d.UserIdentifiedArtifacts.Contains(name) {
			state = domain.ArtifactPresent
		}
		out.Artifacts[name] = state
	}
	return out
}

// parseCreated reads a free-text creation time at minute precision. Zoneless
// values are taken as UTC.
func (e *Engine) parseCreated(raw *string) *time.Time {
	if raw != nil && strings.TrimSpace(*raw) != "" {
		text := strings.TrimSpace(*raw)
		t, err := dateparse.ParseIn(text, time.UTC)
		if err != nil {
			t, err = cast.ToTimeInDefaultLocationE(text, time.UTC)
		}
		if err == nil {
			t = t.UTC().Truncate(time.Minute)
			return &t
		}
	}
	if e.replaceNullCreated {
		t := e.now().UTC().Truncate(time.Minute)
		return &t
	}
	return nil
}

func parseDecisionLocation(raw *string) *domain.Location {
	if raw == nil {
		return nil
	}
	m := locationPattern.FindStringSubmatch(strings.TrimSpace(*raw))
	if m == nil {
		return nil
	}
	return &domain.Location{I: m[1], J: m[2], K: m[3]}
}

func formatDecisionLocation(l *domain.Location) *string {
	if !l.Complete() {
		return nil
	}
	s := "i=" + l.I + ";j=" + l.J + ";k=" + l.K
	return &s
}

// Export writes the configured export document for projectID, or for every
// project when projectID is empty.
func (e *Engine) Export(ctx context.Context, projectID string) (Report, error) {
	t, err := e.resolveTarget(ctx, projectID, true)
	if err != nil {
		return Report{}, err
	}
	if t.loc.IsLocal() {
		parent := filepath.Dir(t.path)
		if _, err := os.Stat(parent); err != nil {
			return Report{}, scanerrors.NotFound("export location", parent)
		}
	}
	var doc Document
	err = e.store.View(ctx, func(v domain.TransactionView) error {
		var projects []domain.Project
		if projectID == "" {
			projects = v.ListProjects()
		} else {
			project, _ := v.FindProject(projectID)
			projects = []domain.Project{project}
		}
		doc = BuildDocument(v, projects)
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	doc, warnings, err := Validate(doc, t.scope, e.exists)
	if err != nil {
		return Report{}, err
	}

	var payload []byte
	contentType := "application/json"
	if t.loc.Ext() == ".csv" {
		payload, err = EncodeCSV(doc)
		contentType = "text/csv"
	} else {
		payload, err = EncodeJSON(doc)
	}
	if err != nil {
		return Report{}, err
	}
	if err := e.blobs.Write(ctx, t.path, t.public, payload, contentType); err != nil {
		return Report{}, locationError(err, t.path, "write")
	}
	report := countDocument(doc)
	report.Path = t.path
	report.Warnings = warnings
	e.logger.Info("export written", "path", t.path, "projects", report.Projects, "frames", report.Frames, "warnings", len(warnings))
	return report, nil
}

// BuildDocument inverts the hierarchy of projects into document form.
// Artifacts keep only names recorded as present, and creators are written
// as email addresses.
func BuildDocument(view domain.TransactionView, projects []domain.Project) Document {
	doc := Document{Projects: make(map[string]ProjectDoc, len(projects))}
	for _, project := range projects {
		projectDoc := ProjectDoc{Experiments: map[string]ExperimentDoc{}}
		for _, experiment := range view.ListExperiments(project.ID) {
			experimentDoc := ExperimentDoc{Notes: experiment.Note, Scans: map[string]ScanDoc{}}
			for _, scan := range view.ListScans(experiment.ID) {
				scanDoc := ScanDoc{
					Type:      string(scan.Type),
					SubjectID: scan.SubjectID,
					SessionID: scan.SessionID,
					ScanLink:  scan.Link,
					Frames:    map[string]FrameDoc{},
					Decisions: []DecisionDoc{},
				}
				for _, frame := range view.ListFrames(scan.ID) {
					scanDoc.Frames[strconv.Itoa(frame.Number)] = FrameDoc{FileLocation: frame.RawPath}
				}
				for _, decision := range view.ListDecisions(scan.ID) {
					scanDoc.Decisions = append(scanDoc.Decisions, exportDecision(view, decision))
				}
				experimentDoc.Scans[scan.Name] = scanDoc
			}
			projectDoc.Experiments[experiment.Name] = experimentDoc
		}
		doc.Projects[project.Name] = projectDoc
	}
	return doc
}

func exportDecision(view domain.TransactionView, d domain.ScanDecision) DecisionDoc {
	out := DecisionDoc{
		Decision:                string(d.Decision),
		Note:                    d.Note,
		UserIdentifiedArtifacts: ArtifactList(d.PresentArtifacts()),
		Location:                formatDecisionLocation(d.Location),
	}
	if d.CreatorID != nil {
		if user, ok := view.FindUser(*d.CreatorID); ok && user.Email != "" {
			email := user.Email
			out.Creator = &email
		}
	}
	if d.Created != nil {
		created := d.Created.UTC().Format(createdLayout)
		out.Created = &created
	}
	return out
}

func countDocument(doc Document) Report {
	var r Report
	for _, project := range doc.Projects {
		r.Projects++
		for _, experiment := range project.Experiments {
			r.Experiments++
			for _, scan := range experiment.Scans {
				r.Scans++
				r.Frames += len(scan.Frames)
				r.Decisions += len(scan.Decisions)
			}
		}
	}
	return r
}

func locationError(err error, path, op string) error {
	switch {
	case scanerrors.Is(err, fs.ErrNotExist):
		return scanerrors.New(err).
			Component("reconcile").
			Category(scanerrors.CategoryNotFound).
			Context("location", path).
			Build()
	case scanerrors.Is(err, fs.ErrPermission):
		return scanerrors.Newf("scanqa lacks permission to %s %s: %w", op, path, err).
			Component("reconcile").
			Category(scanerrors.CategoryPermissionDenied).
			Context("location", path).
			Build()
	case scanerrors.Is(err, blob.ErrUnsupported):
		return scanerrors.InvalidFormat(err.Error())
	default:
		return scanerrors.New(err).
			Component("reconcile").
			Category(scanerrors.CategoryFileIO).
			Context("location", path).
			Build()
	}
}

func transactionError(err error) error {
	var enhanced *scanerrors.EnhancedError
	if scanerrors.As(err, &enhanced) {
		return err
	}
	var violation domain.RuleViolationError
	if scanerrors.As(err, &violation) {
		return scanerrors.New(err).Component("reconcile").Category(scanerrors.CategoryValidation).Build()
	}
	return scanerrors.New(err).Component("reconcile").Category(scanerrors.CategoryDatabase).Build()
}
