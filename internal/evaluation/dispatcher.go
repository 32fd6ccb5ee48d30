package evaluation

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	scanerrors "scanqa/internal/errors"
	"scanqa/internal/logging"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

// Dispatcher evaluates frames synchronously. Worker wraps it for callers that
// must not wait.
type Dispatcher struct {
	store        domain.PersistentStore
	settings     *settings.Resolver
	engine       Engine
	materializer *Materializer
	metrics      *Metrics
	logger       *slog.Logger
	concurrency  int
	tempDir      string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records evaluations on m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConcurrency bounds how many model groups run at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithTempDir sets the parent of the per-batch scratch directories. Empty
// means os.TempDir.
func WithTempDir(dir string) Option {
	return func(d *Dispatcher) { d.tempDir = dir }
}

// NewDispatcher returns a dispatcher reading model mappings through resolver.
func NewDispatcher(store domain.PersistentStore, resolver *settings.Resolver, engine Engine, materializer *Materializer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		settings:     resolver,
		engine:       engine,
		materializer: materializer,
		logger:       logging.ForService("evaluation"),
		concurrency:  1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.materializer == nil {
		d.materializer = NewMaterializer(nil, nil)
	}
	return d
}

type frameTask struct {
	frame   domain.Frame
	scan    domain.Scan
	project domain.Project
}

type modelGroup struct {
	spec  ModelSpec
	tasks []frameTask
}

type projectModels struct {
	fileModels  map[string]string
	modelFiles  map[string]string
	predictions map[string][]string
}

func (pm projectModels) spec(project domain.Project, scanType domain.ScanType) (ModelSpec, bool) {
	name := pm.fileModels[string(scanType)]
	if name == "" {
		name = project.EvaluationModels[scanType]
	}
	if name == "" {
		return ModelSpec{}, false
	}
	return ModelSpec{Name: name, File: pm.modelFiles[name], Predictions: pm.predictions[name]}, true
}

func (d *Dispatcher) projectModels(ctx context.Context, project domain.Project) (projectModels, error) {
	var pm projectModels
	var err error
	if pm.fileModels, err = d.settings.FileModels(ctx, project); err != nil {
		return pm, err
	}
	if pm.modelFiles, err = d.settings.ModelFiles(ctx, project); err != nil {
		return pm, err
	}
	pm.predictions, err = d.settings.ModelPredictions(ctx, project)
	return pm, err
}

// lookup walks from a frame up to its project.
func lookup(view domain.TransactionView, frameID string) (frameTask, bool) {
	frame, ok := view.FindFrame(frameID)
	if !ok {
		return frameTask{}, false
	}
	scan, ok := view.FindScan(frame.ScanID)
	if !ok {
		return frameTask{}, false
	}
	experiment, ok := view.FindExperiment(scan.ExperimentID)
	if !ok {
		return frameTask{}, false
	}
	project, ok := view.FindProject(experiment.ProjectID)
	if !ok {
		return frameTask{}, false
	}
	return frameTask{frame: frame, scan: scan, project: project}, true
}

func localFileMissing(frame domain.Frame) bool {
	if frame.Storage() != domain.FrameStorageLocal {
		return false
	}
	_, err := os.Stat(frame.RawPath)
	return err != nil
}

// EvaluateBatch evaluates every frame in batch and persists one Evaluation
// per frame. Frames that are gone, have no model for their scan type or whose
// local file is missing are skipped. A frame's failure is recorded in the
// outcome and does not stop the others. The returned error is non-nil only
// when the batch could not run at all or ctx ended.
func (d *Dispatcher) EvaluateBatch(ctx context.Context, batch Batch) (Outcome, error) {
	var outcome Outcome
	d.metrics.batch(batch.Size())

	var tasks []frameTask
	err := d.store.View(ctx, func(view domain.TransactionView) error {
		for _, projectID := range batch.ProjectIDs() {
			for _, frameID := range batch[projectID] {
				task, ok := lookup(view, frameID)
				if !ok {
					outcome.Skipped++
					continue
				}
				tasks = append(tasks, task)
			}
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}

	models := make(map[string]projectModels)
	groups := make(map[groupKey]*modelGroup)
	var order []groupKey
	for _, task := range tasks {
		pm, ok := models[task.project.ID]
		if !ok {
			if pm, err = d.projectModels(ctx, task.project); err != nil {
				return outcome, err
			}
			models[task.project.ID] = pm
		}
		spec, ok := pm.spec(task.project, task.scan.Type)
		if !ok {
			d.logger.Warn("no evaluation model for scan type", "frame_id", task.frame.ID, "scan_type", task.scan.Type)
			outcome.Skipped++
			continue
		}
		if localFileMissing(task.frame) {
			d.logger.Warn("frame file missing, skipping evaluation", "frame_id", task.frame.ID, "path", task.frame.RawPath)
			outcome.Skipped++
			continue
		}
		key := groupKey{model: spec.Name, file: spec.File}
		g, ok := groups[key]
		if !ok {
			g = &modelGroup{spec: spec}
			groups[key] = g
			order = append(order, key)
		}
		g.tasks = append(g.tasks, task)
	}
	if len(order) == 0 {
		return outcome, nil
	}

	dir, err := os.MkdirTemp(d.tempDir, "scanqa-eval-")
	if err != nil {
		return outcome, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryFileIO).
			Build()
	}
	defer func() { _ = os.RemoveAll(dir) }()

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(d.concurrency)
	for _, key := range order {
		group := groups[key]
		eg.Go(func() error {
			result := d.runGroup(ctx, dir, group)
			mu.Lock()
			outcome.merge(result)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(outcome.Failures, func(i, j int) bool {
		return outcome.Failures[i].FrameID < outcome.Failures[j].FrameID
	})
	d.logger.Info("evaluation batch finished",
		"frames", batch.Size(), "evaluated", outcome.Evaluated, "skipped", outcome.Skipped,
		"discarded", outcome.Discarded, "failed", len(outcome.Failures))
	return outcome, ctx.Err()
}

type groupKey struct {
	model string
	file  string
}

func (d *Dispatcher) runGroup(ctx context.Context, dir string, group *modelGroup) Outcome {
	var out Outcome
	model, err := d.load(ctx, group.spec)
	if err != nil {
		for _, task := range group.tasks {
			out.Failures = append(out.Failures, Failure{FrameID: task.frame.ID, Model: group.spec.Name, Error: err.Error()})
			d.metrics.evaluated(group.spec.Name, statusFailure)
		}
		return out
	}
	for _, task := range group.tasks {
		if err := ctx.Err(); err != nil {
			out.Failures = append(out.Failures, Failure{FrameID: task.frame.ID, Model: group.spec.Name, Error: err.Error()})
			continue
		}
		_, discarded, err := d.evaluate(ctx, dir, model, group.spec, task)
		switch {
		case err != nil:
			d.logger.Warn("frame evaluation failed", "frame_id", task.frame.ID, "model", group.spec.Name, "error", err)
			out.Failures = append(out.Failures, Failure{FrameID: task.frame.ID, Model: group.spec.Name, Error: err.Error()})
			d.metrics.evaluated(group.spec.Name, statusFailure)
		case discarded:
			out.Discarded++
			d.metrics.evaluated(group.spec.Name, statusDiscarded)
		default:
			out.Evaluated++
			d.metrics.evaluated(group.spec.Name, statusSuccess)
		}
	}
	return out
}

func (d *Dispatcher) load(ctx context.Context, spec ModelSpec) (Model, error) {
	start := time.Now()
	model, err := d.engine.Load(ctx, spec)
	d.metrics.modelLoaded(spec.Name, time.Since(start))
	if err != nil {
		var enhanced *scanerrors.EnhancedError
		if scanerrors.As(err, &enhanced) {
			return nil, err
		}
		return nil, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryModelLoad).
			Context("model", spec.Name).
			Build()
	}
	return model, nil
}

// evaluate scores one frame. discarded reports that the frame was deleted
// while the model ran, in which case nothing is stored.
func (d *Dispatcher) evaluate(ctx context.Context, dir string, model Model, spec ModelSpec, task frameTask) (domain.Evaluation, bool, error) {
	path, err := d.materializer.Materialize(ctx, dir, task.frame, task.project.BlobPublic)
	if err != nil {
		return domain.Evaluation{}, false, err
	}
	if path != task.frame.RawPath {
		defer func() { _ = os.Remove(path) }()
	}
	results, err := model.Predict(ctx, path)
	if err != nil {
		var enhanced *scanerrors.EnhancedError
		if !scanerrors.As(err, &enhanced) {
			err = scanerrors.New(err).
				Component("evaluation").
				Category(scanerrors.CategoryInference).
				Context("model", spec.Name).
				Build()
		}
		return domain.Evaluation{}, false, err
	}

	var saved domain.Evaluation
	gone := false
	_, err = d.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindFrame(task.frame.ID); !ok {
			gone = true
			return nil
		}
		var err error
		saved, err = tx.CreateEvaluation(domain.Evaluation{
			FrameID: task.frame.ID,
			Model:   spec.Name,
			Results: filterResults(results, spec.Predictions),
		})
		return err
	})
	if err != nil {
		return domain.Evaluation{}, false, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryDatabase).
			Build()
	}
	return saved, gone, nil
}

// EvaluateFrame evaluates a single frame and returns once its Evaluation is
// stored. Unlike EvaluateBatch every problem is returned as an error.
func (d *Dispatcher) EvaluateFrame(ctx context.Context, frameID string) (domain.Evaluation, error) {
	var (
		task  frameTask
		found bool
	)
	if err := d.store.View(ctx, func(view domain.TransactionView) error {
		task, found = lookup(view, frameID)
		return nil
	}); err != nil {
		return domain.Evaluation{}, err
	}
	if !found {
		return domain.Evaluation{}, scanerrors.NotFound("frame", frameID)
	}
	pm, err := d.projectModels(ctx, task.project)
	if err != nil {
		return domain.Evaluation{}, err
	}
	spec, ok := pm.spec(task.project, task.scan.Type)
	if !ok {
		return domain.Evaluation{}, scanerrors.ValidationError("no evaluation model is configured for scan type " + string(task.scan.Type))
	}

	dir, err := os.MkdirTemp(d.tempDir, "scanqa-eval-")
	if err != nil {
		return domain.Evaluation{}, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryFileIO).
			Build()
	}
	defer func() { _ = os.RemoveAll(dir) }()

	model, err := d.load(ctx, spec)
	if err != nil {
		d.metrics.evaluated(spec.Name, statusFailure)
		return domain.Evaluation{}, err
	}
	saved, discarded, err := d.evaluate(ctx, dir, model, spec, task)
	switch {
	case err != nil:
		d.metrics.evaluated(spec.Name, statusFailure)
		return domain.Evaluation{}, err
	case discarded:
		d.metrics.evaluated(spec.Name, statusDiscarded)
		return domain.Evaluation{}, scanerrors.NotFound("frame", frameID)
	}
	d.metrics.evaluated(spec.Name, statusSuccess)
	return saved, nil
}
