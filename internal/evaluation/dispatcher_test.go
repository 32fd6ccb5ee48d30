package evaluation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanqa/internal/blob"
	scanerrors "scanqa/internal/errors"
	memoryblob "scanqa/internal/infra/blob/memory"
	s3store "scanqa/internal/infra/blob/s3"
	"scanqa/internal/infra/persistence/memory"
	"scanqa/internal/logging"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

type fakeEngine struct {
	mu      sync.Mutex
	loads   map[string]int
	fail    map[string]error
	predict func(ctx context.Context, spec ModelSpec, path string) (map[string]float64, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{loads: map[string]int{}, fail: map[string]error{}}
}

func (e *fakeEngine) Load(_ context.Context, spec ModelSpec) (Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads[spec.Name]++
	if err := e.fail[spec.Name]; err != nil {
		return nil, err
	}
	return fakeModel{engine: e, spec: spec}, nil
}

func (e *fakeEngine) loadCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads[name]
}

type fakeModel struct {
	engine *fakeEngine
	spec   ModelSpec
}

func (m fakeModel) Predict(ctx context.Context, path string) (map[string]float64, error) {
	if m.engine.predict != nil {
		return m.engine.predict(ctx, m.spec, path)
	}
	return map[string]float64{"normal_variants": 0.9, "motion": 0.1}, nil
}

type fixture struct {
	store      *memory.Store
	engine     *fakeEngine
	project    domain.Project
	experiment domain.Experiment
	dir        string
	scratch    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(nil), engine: newFakeEngine(), dir: t.TempDir(), scratch: t.TempDir()}
	_, err := f.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		predictions, err := tx.CreateSettingGroup(domain.SettingGroup{Name: "predictions", Kind: domain.SettingModelPredictions,
			Entries: []domain.SettingEntry{{Key: domain.DefaultEvaluationModel, Value: "normal_variants"}}})
		if err != nil {
			return err
		}
		fileModels, err := tx.CreateSettingGroup(domain.SettingGroup{Name: "file models", Kind: domain.SettingFileModels,
			Entries: []domain.SettingEntry{{Key: string(domain.ScanT2), Value: "MIQAT1-0"}}})
		if err != nil {
			return err
		}
		p := domain.Project{Name: "study"}
		p.SetSettingGroupID(domain.SettingModelPredictions, predictions.ID)
		p.SetSettingGroupID(domain.SettingFileModels, fileModels.ID)
		if f.project, err = tx.CreateProject(p); err != nil {
			return err
		}
		f.experiment, err = tx.CreateExperiment(domain.Experiment{Name: "e", ProjectID: f.project.ID})
		return err
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) dispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	return f.dispatcherWith(t, nil, opts...)
}

func (f *fixture) dispatcherWith(t *testing.T, m *Materializer, opts ...Option) *Dispatcher {
	t.Helper()
	resolver := settings.NewResolver(f.store, time.Minute, logging.Discard())
	opts = append([]Option{WithLogger(logging.Discard()), WithTempDir(f.scratch), WithConcurrency(2)}, opts...)
	return NewDispatcher(f.store, resolver, f.engine, m, opts...)
}

// addScan creates a scan with one frame per location; locations starting
// with "present:" are written to disk first.
func (f *fixture) addScan(t *testing.T, name string, scanType domain.ScanType, locations ...string) []domain.Frame {
	t.Helper()
	var frames []domain.Frame
	_, err := f.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		scan, err := tx.CreateScan(domain.Scan{Name: name, Type: scanType, ExperimentID: f.experiment.ID})
		if err != nil {
			return err
		}
		for i, loc := range locations {
			frame := domain.Frame{ScanID: scan.ID, Number: i, RawPath: loc}
			if rest, ok := strings.CutPrefix(loc, "present:"); ok {
				frame.RawPath = filepath.Join(f.dir, rest)
				if err := os.WriteFile(frame.RawPath, []byte(rest), 0o644); err != nil {
					return err
				}
			}
			if rest, ok := strings.CutPrefix(loc, "upload:"); ok {
				frame.RawPath = ""
				frame.ContentKey = rest
			}
			created, err := tx.CreateFrame(frame)
			if err != nil {
				return err
			}
			frames = append(frames, created)
		}
		return nil
	})
	require.NoError(t, err)
	return frames
}

func (f *fixture) evaluations(t *testing.T, frameID string) []domain.Evaluation {
	t.Helper()
	var out []domain.Evaluation
	require.NoError(t, f.store.View(context.Background(), func(v domain.TransactionView) error {
		out = v.ListEvaluations(frameID)
		return nil
	}))
	return out
}

func TestEvaluateBatchGroupsByModel(t *testing.T) {
	f := newFixture(t)
	t1 := f.addScan(t, "t1", domain.ScanT1, "present:a.nii.gz", "present:b.nii.gz", filepath.Join(t.TempDir(), "gone.nii.gz"))
	fmri := f.addScan(t, "fmri", domain.ScanFMRI, "present:c.nii.gz")
	t2 := f.addScan(t, "t2", domain.ScanT2, "present:d.nii.gz")

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	d := f.dispatcher(t, WithMetrics(metrics))

	batch := Batch{f.project.ID: {t1[0].ID, t1[1].ID, t1[2].ID, fmri[0].ID, t2[0].ID, "missing-frame"}}
	outcome, err := d.EvaluateBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Evaluated)
	assert.Equal(t, 2, outcome.Skipped)
	assert.Empty(t, outcome.Failures)

	assert.Equal(t, 1, f.engine.loadCount(domain.DefaultEvaluationModel))
	assert.Equal(t, 1, f.engine.loadCount("MIQAT1-0"))

	evals := f.evaluations(t, t1[0].ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.DefaultEvaluationModel, evals[0].Model)
	assert.Equal(t, map[string]float64{"normal_variants": 0.9}, evals[0].Results)

	evals = f.evaluations(t, fmri[0].ID)
	require.Len(t, evals, 1)
	assert.Equal(t, "MIQAT1-0", evals[0].Model)
	assert.Len(t, evals[0].Results, 2)

	evals = f.evaluations(t, t2[0].ID)
	require.Len(t, evals, 1)
	assert.Equal(t, "MIQAT1-0", evals[0].Model)
	assert.Empty(t, f.evaluations(t, t1[2].ID))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.evaluations.WithLabelValues(domain.DefaultEvaluationModel, statusSuccess)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.batchSize))

	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvaluateBatchRecordsFailures(t *testing.T) {
	f := newFixture(t)
	t1 := f.addScan(t, "t1", domain.ScanT1, "present:a.nii.gz", "present:bad.nii.gz")
	fmri := f.addScan(t, "fmri", domain.ScanFMRI, "present:c.nii.gz")
	f.engine.fail["MIQAT1-0"] = errors.New("weights missing")
	f.engine.predict = func(_ context.Context, _ ModelSpec, path string) (map[string]float64, error) {
		if strings.HasSuffix(path, "bad.nii.gz") {
			return nil, errors.New("corrupt image")
		}
		return map[string]float64{"normal_variants": 0.5}, nil
	}

	outcome, err := f.dispatcher(t).EvaluateBatch(context.Background(), Batch{f.project.ID: {t1[0].ID, t1[1].ID, fmri[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Evaluated)
	require.Len(t, outcome.Failures, 2)

	byFrame := map[string]Failure{}
	for _, failure := range outcome.Failures {
		byFrame[failure.FrameID] = failure
	}
	assert.Contains(t, byFrame[t1[1].ID].Error, "corrupt image")
	assert.Equal(t, "MIQAT1-0", byFrame[fmri[0].ID].Model)
	assert.Contains(t, byFrame[fmri[0].ID].Error, "weights missing")
	assert.Len(t, f.evaluations(t, t1[0].ID), 1)
}

func TestEvaluateBatchDiscardsDeletedFrames(t *testing.T) {
	f := newFixture(t)
	frames := f.addScan(t, "t1", domain.ScanT1, "present:a.nii.gz")
	f.engine.predict = func(ctx context.Context, _ ModelSpec, _ string) (map[string]float64, error) {
		_, err := f.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.DeleteExperiment(f.experiment.ID)
		})
		return map[string]float64{"normal_variants": 1}, err
	}

	outcome, err := f.dispatcher(t).EvaluateBatch(context.Background(), Batch{f.project.ID: {frames[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Discarded)
	assert.Zero(t, outcome.Evaluated)
	assert.Empty(t, outcome.Failures)
}

func TestEvaluateBatchMaterializesRemoteFrames(t *testing.T) {
	f := newFixture(t)
	backend := s3store.NewMockBackend()
	backend.Seed("scans", "raw/a.nii.gz", []byte("remote-bytes"))
	resolver := blob.NewResolver(logging.Discard())
	resolver.Register("s3", func(_ context.Context, bucket string, public bool) (blob.Store, error) {
		return backend.Store(bucket, public), nil
	})
	content := memoryblob.New()
	_, err := content.Put(context.Background(), "uploads/b.nii.gz", strings.NewReader("uploaded-bytes"), blob.PutOptions{})
	require.NoError(t, err)

	frames := f.addScan(t, "t1", domain.ScanT1, "s3://scans/raw/a.nii.gz", "upload:uploads/b.nii.gz")
	var (
		mu   sync.Mutex
		seen = map[string]string{}
	)
	f.engine.predict = func(_ context.Context, _ ModelSpec, path string) (map[string]float64, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		seen[filepath.Base(path)] = string(data)
		mu.Unlock()
		return map[string]float64{"normal_variants": 0.2}, nil
	}

	d := f.dispatcherWith(t, NewMaterializer(resolver, content))
	outcome, err := d.EvaluateBatch(context.Background(), Batch{f.project.ID: {frames[0].ID, frames[1].ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Evaluated)
	assert.Equal(t, map[string]string{
		frames[0].ID + "_a.nii.gz": "remote-bytes",
		frames[1].ID + "_b.nii.gz": "uploaded-bytes",
	}, seen)

	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvaluateFrame(t *testing.T) {
	f := newFixture(t)
	t1 := f.addScan(t, "t1", domain.ScanT1, "present:a.nii.gz")
	fmri := f.addScan(t, "fmri", domain.ScanFMRI, "present:b.nii.gz", filepath.Join(t.TempDir(), "gone.nii.gz"))
	d := f.dispatcher(t)
	ctx := context.Background()

	eval, err := d.EvaluateFrame(ctx, t1[0].ID)
	require.NoError(t, err)
	assert.Equal(t, t1[0].ID, eval.FrameID)
	assert.NotEmpty(t, eval.ID)

	_, err = d.EvaluateFrame(ctx, "nope")
	assert.True(t, scanerrors.IsNotFound(err))

	_, err = d.EvaluateFrame(ctx, fmri[1].ID)
	assert.True(t, scanerrors.IsNotFound(err))

	f.engine.fail["MIQAT1-0"] = errors.New("no weights")
	_, err = d.EvaluateFrame(ctx, fmri[0].ID)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryModelLoad))

	_, err = f.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateProject(f.project.ID, func(p *domain.Project) error {
			delete(p.EvaluationModels, domain.ScanFMRI)
			return nil
		})
		return err
	})
	require.NoError(t, err)
	_, err = d.EvaluateFrame(ctx, fmri[0].ID)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))
}

func TestMetricsRegisterOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetrics(registry)
	require.NoError(t, err)
	_, err = NewMetrics(registry)
	assert.Error(t, err)

	var m *Metrics
	m.evaluated("x", statusSuccess)
	m.batch(3)
}
