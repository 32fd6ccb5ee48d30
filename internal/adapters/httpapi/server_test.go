package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanqa/internal/blob"
	"scanqa/internal/core"
	scanerrors "scanqa/internal/errors"
	"scanqa/internal/evaluation"
	"scanqa/internal/infra/persistence/memory"
	"scanqa/internal/logging"
	"scanqa/internal/reconcile"
	"scanqa/internal/review"
	"scanqa/pkg/domain"
)

type fakeJobs struct {
	mu      sync.Mutex
	batches []evaluation.Batch
	frames  []string
	jobs    map[string]evaluation.Job
}

func (f *fakeJobs) Dispatch(_ context.Context, batch evaluation.Batch) (evaluation.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	job := evaluation.Job{ID: "job-batch", Batch: batch, Status: evaluation.JobQueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) DispatchFrame(_ context.Context, frameID string) (evaluation.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frameID)
	job := evaluation.Job{ID: "job-frame", FrameID: frameID, Status: evaluation.JobQueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) GetJob(id string) (evaluation.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	return job, ok
}

type apiEnv struct {
	handler  http.Handler
	store    *memory.Store
	svc      *core.Service
	jobs     *fakeJobs
	project  domain.Project
	exp      domain.Experiment
	scan     domain.Scan
	admin    domain.User
	reviewer domain.User
	viewer   domain.User
	dir      string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(core.NewDefaultRulesEngine(nil))
	svc := core.NewService(store, core.WithLogger(logging.Discard()))
	env := &apiEnv{store: store, svc: svc, jobs: &fakeJobs{jobs: map[string]evaluation.Job{}}, dir: t.TempDir()}

	var err error
	env.project, err = svc.CreateProject(ctx, domain.Project{Name: "study"})
	require.NoError(t, err)
	env.admin, err = svc.CreateUser(ctx, domain.User{Username: "admin", Email: "admin@example.org", Superuser: true})
	require.NoError(t, err)
	env.reviewer, err = svc.CreateUser(ctx, domain.User{Username: "rev", Email: "rev@example.org"})
	require.NoError(t, err)
	env.viewer, err = svc.CreateUser(ctx, domain.User{Username: "view", Email: "view@example.org"})
	require.NoError(t, err)
	require.NoError(t, svc.Grant(ctx, env.project.ID, env.reviewer.ID, domain.GroupTier1))
	require.NoError(t, svc.Grant(ctx, env.project.ID, env.viewer.ID, domain.GroupCollaborator))
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		if env.exp, err = tx.CreateExperiment(domain.Experiment{Name: "exp", ProjectID: env.project.ID}); err != nil {
			return err
		}
		env.scan, err = tx.CreateScan(domain.Scan{Name: "scan", Type: domain.ScanT1, ExperimentID: env.exp.ID})
		return err
	})
	require.NoError(t, err)

	engine := reconcile.NewEngine(store, blob.NewResolver(logging.Discard()),
		reconcile.WithLogger(logging.Discard()), reconcile.WithDispatcher(env.jobs))
	server := New(Dependencies{
		Service:   svc,
		Reviews:   review.NewManager(store, logging.Discard()),
		Reconcile: engine,
		Jobs:      env.jobs,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    logging.Discard(),
	})
	env.handler = server.Handler()
	return env
}

func (e *apiEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRequiresUserHeader(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/experiments/"+env.exp.ID+"/lock", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/experiments/"+env.exp.ID+"/lock", "ghost", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLockLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	path := "/api/v1/experiments/" + env.exp.ID + "/lock"

	rec := env.do(t, http.MethodPost, path, env.reviewer.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exp domain.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	require.NotNil(t, exp.LockOwner)
	assert.Equal(t, env.reviewer.ID, *exp.LockOwner)

	rec = env.do(t, http.MethodPost, path, env.reviewer.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, path, env.admin.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodDelete, path, env.admin.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, path, env.viewer.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, path, env.reviewer.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	exp = domain.Experiment{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	assert.Nil(t, exp.LockOwner)

	rec = env.do(t, http.MethodPost, "/api/v1/experiments/missing/lock", env.reviewer.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDecision(t *testing.T) {
	env := newAPIEnv(t)
	body := `{"scan_id":"` + env.scan.ID + `","decision":"Q?","note":"blurry","location":{"i":"1","j":"2","k":"3"}}`

	rec := env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.reviewer.ID, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var decision domain.ScanDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, domain.DecisionQuestionable, decision.Decision)
	assert.Equal(t, "blurry", decision.Note)

	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.admin.ID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, scanerrors.ErrLockRequired.Error(), decodeError(t, rec).Message)

	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.viewer.ID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, scanerrors.ErrNoReviewCapability.Error(), decodeError(t, rec).Message)

	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.reviewer.ID, `{"scan_id":"`+env.scan.ID+`","decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.viewer.ID, `{"scan_id":"`+env.scan.ID+`","decision":"maybe"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.reviewer.ID, `{"decision":"U"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/scan-decisions", env.reviewer.ID, `{"scan_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportAndExportRoutes(t *testing.T) {
	env := newAPIEnv(t)
	frame := filepath.Join(env.dir, "f.nii.gz")
	require.NoError(t, os.WriteFile(frame, []byte("x"), 0o644))
	csv := "experiment_name,scan_name,scan_type,frame_number,file_location\nnew,s,T2,0," + frame + "\nnew,s,T2,1,/missing/file.nii.gz\n"
	importPath := filepath.Join(env.dir, "in.csv")
	require.NoError(t, os.WriteFile(importPath, []byte(csv), 0o644))
	_, err := env.svc.UpdateProject(context.Background(), env.project.ID, func(p *domain.Project) error {
		p.ImportPath = importPath
		p.ExportPath = filepath.Join(env.dir, "out.json")
		return nil
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/"+env.project.ID+"/import", env.reviewer.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/"+env.project.ID+"/import", env.admin.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Frames)
	assert.Len(t, report.Warnings, 1)
	require.Len(t, env.jobs.batches, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/"+env.project.ID+"/export", env.admin.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err = os.Stat(filepath.Join(env.dir, "out.json"))
	assert.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/api/v1/import", env.admin.ID, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectStatusAndGroups(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/projects/"+env.project.ID+"/status", env.viewer.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_scans":1,"total_complete":0}`, rec.Body.String())

	outsider, err := env.svc.CreateUser(context.Background(), domain.User{Username: "out", Email: "out@example.org"})
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/projects/"+env.project.ID+"/status", outsider.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.do(t, http.MethodPost, "/api/v1/experiments/"+env.exp.ID+"/lock", env.reviewer.ID, "")
	rec = env.do(t, http.MethodPut, "/api/v1/projects/"+env.project.ID+"/groups/tier_1_reviewer", env.admin.ID, `{"usernames":["out"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var update core.GroupUpdate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &update))
	assert.Equal(t, []string{"out"}, update.Added)
	assert.Equal(t, []string{"rev"}, update.Removed)
	assert.Equal(t, 1, update.LocksCleared)

	rec = env.do(t, http.MethodPut, "/api/v1/projects/"+env.project.ID+"/groups/owner", env.admin.ID, `{"usernames":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, "/api/v1/projects/"+env.project.ID+"/groups/tier_1_reviewer", env.viewer.ID, `{"usernames":[]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEvaluationRoutes(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/evaluations", env.admin.ID, `{"`+env.project.ID+`":["f1","f2"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job evaluation.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, evaluation.JobQueued, job.Status)
	assert.Equal(t, 2, env.jobs.batches[0].Size())

	rec = env.do(t, http.MethodPost, "/api/v1/evaluations", env.admin.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/evaluations", env.admin.ID, `[1]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/evaluations", env.reviewer.ID, `{"p":["f"]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/frames/f9/evaluate", env.admin.ID, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"f9"}, env.jobs.frames)

	rec = env.do(t, http.MethodGet, "/api/v1/evaluations/jobs/job-frame", env.admin.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job = evaluation.Job{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "f9", job.FrameID)
	rec = env.do(t, http.MethodGet, "/api/v1/evaluations/jobs/job-frame", env.reviewer.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/evaluations/jobs/none", env.reviewer.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobVisibilityFollowsProjectRoles(t *testing.T) {
	env := newAPIEnv(t)
	var frame domain.Frame
	_, err := env.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		frame, err = tx.CreateFrame(domain.Frame{ScanID: env.scan.ID, Number: 0, RawPath: "/data/f0.nii.gz"})
		return err
	})
	require.NoError(t, err)
	outsider, err := env.svc.CreateUser(context.Background(), domain.User{Username: "out", Email: "out@example.org"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/evaluations", env.admin.ID, `{"`+env.project.ID+`":["`+frame.ID+`"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/frames/"+frame.ID+"/evaluate", env.admin.ID, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	for _, id := range []string{"job-batch", "job-frame"} {
		rec = env.do(t, http.MethodGet, "/api/v1/evaluations/jobs/"+id, env.viewer.ID, "")
		assert.Equal(t, http.StatusOK, rec.Code, id)
		rec = env.do(t, http.MethodGet, "/api/v1/evaluations/jobs/"+id, outsider.ID, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, id)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
