// Package app assembles the scanqa components from configuration. Both the
// HTTP server and the one-shot CLI commands start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"scanqa/internal/adapters/httpapi"
	"scanqa/internal/blob"
	"scanqa/internal/conf"
	"scanqa/internal/core"
	"scanqa/internal/evaluation"
	"scanqa/internal/logging"
	"scanqa/internal/reconcile"
	"scanqa/internal/review"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

const (
	shutdownTimeout = 10 * time.Second
	jobPollInterval = 200 * time.Millisecond
)

// App holds the wired components. Fields are read-only after New.
type App struct {
	Settings   *conf.Settings
	Store      domain.PersistentStore
	Service    *core.Service
	Reviews    *review.Manager
	Reconcile  *reconcile.Engine
	Dispatcher *evaluation.Dispatcher
	Worker     *evaluation.Worker
	Registry   *prometheus.Registry

	logger      *slog.Logger
	storeCloser io.Closer
}

// New opens the configured store and builds every component on top of it.
// The evaluation worker is started; Close stops it and releases the store.
func New(ctx context.Context, cfg *conf.Settings) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil settings")
	}
	logger := logging.ForService("app")

	rules := core.NewDefaultRulesEngine(cfg.Evaluation.Models)
	store, closer, err := core.OpenPersistentStore(ctx, cfg.Storage, rules)
	if err != nil {
		return nil, err
	}
	a := &App{Settings: cfg, Store: store, logger: logger, storeCloser: closer}
	if err := a.build(ctx); err != nil {
		_ = closer.Close()
		return nil, err
	}
	a.Worker.Start()
	logger.Info("scanqa initialized", "storage", cfg.Storage.Driver, "content_driver", cfg.Blob.ContentDriver,
		"inference", cfg.Evaluation.Endpoint != "")
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Settings
	a.Registry = prometheus.NewRegistry()
	if err := a.Registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	recorder, err := core.NewPrometheusMetricsRecorder(a.Registry)
	if err != nil {
		return err
	}
	evalMetrics, err := evaluation.NewMetrics(a.Registry)
	if err != nil {
		return err
	}

	resolver := settings.NewResolver(a.Store, cfg.Settings.CacheTTL, logging.ForService("settings"))
	a.Service = core.NewService(a.Store,
		core.WithLogger(logging.ForService("core")),
		core.WithMetricsRecorder(recorder),
		core.WithKnownModels(cfg.Evaluation.Models),
		core.WithSettingsResolver(resolver),
	)
	if err := a.Service.SeedGlobalSettings(ctx, domain.GlobalSettings{
		ImportPath: cfg.Global.ImportPath,
		ExportPath: cfg.Global.ExportPath,
	}); err != nil {
		return fmt.Errorf("seed global settings: %w", err)
	}
	a.Reviews = review.NewManager(a.Store, logging.ForService("review"))

	blobs := blob.DefaultResolver(cfg.Blob, logging.ForService("blob"))
	content, err := blob.OpenContentStore(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	engine, err := inferenceEngine(cfg.Evaluation, a.logger)
	if err != nil {
		return err
	}
	a.Dispatcher = evaluation.NewDispatcher(a.Store, resolver, engine, evaluation.NewMaterializer(blobs, content),
		evaluation.WithMetrics(evalMetrics),
		evaluation.WithLogger(logging.ForService("evaluation")),
		evaluation.WithConcurrency(cfg.Evaluation.Concurrency),
		evaluation.WithTempDir(cfg.Evaluation.TempDir),
	)
	a.Worker = evaluation.NewWorker(a.Dispatcher, cfg.Evaluation.QueueSize, logging.ForService("evaluation"),
		evaluation.WithJobRetention(cfg.Evaluation.JobRetention))

	a.Reconcile = reconcile.NewEngine(a.Store, blobs,
		reconcile.WithDispatcher(a.Worker),
		reconcile.WithLogger(logging.ForService("reconcile")),
		reconcile.WithReplaceNullCreated(cfg.Import.ReplaceNullCreationDatetimes),
	)
	return nil
}

func inferenceEngine(cfg conf.EvaluationSettings, logger *slog.Logger) (evaluation.Engine, error) {
	if cfg.Endpoint == "" {
		logger.Warn("no inference endpoint configured; evaluations will fail until evaluation.endpoint is set")
		return evaluation.Unavailable{}, nil
	}
	return evaluation.NewHTTPEngine(cfg.Endpoint, nil, cfg.Timeout)
}

// HTTPServer returns an API server over the app's components.
func (a *App) HTTPServer() *httpapi.Server {
	return httpapi.New(httpapi.Dependencies{
		Service:   a.Service,
		Reviews:   a.Reviews,
		Reconcile: a.Reconcile,
		Jobs:      a.Worker,
		Gatherer:  a.Registry,
		Logger:    logging.ForService("http"),
	})
}

// Serve runs the HTTP server on the configured address until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	server := a.HTTPServer()
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(a.Settings.HTTP.Addr) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

// WaitForJob polls the worker until the job finishes or ctx ends.
func (a *App) WaitForJob(ctx context.Context, id string) (evaluation.Job, error) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		job, ok := a.Worker.GetJob(id)
		if !ok {
			return evaluation.Job{}, fmt.Errorf("evaluation job %s not found", id)
		}
		if job.Status == evaluation.JobSucceeded || job.Status == evaluation.JobFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the worker and releases the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Worker != nil {
		if err := a.Worker.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop evaluation worker: %w", err))
		}
	}
	if a.storeCloser != nil {
		if err := a.storeCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
