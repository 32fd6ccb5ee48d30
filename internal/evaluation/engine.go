// Package evaluation runs image-quality models over frames and records one
// Evaluation per frame. Batches are grouped by model so each model loads once,
// and an async Worker lets imports hand off frames without waiting.
package evaluation

import (
	"context"

	scanerrors "scanqa/internal/errors"
)

// ModelSpec names a model and the file and prediction labels configured for
// it in the project's setting groups.
type ModelSpec struct {
	Name        string
	File        string
	Predictions []string
}

// Engine loads models. Implementations may be expensive to call; the
// dispatcher loads each model once per batch.
type Engine interface {
	Load(ctx context.Context, spec ModelSpec) (Model, error)
}

// Model scores one image file, returning a value per prediction label.
type Model interface {
	Predict(ctx context.Context, path string) (map[string]float64, error)
}

// Unavailable is the Engine used when no inference endpoint is configured.
// Every load fails, so frames are reported as failures rather than silently
// skipped.
type Unavailable struct{}

// Load implements Engine.
func (Unavailable) Load(_ context.Context, spec ModelSpec) (Model, error) {
	return nil, scanerrors.Newf("no inference endpoint configured").
		Component("evaluation").
		Category(scanerrors.CategoryConfiguration).
		Context("model", spec.Name).
		Build()
}

// filterResults keeps only the declared labels. An empty label list keeps
// everything the model returned.
func filterResults(results map[string]float64, labels []string) map[string]float64 {
	if len(labels) == 0 {
		return results
	}
	out := make(map[string]float64, len(labels))
	for _, label := range labels {
		if v, ok := results[label]; ok {
			out[label] = v
		}
	}
	return out
}
