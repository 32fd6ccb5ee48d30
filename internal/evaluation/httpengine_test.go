package evaluation

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "scanqa/internal/errors"
)

func newMockedEngine(t *testing.T) (*HTTPEngine, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	engine, err := NewHTTPEngine("http://inference.test/", &http.Client{Transport: transport}, 0)
	require.NoError(t, err)
	return engine, transport
}

func TestHTTPEnginePredict(t *testing.T) {
	engine, transport := newMockedEngine(t)
	transport.RegisterResponder(http.MethodGet, "http://inference.test/models/MIQAMix-0",
		httpmock.NewStringResponder(http.StatusOK, "{}"))
	transport.RegisterResponder(http.MethodPost, "http://inference.test/models/MIQAMix-0/predict",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			if string(body) != "voxels" || req.Header.Get("X-Frame-Name") != "a.nii.gz" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "unexpected request"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"results": map[string]float64{"normal_variants": 0.8, "motion": 0.3},
			})
		})

	path := filepath.Join(t.TempDir(), "a.nii.gz")
	require.NoError(t, os.WriteFile(path, []byte("voxels"), 0o644))

	model, err := engine.Load(context.Background(), ModelSpec{Name: "MIQAMix-0", Predictions: []string{"motion"}})
	require.NoError(t, err)
	results, err := model.Predict(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"motion": 0.3}, results)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestHTTPEngineErrors(t *testing.T) {
	engine, transport := newMockedEngine(t)
	transport.RegisterResponder(http.MethodGet, "http://inference.test/models/missing",
		httpmock.NewStringResponder(http.StatusNotFound, "no such model"))
	transport.RegisterResponder(http.MethodGet, "http://inference.test/models/flaky",
		httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder(http.MethodPost, "http://inference.test/models/flaky/predict",
		httpmock.NewStringResponder(http.StatusInternalServerError, "gpu on fire"))

	_, err := engine.Load(context.Background(), ModelSpec{Name: "missing"})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryModelLoad))

	model, err := engine.Load(context.Background(), ModelSpec{Name: "flaky"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "a.nii.gz")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err = model.Predict(context.Background(), path)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryInference))
	assert.Contains(t, err.Error(), "gpu on fire")

	_, err = model.Predict(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryFileIO))

	_, err = engine.Load(context.Background(), ModelSpec{Name: "unregistered"})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryNetwork))
}

func TestNewHTTPEngineRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPEngine(" ", nil, 0)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryConfiguration))

	_, err = NewHTTPEngine("not a url", nil, 0)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryConfiguration))
}
