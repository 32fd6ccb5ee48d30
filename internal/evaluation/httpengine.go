package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	scanerrors "scanqa/internal/errors"
)

// HTTPEngine delegates inference to an external service. Load checks that the
// service knows the model; Predict posts the frame bytes and reads back a
// label to score map.
//
//	GET  {endpoint}/models/{name}          200 when the model is available
//	POST {endpoint}/models/{name}/predict  body: frame bytes
//	                                       reply: {"results": {"label": 0.5}}
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngine returns an engine for endpoint. A nil client gets one with
// timeout, or 60s when timeout is zero.
func NewHTTPEngine(endpoint string, client *http.Client, timeout time.Duration) (*HTTPEngine, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, scanerrors.Newf("evaluation endpoint is not configured").
			Component("evaluation").
			Category(scanerrors.CategoryConfiguration).
			Build()
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryConfiguration).
			Context("endpoint", endpoint).
			Build()
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPEngine{endpoint: endpoint, client: client}, nil
}

// Load implements Engine.
func (e *HTTPEngine) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	target := e.endpoint + "/models/" + url.PathEscape(spec.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if spec.File != "" {
		req.Header.Set("X-Model-File", spec.File)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryNetwork).
			Context("model", spec.Name).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, scanerrors.Newf("model %s unavailable: %s", spec.Name, resp.Status).
			Component("evaluation").
			Category(scanerrors.CategoryModelLoad).
			Context("model", spec.Name).
			Build()
	}
	return &httpModel{engine: e, spec: spec, target: target + "/predict"}, nil
}

type httpModel struct {
	engine *HTTPEngine
	spec   ModelSpec
	target string
}

type predictResponse struct {
	Results map[string]float64 `json:"results"`
}

func (m *httpModel) Predict(ctx context.Context, path string) (map[string]float64, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Frame-Name", filepath.Base(path))
	resp, err := m.engine.client.Do(req)
	if err != nil {
		return nil, scanerrors.New(err).
			Component("evaluation").
			Category(scanerrors.CategoryNetwork).
			Context("model", m.spec.Name).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, scanerrors.Newf("inference with %s failed: %s %s", m.spec.Name, resp.Status, strings.TrimSpace(string(msg))).
			Component("evaluation").
			Category(scanerrors.CategoryInference).
			Context("model", m.spec.Name).
			Build()
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, scanerrors.New(fmt.Errorf("decode inference response: %w", err)).
			Component("evaluation").
			Category(scanerrors.CategoryInference).
			Context("model", m.spec.Name).
			Build()
	}
	return filterResults(out.Results, m.spec.Predictions), nil
}
