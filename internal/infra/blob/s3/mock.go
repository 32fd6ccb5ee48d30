package s3

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockBackend is an in-process fake of the S3 REST surface used by Store:
// path-style HEAD, GET, PUT, DELETE and ListObjectsV2 across any number of
// buckets. Buckets marked with Deny answer 403 AccessDenied.
type MockBackend struct {
	mu      sync.Mutex
	objects map[string]mockObj
	denied  map[string]bool
}

type mockObj struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// NewMockBackend returns an empty fake.
func NewMockBackend() *MockBackend {
	return &MockBackend{objects: make(map[string]mockObj), denied: make(map[string]bool)}
}

// NewMockForTests returns a Store on a private fake holding one bucket.
func NewMockForTests() *Store { return NewMockBackend().Store("mock-bucket", false) }

// Store returns a Store for bucket whose requests are served by the fake.
func (m *MockBackend) Store(bucket string, anonymous bool) *Store {
	cfg := Config{
		Region:          "us-east-1",
		Bucket:          bucket,
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		Anonymous:       anonymous,
		HTTPClient:      &http.Client{Transport: m},
	}
	store, err := New(context.Background(), cfg)
	if err != nil {
		panic(fmt.Sprintf("mock s3 store: %v", err))
	}
	return store
}

// Deny makes every request against bucket fail with AccessDenied.
func (m *MockBackend) Deny(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[bucket] = true
}

// Seed stores an object directly, bypassing the client.
func (m *MockBackend) Seed(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = mockObj{body: append([]byte(nil), body...)}
}

// Object returns the stored bytes of bucket/key.
func (m *MockBackend) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj.body, ok
}

// RoundTrip implements http.RoundTripper.
func (m *MockBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	path := strings.TrimPrefix(req.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[bucket] {
		return xmlError(req, http.StatusForbidden, "AccessDenied"), nil
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req, bucket), nil
	}
	id := bucket + "/" + key
	switch req.Method {
	case http.MethodHead:
		obj, ok := m.objects[id]
		if !ok {
			return response(req, http.StatusNotFound, nil, http.Header{}), nil
		}
		return response(req, http.StatusOK, nil, objectHeader(obj)), nil
	case http.MethodGet:
		obj, ok := m.objects[id]
		if !ok {
			return xmlError(req, http.StatusNotFound, "NoSuchKey"), nil
		}
		return response(req, http.StatusOK, obj.body, objectHeader(obj)), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if isChunked(req) {
			if decoded, ok := decodeChunked(body); ok {
				body = decoded
			}
		}
		md := make(map[string]string)
		for name, values := range req.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
				md[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
			}
		}
		m.objects[id] = mockObj{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return response(req, http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(m.objects, id)
		return response(req, http.StatusNoContent, nil, http.Header{}), nil
	}
	return response(req, http.StatusNotImplemented, nil, http.Header{}), nil
}

func (m *MockBackend) list(req *http.Request, bucket string) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	var keys []string
	for id := range m.objects {
		b, key, _ := strings.Cut(id, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>",
			k, len(m.objects[bucket+"/"+k].body))
	}
	b.WriteString("</ListBucketResult>")
	return response(req, http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func objectHeader(obj mockObj) http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(obj.body))},
		"Etag":           {`"etag"`},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
	}
	if obj.contentType != "" {
		h.Set("Content-Type", obj.contentType)
	}
	for k, v := range obj.metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	return h
}

func xmlError(req *http.Request, status int, code string) *http.Response {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	return response(req, status, []byte(body), http.Header{"Content-Type": {"application/xml"}})
}

func response(req *http.Request, status int, body []byte, header http.Header) *http.Response {
	if req.Method != http.MethodHead && header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func isChunked(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") ||
		req.Header.Get("X-Amz-Decoded-Content-Length") != ""
}

// decodeChunked strips aws-chunked framing: <hex-size>[;ext]\r\n<data>\r\n
// repeated until a zero-size chunk, optionally followed by trailers.
func decodeChunked(b []byte) ([]byte, bool) {
	r := bufio.NewReader(bytes.NewReader(b))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, false
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, false
		}
		if size == 0 {
			return out.Bytes(), true
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, false
		}
		if _, err := r.Discard(2); err != nil {
			return nil, false
		}
	}
}
