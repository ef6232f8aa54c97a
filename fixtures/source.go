package fixtures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/brettbedarf/projectfs/internal/util"
)

// Source produces the content of a fixture file.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// SourceConfig is the raw source object of an entry. Its "type" field selects
// the factory; the remaining fields depend on the type.
type SourceConfig map[string]any

var (
	mu        sync.RWMutex
	factories = map[string]func(raw []byte) (Source, error){
		"http": unmarshalHTTP,
	}
)

// RegisterSource ties a JSON raw factory to a "type" key.
func RegisterSource(sourceType string, unmarshal func(raw []byte) (Source, error)) {
	mu.Lock()
	factories[sourceType] = unmarshal
	mu.Unlock()
}

// NewSource picks the right factory based on the "type" field.
func NewSource(cfg SourceConfig) (Source, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var meta struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	mu.RLock()
	f, ok := factories[meta.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no source factory for %q", meta.Type)
	}
	return f(raw)
}

// HTTPSource fetches content with a single HTTP request.
type HTTPSource struct {
	URL     string            `json:"url"`
	Method  *string           `json:"method,omitempty"` // Default is GET
	Headers map[string]string `json:"headers,omitempty"`

	client *http.Client
}

func unmarshalHTTP(raw []byte) (Source, error) {
	var src HTTPSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, err
	}
	if src.URL == "" {
		return nil, fmt.Errorf("http source requires a url")
	}
	return &src, nil
}

func (h *HTTPSource) httpClient() *http.Client {
	if h.client != nil {
		return h.client
	}
	return http.DefaultClient
}

func (h *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	method := util.ValueOrDefault(h.Method, http.MethodGet)
	req, err := http.NewRequestWithContext(ctx, method, h.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s", method, h.URL, resp.Status)
	}
	return resp.Body, nil
}
