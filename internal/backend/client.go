// Package backend is the REST client for the acquisitions backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
)

// Client defines the backend operations used by the monitor and the CLI.
// This interface allows for easy mocking in tests.
type Client interface {
	// Lines returns production lines with their stations.
	Lines(ctx context.Context) ([]Line, error)

	Stations(ctx context.Context) ([]Station, error)
	Station(ctx context.Context, line, station string) (*Station, error)
	CreateStation(ctx context.Context, s Station) (*Station, error)
	UpdateStation(ctx context.Context, line, station string, s Station) (*Station, error)
	DeleteStation(ctx context.Context, line, station string) error

	Acquisitions(ctx context.Context) ([]acquisition.Record, error)
	AcquisitionsPage(ctx context.Context, page, pageSize int) ([]acquisition.Record, error)
	Acquisition(ctx context.Context, id string) (*acquisition.Record, error)

	// AcquisitionsByStation returns every acquisition of a line and station.
	// An incomplete selection returns an empty list without a request.
	AcquisitionsByStation(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error)

	// LatestSingle returns the most recent acquisition of a line and station.
	// An incomplete selection returns an empty list without a request.
	LatestSingle(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error)

	Latest(ctx context.Context) ([]acquisition.Record, error)
	AcquisitionsInRange(ctx context.Context, from, to time.Time) ([]acquisition.Record, error)
	Export(ctx context.Context, format string) ([]byte, error)

	Health(ctx context.Context) error
	HubStatus(ctx context.Context) (json.RawMessage, error)

	// ForwardImage relays a photo to the quality-control analysis service and
	// returns the analyzed image.
	ForwardImage(ctx context.Context, filename string) (*Image, error)
}

// HTTPClient is the real backend client using HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	normalizer *acquisition.Normalizer
	cache      *cache.Cache
	log        zerolog.Logger
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL  string        // API base URL, e.g. http://qc-server:5000
	Timeout  time.Duration // per request (default: 30s)
	LinesTTL time.Duration // line/station listing cache (default: 5m)
	Logger   zerolog.Logger
}

// NewClient creates a new backend client.
func NewClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ttl := cfg.LinesTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		normalizer: acquisition.NewNormalizer(baseURL),
		cache:      cache.New(ttl, ttl*2),
		log:        cfg.Logger.With().Str("component", "backend").Logger(),
	}
}

// Normalizer returns the normalizer bound to this client's base URL.
func (c *HTTPClient) Normalizer() *acquisition.Normalizer {
	return c.normalizer
}

func (c *HTTPClient) endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// get performs a GET request and unmarshals the response.
func (c *HTTPClient) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req, result)
	return err
}

// send performs a request with a JSON body and unmarshals the response.
func (c *HTTPClient) send(ctx context.Context, method, url string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, err = c.doRequest(req, result)
	return err
}

// records GETs url and normalizes a single-or-array payload.
func (c *HTTPClient) records(ctx context.Context, url string) ([]acquisition.Record, error) {
	var raw json.RawMessage
	if err := c.get(ctx, url, &raw); err != nil {
		return nil, err
	}
	return c.normalizer.NormalizeAll(raw), nil
}

// doRequest executes an HTTP request and maps failures onto apperr kinds.
// It returns the response headers for callers that need them.
func (c *HTTPClient) doRequest(req *http.Request, result any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, apperr.Network(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Path, apperr.Network(err))
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, apperr.FromStatus(resp.StatusCode, errorMessage(body)))
	}

	if result == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return resp.Header, nil
	}

	switch r := result.(type) {
	case *[]byte:
		*r = body
	default:
		if err := json.Unmarshal(body, result); err != nil {
			return nil, fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
		}
	}
	return resp.Header, nil
}

// errorMessage extracts the server's explanation from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.Message, payload.Error, payload.Detail, payload.Title} {
			if m != "" {
				return m
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
