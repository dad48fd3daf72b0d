package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/smartmob/pantarei/internal/acquisition"
)

// Image is an image payload returned by the analysis relay.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Acquisitions returns every acquisition.
func (c *HTTPClient) Acquisitions(ctx context.Context) ([]acquisition.Record, error) {
	recs, err := c.records(ctx, c.endpoint("api", "Acquisizioni"))
	if err != nil {
		return nil, fmt.Errorf("list acquisitions: %w", err)
	}
	return recs, nil
}

// AcquisitionsPage returns one page of acquisitions.
func (c *HTTPClient) AcquisitionsPage(ctx context.Context, page, pageSize int) ([]acquisition.Record, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	recs, err := c.records(ctx, c.endpoint("api", "acquisizioni")+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("list acquisitions page %d: %w", page, err)
	}
	return recs, nil
}

// Acquisition returns a single acquisition by id.
func (c *HTTPClient) Acquisition(ctx context.Context, id string) (*acquisition.Record, error) {
	var raw json.RawMessage
	if err := c.get(ctx, c.endpoint("api", "Acquisizioni", id), &raw); err != nil {
		return nil, fmt.Errorf("get acquisition %s: %w", id, err)
	}
	rec := c.normalizer.Normalize(raw)
	return &rec, nil
}

// AcquisitionsByStation returns the acquisitions of a line and station.
func (c *HTTPClient) AcquisitionsByStation(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error) {
	if !sel.Valid() {
		return []acquisition.Record{}, nil
	}
	recs, err := c.records(ctx, c.endpoint("api", "Acquisizioni", sel.Line, sel.Station))
	if err != nil {
		return nil, fmt.Errorf("list acquisitions for %s: %w", sel, err)
	}
	return recs, nil
}

// LatestSingle returns the latest acquisition of a line and station as a list.
func (c *HTTPClient) LatestSingle(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error) {
	if !sel.Valid() {
		return []acquisition.Record{}, nil
	}
	recs, err := c.records(ctx, c.endpoint("api", "acquisizioni", "latest-single", "linea", sel.Line, "postazione", sel.Station))
	if err != nil {
		return nil, fmt.Errorf("latest acquisition for %s: %w", sel, err)
	}
	return recs, nil
}

// Latest returns the latest acquisitions across all stations.
func (c *HTTPClient) Latest(ctx context.Context) ([]acquisition.Record, error) {
	recs, err := c.records(ctx, c.endpoint("api", "acquisizioni", "latest"))
	if err != nil {
		return nil, fmt.Errorf("latest acquisitions: %w", err)
	}
	return recs, nil
}

// AcquisitionsInRange returns acquisitions inserted between from and to.
func (c *HTTPClient) AcquisitionsInRange(ctx context.Context, from, to time.Time) ([]acquisition.Record, error) {
	q := url.Values{}
	q.Set("startDate", isoTime(from))
	q.Set("endDate", isoTime(to))

	recs, err := c.records(ctx, c.endpoint("api", "acquisizioni", "range")+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("acquisitions in range: %w", err)
	}
	return recs, nil
}

// Export downloads all acquisitions in the given format (csv, xlsx, ...).
func (c *HTTPClient) Export(ctx context.Context, format string) ([]byte, error) {
	if format == "" {
		format = "csv"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("api", "acquisizioni", "export")+"?format="+url.QueryEscape(format), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")

	var data []byte
	if _, err := c.doRequest(req, &data); err != nil {
		return nil, fmt.Errorf("export acquisitions: %w", err)
	}
	return data, nil
}

// Health checks the backend health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	if err := c.get(ctx, c.endpoint("api", "health"), nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// HubStatus returns the backend's report on its push hub.
func (c *HTTPClient) HubStatus(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, c.endpoint("api", "signalr", "status"), &raw); err != nil {
		return nil, fmt.Errorf("hub status: %w", err)
	}
	return raw, nil
}

// ForwardImage relays filename to the quality-control analysis endpoint.
func (c *HTTPClient) ForwardImage(ctx context.Context, filename string) (*Image, error) {
	if filename == "" {
		return nil, fmt.Errorf("forward image: filename is required")
	}

	body, err := json.Marshal(map[string]string{"filename": filename})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "QualityControl", "forward"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	var data []byte
	header, err := c.doRequest(req, &data)
	if err != nil {
		return nil, fmt.Errorf("forward image %s: %w", filename, err)
	}

	ct := header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return &Image{Filename: filename, ContentType: ct, Data: data}, nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
