package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/patrickmn/go-cache"
)

const linesCacheKey = "lines"

// Station is a station master-data row.
type Station struct {
	LineCode    string `json:"codLineaProd"`
	StationCode string `json:"codPostazione"`
}

// UnmarshalJSON accepts both the camelCase and the legacy segment keys.
func (s *Station) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v := firstString(raw, "codLineaProd", "coD_LINEA_PROD", "codLinea"); v != "" {
		s.LineCode = v
	}
	if v := firstString(raw, "codPostazione", "coD_POSTAZIONE"); v != "" {
		s.StationCode = v
	}
	return nil
}

// Validate checks that both codes are present.
func (s Station) Validate() error {
	var errs []string
	if strings.TrimSpace(s.LineCode) == "" {
		errs = append(errs, "line code is required")
	}
	if strings.TrimSpace(s.StationCode) == "" {
		errs = append(errs, "station code is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (s Station) trimmed() Station {
	return Station{LineCode: strings.TrimSpace(s.LineCode), StationCode: strings.TrimSpace(s.StationCode)}
}

// Line is a production line and the stations configured on it.
type Line struct {
	Code     string   `json:"code"`
	Stations []string `json:"stations"`
}

// lineRow is one row of the stations-per-line listing. The station column is
// a list of comma separated codes, sometimes sent as a plain string.
type lineRow struct {
	Line     string          `json:"coD_LINEA_PROD"`
	Stations json.RawMessage `json:"coD_POSTAZIONE"`
}

func (r lineRow) toLine() Line {
	var parts []string
	var list []string
	if err := json.Unmarshal(r.Stations, &list); err == nil {
		parts = list
	} else {
		var single string
		if err := json.Unmarshal(r.Stations, &single); err == nil {
			parts = []string{single}
		}
	}

	line := Line{Code: strings.TrimSpace(r.Line), Stations: []string{}}
	seen := make(map[string]bool)
	for _, p := range parts {
		for _, code := range strings.Split(p, ",") {
			code = strings.TrimSpace(code)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			line.Stations = append(line.Stations, code)
		}
	}
	return line
}

// Lines returns production lines with their stations. Results are cached.
func (c *HTTPClient) Lines(ctx context.Context) ([]Line, error) {
	if cached, ok := c.cache.Get(linesCacheKey); ok {
		return cached.([]Line), nil
	}

	var rows []lineRow
	if err := c.get(ctx, c.endpoint("api", "PostazioniPerLinea"), &rows); err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}

	lines := make([]Line, 0, len(rows))
	for _, r := range rows {
		if l := r.toLine(); l.Code != "" {
			lines = append(lines, l)
		}
	}
	c.cache.Set(linesCacheKey, lines, cache.DefaultExpiration)
	return lines, nil
}

// Stations returns all stations.
func (c *HTTPClient) Stations(ctx context.Context) ([]Station, error) {
	var stations []Station
	if err := c.get(ctx, c.endpoint("api", "Postazioni"), &stations); err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	if stations == nil {
		stations = []Station{}
	}
	return stations, nil
}

// Station returns a single station.
func (c *HTTPClient) Station(ctx context.Context, line, station string) (*Station, error) {
	var s Station
	if err := c.get(ctx, c.endpoint("api", "Postazioni", line, station), &s); err != nil {
		return nil, fmt.Errorf("get station %s/%s: %w", line, station, err)
	}
	return &s, nil
}

// CreateStation creates a station.
func (c *HTTPClient) CreateStation(ctx context.Context, s Station) (*Station, error) {
	s = s.trimmed()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	created := s
	if err := c.send(ctx, http.MethodPost, c.endpoint("api", "Postazioni"), s, &created); err != nil {
		return nil, fmt.Errorf("create station %s/%s: %w", s.LineCode, s.StationCode, err)
	}
	c.cache.Delete(linesCacheKey)
	return &created, nil
}

// UpdateStation replaces the station identified by line and station.
func (c *HTTPClient) UpdateStation(ctx context.Context, line, station string, s Station) (*Station, error) {
	s = s.trimmed()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	updated := s
	if err := c.send(ctx, http.MethodPut, c.endpoint("api", "Postazioni", line, station), s, &updated); err != nil {
		return nil, fmt.Errorf("update station %s/%s: %w", line, station, err)
	}
	c.cache.Delete(linesCacheKey)
	return &updated, nil
}

// DeleteStation removes a station.
func (c *HTTPClient) DeleteStation(ctx context.Context, line, station string) error {
	if err := c.send(ctx, http.MethodDelete, c.endpoint("api", "Postazioni", line, station), nil, nil); err != nil {
		return fmt.Errorf("delete station %s/%s: %w", line, station, err)
	}
	c.cache.Delete(linesCacheKey)
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
