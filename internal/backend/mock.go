package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
)

// MockClient is a test implementation of the Client interface.
// Use it in unit tests to avoid real backend calls.
type MockClient struct {
	mu sync.Mutex

	LinesResult    []Line
	StationsResult []Station
	Records        []acquisition.Record

	// LatestBySelection maps "line/station" to the LatestSingle result.
	LatestBySelection map[string][]acquisition.Record

	ImageResult *Image

	// Errors maps a method name (e.g. "LatestSingle") to the error it returns.
	Errors map[string]error

	// Calls records every call in order.
	Calls []Call
}

// Call is one recorded mock invocation.
type Call struct {
	Method string
	Args   []any
}

// NewMockClient creates a new mock client with empty state.
func NewMockClient() *MockClient {
	return &MockClient{
		LatestBySelection: make(map[string][]acquisition.Record),
		Errors:            make(map[string]error),
	}
}

// SetError configures the error returned by method.
func (m *MockClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method] = err
}

// SetLatest configures the LatestSingle result for sel.
func (m *MockClient) SetLatest(sel acquisition.Selection, recs []acquisition.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LatestBySelection[sel.String()] = recs
}

// CallsTo returns the recorded calls of method.
func (m *MockClient) CallsTo(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockClient) record(method string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Method: method, Args: args})
	return m.Errors[method]
}

func (m *MockClient) Lines(ctx context.Context) ([]Line, error) {
	if err := m.record("Lines"); err != nil {
		return nil, err
	}
	return m.LinesResult, nil
}

func (m *MockClient) Stations(ctx context.Context) ([]Station, error) {
	if err := m.record("Stations"); err != nil {
		return nil, err
	}
	return m.StationsResult, nil
}

func (m *MockClient) Station(ctx context.Context, line, station string) (*Station, error) {
	if err := m.record("Station", line, station); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.StationsResult {
		if s.LineCode == line && s.StationCode == station {
			found := s
			return &found, nil
		}
	}
	return nil, apperr.FromStatus(404, "")
}

func (m *MockClient) CreateStation(ctx context.Context, s Station) (*Station, error) {
	if err := m.record("CreateStation", s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StationsResult = append(m.StationsResult, s)
	return &s, nil
}

func (m *MockClient) UpdateStation(ctx context.Context, line, station string, s Station) (*Station, error) {
	if err := m.record("UpdateStation", line, station, s); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.StationsResult {
		if existing.LineCode == line && existing.StationCode == station {
			m.StationsResult[i] = s
			return &s, nil
		}
	}
	return nil, apperr.FromStatus(404, "")
}

func (m *MockClient) DeleteStation(ctx context.Context, line, station string) error {
	if err := m.record("DeleteStation", line, station); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.StationsResult[:0]
	for _, s := range m.StationsResult {
		if s.LineCode != line || s.StationCode != station {
			kept = append(kept, s)
		}
	}
	m.StationsResult = kept
	return nil
}

func (m *MockClient) Acquisitions(ctx context.Context) ([]acquisition.Record, error) {
	if err := m.record("Acquisitions"); err != nil {
		return nil, err
	}
	return m.Records, nil
}

func (m *MockClient) AcquisitionsPage(ctx context.Context, page, pageSize int) ([]acquisition.Record, error) {
	if err := m.record("AcquisitionsPage", page, pageSize); err != nil {
		return nil, err
	}
	recs, _ := acquisition.Page(m.Records, page, pageSize)
	return recs, nil
}

func (m *MockClient) Acquisition(ctx context.Context, id string) (*acquisition.Record, error) {
	if err := m.record("Acquisition", id); err != nil {
		return nil, err
	}
	for _, r := range m.Records {
		if r.ID == id {
			found := r
			return &found, nil
		}
	}
	return nil, apperr.FromStatus(404, "")
}

func (m *MockClient) AcquisitionsByStation(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error) {
	if !sel.Valid() {
		return []acquisition.Record{}, nil
	}
	if err := m.record("AcquisitionsByStation", sel); err != nil {
		return nil, err
	}
	out := []acquisition.Record{}
	for _, r := range m.Records {
		if r.Selection() == sel {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockClient) LatestSingle(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error) {
	if !sel.Valid() {
		return []acquisition.Record{}, nil
	}
	if err := m.record("LatestSingle", sel); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]acquisition.Record{}, m.LatestBySelection[sel.String()]...), nil
}

func (m *MockClient) Latest(ctx context.Context) ([]acquisition.Record, error) {
	if err := m.record("Latest"); err != nil {
		return nil, err
	}
	return m.Records, nil
}

func (m *MockClient) AcquisitionsInRange(ctx context.Context, from, to time.Time) ([]acquisition.Record, error) {
	if err := m.record("AcquisitionsInRange", from, to); err != nil {
		return nil, err
	}
	return m.Records, nil
}

func (m *MockClient) Export(ctx context.Context, format string) ([]byte, error) {
	if err := m.record("Export", format); err != nil {
		return nil, err
	}
	return []byte("id\n"), nil
}

func (m *MockClient) Health(ctx context.Context) error {
	return m.record("Health")
}

func (m *MockClient) HubStatus(ctx context.Context) (json.RawMessage, error) {
	if err := m.record("HubStatus"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (m *MockClient) ForwardImage(ctx context.Context, filename string) (*Image, error) {
	if err := m.record("ForwardImage", filename); err != nil {
		return nil, err
	}
	if m.ImageResult != nil {
		img := *m.ImageResult
		img.Filename = filename
		return &img, nil
	}
	return &Image{Filename: filename, ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}, nil
}

var _ Client = (*MockClient)(nil)
