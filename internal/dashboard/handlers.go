package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
	"github.com/smartmob/pantarei/internal/backend"
)

const maxBodySize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// snapshot builds the full live view for browsers and /api/state.
func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		State:      s.manager.State(),
		Records:    s.manager.Records(),
		AnalysisID: s.analysis.Current(),
	}
	if latest, ok := s.manager.Latest(); ok {
		snap.Latest = &latest
	}
	return snap
}

// handleHealth returns service health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.manager.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"phase":     st.Phase,
		"connected": st.Connected(),
	})
}

// handleWebSocket upgrades a browser connection and registers it with the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if !s.hub.attach(conn) {
		_ = conn.Close()
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

type selectionRequest struct {
	Line    string `json:"line"`
	Station string `json:"station"`
}

// handleSelect changes the tracked line and station. An incomplete pair
// clears the live list.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	changed := s.sync.Select(r.Context(), req.Line, req.Station)
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"state":   s.manager.State(),
	})
}

// handleRefresh reloads the snapshot of the tracked selection, or of the
// pair in the body when one is given.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sel := s.sync.Selection()
	if r.ContentLength > 0 {
		var req selectionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		sel = acquisition.Selection{Line: req.Line, Station: req.Station}
	}
	if !sel.Valid() {
		writeError(w, &apperr.Error{Kind: apperr.KindValidation, Message: "Seleziona una linea e una postazione."})
		return
	}
	if err := s.sync.RefreshData(r.Context(), sel.Line, sel.Station); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleReconnect restarts the push channel with a fresh retry budget.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reconnect(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("manual reconnect failed")
		st := s.manager.State()
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": st.Error,
			"state": st,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.manager.State())
}

// handleHubStatus proxies the backend's push hub diagnostics.
func (s *Server) handleHubStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := s.backend.HubStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handleGetLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.backend.Lines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []backend.Line{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleGetAcquisitions lists the acquisitions of a station, filtered by the
// q search term and paginated.
func (s *Server) handleGetAcquisitions(w http.ResponseWriter, r *http.Request) {
	sel := acquisition.Selection{Line: chi.URLParam(r, "line"), Station: chi.URLParam(r, "station")}
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	size := queryInt(q.Get("pageSize"), acquisition.DefaultPageSize)

	records, err := s.backend.AcquisitionsByStation(r.Context(), sel)
	if err != nil {
		writeError(w, err)
		return
	}
	matched := acquisition.Filter(records, q.Get("q"))
	items, pages := acquisition.Page(matched, page, size)
	if page > pages {
		page = max(pages, 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    len(matched),
		"page":     page,
		"pageSize": size,
		"pages":    pages,
	})
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.backend.Stations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if stations == nil {
		stations = []backend.Station{}
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Station(r.Context(), chi.URLParam(r, "line"), chi.URLParam(r, "station"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	st, ok := decodeStation(w, r)
	if !ok {
		return
	}
	created, err := s.backend.CreateStation(r.Context(), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateStation(w http.ResponseWriter, r *http.Request) {
	st, ok := decodeStation(w, r)
	if !ok {
		return
	}
	updated, err := s.backend.UpdateStation(r.Context(), chi.URLParam(r, "line"), chi.URLParam(r, "station"), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteStation(r.Context(), chi.URLParam(r, "line"), chi.URLParam(r, "station")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeStation(w http.ResponseWriter, r *http.Request) (backend.Station, bool) {
	var st backend.Station
	if err := decodeJSON(w, r, &st); err != nil {
		writeError(w, err)
		return st, false
	}
	if err := st.Validate(); err != nil {
		writeError(w, &apperr.Error{Kind: apperr.KindValidation, Message: err.Error()})
		return st, false
	}
	return st, true
}

type analysisRequest struct {
	Filename string `json:"filename"`
}

// handleAnalyze relays a photo to the QC analysis service and keeps the
// result as the current analyzed image. Without a filename the photo of the
// latest record is used.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	filename := acquisition.Filename(strings.TrimSpace(req.Filename))
	if filename == "" {
		if latest, ok := s.manager.Latest(); ok {
			filename = latest.AnalysisFilename()
		}
	}
	if filename == "" {
		writeError(w, &apperr.Error{Kind: apperr.KindValidation, Message: "Nessuna immagine da analizzare."})
		return
	}

	img, err := s.backend.ForwardImage(r.Context(), filename)
	if err != nil {
		writeError(w, err)
		return
	}
	id := s.analysis.Store(img)
	s.hub.PublishAnalysis(id)
	s.log.Info().Str("filename", filename).Str("id", id).Int("bytes", len(img.Data)).Msg("image analyzed")

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          id,
		"url":         "/api/analysis/" + id,
		"filename":    filename,
		"contentType": img.ContentType,
		"size":        len(img.Data),
	})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	img, ok := s.analysis.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, apperr.FromStatus(http.StatusNotFound, ""))
		return
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	_, _ = w.Write(img.Data)
}

func (s *Server) handleClearAnalysis(w http.ResponseWriter, r *http.Request) {
	s.analysis.Revoke()
	s.hub.PublishAnalysis("")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its class and the end-user text.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.Classify(err)
	writeJSON(w, statusFor(err), map[string]any{
		"error": apperr.UserMessage(err),
		"kind":  kind,
	})
}

func statusFor(err error) int {
	switch apperr.Classify(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		if apperr.Status(err) == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindNetwork, apperr.KindServer, apperr.KindHubMethodMissing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &apperr.Error{Kind: apperr.KindValidation, Message: "Richiesta non valida.", Err: err}
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return def
	}
	return n
}
