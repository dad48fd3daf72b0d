package acquisition

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultPageSize is the page size used when none is requested.
const DefaultPageSize = 5

// Matches reports whether term occurs, case-insensitively, in any value of
// the record. Booleans match as "positivo"/"negativo". An empty term matches.
func Matches(r Record, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	for _, s := range searchValues(r) {
		if strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

// Filter returns the records matching term, preserving order.
func Filter(records []Record, term string) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if Matches(r, term) {
			out = append(out, r)
		}
	}
	return out
}

// Page returns the 1-based page of records and the total page count.
// Out-of-range pages are clamped.
func Page(records []Record, page, size int) ([]Record, int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	total := (len(records) + size - 1) / size
	if total == 0 {
		return []Record{}, 0
	}
	if page < 1 {
		page = 1
	}
	if page > total {
		page = total
	}
	start := (page - 1) * size
	end := min(start+size, len(records))
	return records[start:end], total
}

func searchValues(r Record) []string {
	vals := []string{
		r.ID, r.LineCode, r.StationCode, r.ArticleCode, r.OrderCode,
		r.Description, string(r.Quality()),
	}
	for _, b := range []*bool{r.QCEnabled, r.QCOutcome} {
		if b != nil {
			vals = append(vals, boolLabel(*b))
		}
	}
	if r.InsertedAt != nil {
		vals = append(vals, r.InsertedAt.Format("02/01/2006 15:04:05"))
	}
	if len(r.Raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			vals = flatten(v, vals)
		}
	}
	return vals
}

func flatten(v any, acc []string) []string {
	switch t := v.(type) {
	case map[string]any:
		for _, e := range t {
			acc = flatten(e, acc)
		}
	case []any:
		for _, e := range t {
			acc = flatten(e, acc)
		}
	case bool:
		acc = append(acc, boolLabel(t))
	case json.Number:
		acc = append(acc, t.String())
	case string:
		acc = append(acc, t)
	case float64:
		acc = append(acc, strconv.FormatFloat(t, 'f', -1, 64))
	}
	return acc
}

func boolLabel(b bool) string {
	if b {
		return "positivo"
	}
	return "negativo"
}
