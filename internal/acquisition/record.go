// Package acquisition defines the canonical inspection record ("acquisizione")
// and the normalizer that maps every server field-naming scheme onto it.
package acquisition

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// PublicImagePath is appended to the API base URL to build image display URLs.
const PublicImagePath = "/api/images/public/"

// Record is the canonical in-memory shape of an acquisition.
// Optional fields are pointers so that "absent" survives a JSON round trip as null.
type Record struct {
	ID          string `json:"id"`
	LineCode    string `json:"codLinea"`
	StationCode string `json:"codPostazione"`
	ArticleCode string `json:"codiceArticolo"`
	OrderCode   string `json:"codiceOrdine"`
	PhotoTop    string `json:"fotoSuperiore"`
	PhotoFront  string `json:"fotoFrontale"`

	QCEnabled *bool `json:"abilitaCq"`
	QCOutcome *bool `json:"esitoCqArticolo"` // nil = not tested

	InsertedAt *time.Time `json:"dataInserimento"`
	UpdatedAt  *time.Time `json:"dataAggiornamento"`

	Description  string   `json:"descrizione"`
	PinsCounted  *int     `json:"numSpineContate"`
	PinsExpected *int     `json:"numSpineAttese"`
	QCDeviation  *float64 `json:"scostamentoCqArticolo"`

	// Raw is the untransformed server payload.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Selection identifies a production line and station.
type Selection struct {
	Line    string `json:"line"`
	Station string `json:"station"`
}

// Valid reports whether both line and station are set.
func (s Selection) Valid() bool {
	return strings.TrimSpace(s.Line) != "" && strings.TrimSpace(s.Station) != ""
}

func (s Selection) String() string {
	return s.Line + "/" + s.Station
}

// Selection returns the record's selection key.
func (r Record) Selection() Selection {
	return Selection{Line: r.LineCode, Station: r.StationCode}
}

// QualityStatus is the display label of a QC outcome.
type QualityStatus string

const (
	QualityApproved  QualityStatus = "APPROVATO"
	QualityRejected  QualityStatus = "RESPINTO"
	QualityNotTested QualityStatus = "NON TESTATO"
)

// Quality maps the tri-state QC outcome to its label.
func (r Record) Quality() QualityStatus {
	switch {
	case r.QCOutcome == nil:
		return QualityNotTested
	case *r.QCOutcome:
		return QualityApproved
	default:
		return QualityRejected
	}
}

// AnalysisFilename returns the bare filename of the record's photo, preferring
// the top view. Empty when the record has no photo.
func (r Record) AnalysisFilename() string {
	for _, p := range []string{r.PhotoTop, r.PhotoFront} {
		if name := Filename(p); name != "" {
			return name
		}
	}
	return ""
}

// Normalizer converts server payloads into Records.
type Normalizer struct {
	imageBase string
}

// NewNormalizer returns a Normalizer that builds photo URLs under baseURL.
// An empty baseURL yields host-relative URLs.
func NewNormalizer(baseURL string) *Normalizer {
	return &Normalizer{imageBase: strings.TrimRight(baseURL, "/") + PublicImagePath}
}

// Normalize decodes a single server payload. It never fails: payloads that
// are not JSON objects produce an empty Record.
func (n *Normalizer) Normalize(payload json.RawMessage) Record {
	obj, ok := decodeObject(payload)
	if !ok {
		rec := Record{}
		if json.Valid(payload) {
			rec.Raw = append(json.RawMessage(nil), payload...)
		}
		return rec
	}
	rec := n.fromMap(obj)
	rec.Raw = append(json.RawMessage(nil), bytes.TrimSpace(payload)...)
	return rec
}

// NormalizeMap normalizes an already decoded object.
func (n *Normalizer) NormalizeMap(obj map[string]any) Record {
	rec := n.fromMap(obj)
	if obj != nil {
		if raw, err := json.Marshal(obj); err == nil {
			rec.Raw = raw
		}
	}
	return rec
}

// NormalizeAll accepts either a single object or an array of objects and
// always returns a list. null and malformed payloads yield an empty list.
func (n *Normalizer) NormalizeAll(payload json.RawMessage) []Record {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []Record{}
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return []Record{}
		}
		out := make([]Record, 0, len(items))
		for _, item := range items {
			if _, ok := decodeObject(item); !ok {
				continue
			}
			out = append(out, n.Normalize(item))
		}
		return out
	case '{':
		return []Record{n.Normalize(trimmed)}
	default:
		return []Record{}
	}
}

// NormalizeFirst returns the first record of a single-or-array payload.
func (n *Normalizer) NormalizeFirst(payload json.RawMessage) (Record, bool) {
	recs := n.NormalizeAll(payload)
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[0], true
}

func (n *Normalizer) fromMap(obj map[string]any) Record {
	var rec Record
	if obj == nil {
		return rec
	}
	rec.ID = text(lookup(obj, "id", "ID"))
	rec.LineCode = text(lookup(obj, "codLinea", "codicE_LINEA", "coD_LINEA_PROD"))
	rec.StationCode = text(lookup(obj, "codPostazione", "codicE_POSTAZIONE", "coD_POSTAZIONE"))
	rec.ArticleCode = text(lookup(obj, "codiceArticolo", "codicE_ARTICOLO"))
	rec.OrderCode = text(lookup(obj, "codiceOrdine", "codicE_ORDINE"))
	rec.PhotoTop = n.photoURL(text(lookup(obj, "fotoSuperiore", "fotO_SUPERIORE", "fotoAcquisizione")))
	rec.PhotoFront = n.photoURL(text(lookup(obj, "fotoFrontale", "fotO_FRONTALE")))
	rec.QCEnabled = boolean(lookup(obj, "abilitaCq", "abilitA_CQ"))
	rec.QCOutcome = boolean(lookup(obj, "esitoCqArticolo", "esitO_CQ_ARTICOLO"))
	rec.InsertedAt = timestamp(lookup(obj, "dataInserimento", "dT_INS", "dataAggiornamento"))
	rec.UpdatedAt = timestamp(lookup(obj, "dataAggiornamento", "dT_AGG"))
	rec.Description = description(obj)
	rec.PinsCounted = integer(lookup(obj, "numSpineContate"))
	rec.PinsExpected = integer(lookup(obj, "numSpineAttese"))
	rec.QCDeviation = number(lookup(obj, "scostamentoCqArticolo"))
	return rec
}

// photoURL reduces a path-like value to its filename and places it under the
// public image endpoint. Applying it to its own output is a no-op.
func (n *Normalizer) photoURL(v string) string {
	name := Filename(v)
	if name == "" {
		return ""
	}
	return n.imageBase + escapeSegment(name)
}
