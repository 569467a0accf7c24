package handle

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
)

// AdminIndex is the value index that conventionally holds HS_ADMIN
// metadata. It is not required to exist on a record.
const AdminIndex = 100

// ValueData is the typed payload of a single handle value.
type ValueData struct {
	Format string          `json:"format"`
	Value  json.RawMessage `json:"value"`
}

// Value is one entry of a record. Indices are registry-assigned and
// unique within the record only.
type Value struct {
	Index     int       `json:"index"`
	Type      string    `json:"type"`
	Data      ValueData `json:"data"`
	TTL       int       `json:"ttl"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the full set of values stored under one identifier.
type Record struct {
	ResponseCode int     `json:"responseCode"`
	Handle       string  `json:"handle"`
	Values       []Value `json:"values"`

	// Raw is the response body as received, kept for canonical export.
	Raw []byte `json:"-"`
}

// AdminValue returns the value at the conventional admin index, or nil
// if the record has none.
func (r *Record) AdminValue() *Value {
	for i := range r.Values {
		if r.Values[i].Index == AdminIndex {
			return &r.Values[i]
		}
	}
	return nil
}

// Value returns the value with the given index, or nil.
func (r *Record) Value(index int) *Value {
	for i := range r.Values {
		if r.Values[i].Index == index {
			return &r.Values[i]
		}
	}
	return nil
}

// MinTTL returns the smallest value TTL in seconds, or 0 if the record
// has no values. Handle TTLs bound how long a resolver may cache.
func (r *Record) MinTTL() int {
	min := 0
	for _, v := range r.Values {
		if v.TTL > 0 && (min == 0 || v.TTL < min) {
			min = v.TTL
		}
	}
	return min
}

// CanonicalJSON renders the record in RFC 8785 canonical form so that
// repeated exports of the same record are byte-identical and diffable.
func (r *Record) CanonicalJSON() ([]byte, error) {
	raw := r.Raw
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(r)
		if err != nil {
			return nil, err
		}
	}
	return jcs.Transform(raw)
}

// Page is one bounded slice of the enumeration of handles under a
// prefix. TotalCount arrives as a string on the wire and is advisory:
// it may fluctuate between pages while the registry mutates.
type Page struct {
	ResponseCode int      `json:"responseCode"`
	Prefix       string   `json:"prefix"`
	TotalCount   string   `json:"totalCount"`
	Page         int      `json:"page"`
	PageSize     int      `json:"pageSize"`
	Handles      []string `json:"handles"`
}

// Total coerces the advisory totalCount field. Callers must treat the
// result as a display hint, never as a stopping condition.
func (p *Page) Total() (int64, error) {
	return strconv.ParseInt(p.TotalCount, 10, 64)
}
