package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Placeholder substitutes any listing field whose markup is absent.
const Placeholder = "NA"

// Attribute keys shared between the extraction and ingestion stages.
const (
	KeyPageURL        = "PageURL"
	KeyExtractionDate = "ExtractionDate"
	KeyAdvertPrice    = "AdvertPrice"
)

// DateLayout is the format used for ExtractionDate values.
const DateLayout = "2006-01-02"

// ListingStub holds the fields visible on the index page for one listing.
// Missing fields carry Placeholder. Immutable once produced.
type ListingStub struct {
	Price            string
	Title            string
	ShortDescription string
	Region           string
	DetailURL        string
}

// VehicleRecord is an insertion-ordered mapping from attribute name to value.
// The listing site exposes a variable attribute set per category, so keys are
// discovered at parse time rather than fixed as struct fields.
type VehicleRecord struct {
	keys   []string
	values map[string]string
}

// NewVehicleRecord returns an empty record.
func NewVehicleRecord() *VehicleRecord {
	return &VehicleRecord{values: make(map[string]string)}
}

// Set stores value under key. An existing key keeps its original position and
// takes the new value (last writer wins).
func (r *VehicleRecord) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value for key and whether it is present.
func (r *VehicleRecord) Get(key string) (string, bool) {
	if r == nil || r.values == nil {
		return "", false
	}
	v, ok := r.values[key]
	return v, ok
}

// Len reports the number of attributes.
func (r *VehicleRecord) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Keys returns the attribute names in insertion order.
func (r *VehicleRecord) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// PageURL returns the record's canonical identity, or "" when unset.
func (r *VehicleRecord) PageURL() string {
	v, _ := r.Get(KeyPageURL)
	return v
}

// MarshalJSON emits a JSON object preserving insertion order.
func (r *VehicleRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object of string values, preserving key order.
func (r *VehicleRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("vehicle record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("vehicle record: expected object, got %v", tok)
	}

	r.keys = r.keys[:0]
	r.values = make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("vehicle record key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("vehicle record: non-string key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("vehicle record value for %q: %w", key, err)
		}
		r.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("vehicle record close: %w", err)
	}
	return nil
}
