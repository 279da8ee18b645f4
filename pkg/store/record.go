package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind is the canonical severity/category of a record.
type Kind string

const (
	KindInfo     Kind = "info"
	KindWarn     Kind = "warn"
	KindError    Kind = "error"
	KindDebug    Kind = "debug"
	KindSuccess  Kind = "success"
	KindProgress Kind = "progress"
)

// Record is one normalized log entry. Records are created by normalization in
// a producer, appended to the store once, and never mutated afterwards.
type Record struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Issuer    string          `json:"issuer,omitempty"`
	Message   string          `json:"message"`
	File      string          `json:"file,omitempty"`
	Line      int             `json:"line,omitempty"`
	Request   string          `json:"request,omitempty"`
	Loader    string          `json:"loader,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Time parses the record timestamp as RFC3339 (with or without fractional
// seconds). A malformed or empty timestamp yields the zero time, which orders
// before every real instant — such records never satisfy a `since` lower
// bound.
func (r *Record) Time() time.Time {
	if r.Timestamp == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
		return t
	}
	return time.Time{}
}

// ToJSON serializes the record.
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a record.
func FromJSON(data []byte) (*Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return &rec, err
}

// NewID creates a unique ID for a record.
func NewID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
