package parser

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mchurichi/buildtail/pkg/store"
)

// ErrNoMessage is returned when a record carries neither a message nor a msg
// field; such records are discarded during normalization.
var ErrNoMessage = errors.New("record has no message")

// ParseLine parses one newline-delimited JSON log line into a normalized
// record.
func ParseLine(line string) (*store.Record, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, err
	}
	return Normalize(obj)
}

// Normalize maps a decoded log object to the canonical record shape. Field
// aliases: time→timestamp, msg→message, source/name→issuer, filename→file.
// A missing timestamp defaults to the current instant; the kind comes from
// the kind or level field via ClassifyKind. Fields outside the schema are
// folded into the data payload.
func Normalize(obj map[string]interface{}) (*store.Record, error) {
	rec := &store.Record{ID: store.NewID()}

	rec.Message = takeString(obj, "message", "msg")
	if rec.Message == "" {
		return nil, ErrNoMessage
	}

	rec.Timestamp = takeString(obj, "timestamp", "time")
	if rec.Timestamp == "" {
		rec.Timestamp = Now()
	}

	rec.Kind = ClassifyKind(takeString(obj, "kind", "level"))
	rec.Issuer = takeString(obj, "issuer", "source", "name")
	rec.File = takeString(obj, "file", "filename")
	rec.Request = takeString(obj, "request")
	rec.Loader = takeString(obj, "loader")
	rec.Stack = takeString(obj, "stack")

	if v, ok := obj["duration"]; ok {
		if f, isNum := v.(float64); isNum {
			rec.Duration = f
		}
		delete(obj, "duration")
	}
	if v, ok := obj["line"]; ok {
		if f, isNum := v.(float64); isNum {
			rec.Line = int(f)
		}
		delete(obj, "line")
	}

	// Remaining fields become the opaque data payload.
	if len(obj) > 0 {
		if data, err := json.Marshal(obj); err == nil {
			rec.Data = data
		}
	}

	return rec, nil
}

// ClassifyKind maps a source-specific level string to a canonical kind by
// case-insensitive substring match. The error check runs first so a value
// containing both "warn" and "error" tokens resolves to error. Classification
// only ever sees an explicit kind/level/type field, never message text.
func ClassifyKind(level string) store.Kind {
	v := strings.ToLower(strings.TrimSpace(level))
	switch {
	case v == "":
		return store.KindInfo
	case strings.Contains(v, "err"):
		return store.KindError
	case strings.Contains(v, "warn"):
		return store.KindWarn
	case strings.Contains(v, "debug"), strings.Contains(v, "trace"):
		return store.KindDebug
	case strings.Contains(v, "success"), strings.Contains(v, "done"):
		return store.KindSuccess
	case strings.Contains(v, "progress"):
		return store.KindProgress
	default:
		return store.KindInfo
	}
}

// takeString returns the first string value found under the given keys,
// removing every listed key from the object.
func takeString(obj map[string]interface{}, keys ...string) string {
	out := ""
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			if s, isStr := v.(string); isStr && out == "" {
				out = s
			}
			delete(obj, key)
		}
	}
	return out
}

// Now formats the current instant the way producer timestamps are stored.
// Overridable for tests.
var Now = func() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
