package models

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrNotJSONObject is returned by ParseDocument for bodies that are not a JSON object.
var ErrNotJSONObject = errors.New("payload is not a JSON object")

// Document is a provider JSON object kept verbatim. Only top-level keys are
// indexed; nested values stay raw.
type Document struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// ParseDocument validates that b is a JSON object and indexes its top-level fields.
func ParseDocument(b []byte) (Document, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Document{}, ErrNotJSONObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Document{}, err
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return Document{raw: raw, fields: fields}, nil
}

// Raw returns the document bytes as received.
func (d Document) Raw() json.RawMessage {
	return d.raw
}

// IsEmpty reports whether the document has no fields.
func (d Document) IsEmpty() bool {
	return len(d.fields) == 0
}

// Field returns the raw value for a top-level key. JSON null counts as absent.
func (d Document) Field(name string) (json.RawMessage, bool) {
	v, ok := d.fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

// Has reports whether the top-level key is present and not null.
func (d Document) Has(name string) bool {
	_, ok := d.Field(name)
	return ok
}
