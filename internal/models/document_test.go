package models

import (
	"errors"
	"testing"
)

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantErr   bool
		wantEmpty bool
	}{
		{name: "object", in: `{"cod":200,"name":"Seoul"}`},
		{name: "empty object", in: `{}`, wantEmpty: true},
		{name: "leading whitespace", in: "  \n{\"a\":1}"},
		{name: "array", in: `[1,2]`, wantErr: true},
		{name: "empty body", in: ``, wantErr: true},
		{name: "html", in: `<html></html>`, wantErr: true},
		{name: "truncated", in: `{"cod":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDocument(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDocument(%q) error = %v", tt.in, err)
			}
			if doc.IsEmpty() != tt.wantEmpty {
				t.Errorf("IsEmpty() = %v, want %v", doc.IsEmpty(), tt.wantEmpty)
			}
		})
	}
}

func TestParseDocument_NotObjectSentinel(t *testing.T) {
	_, err := ParseDocument([]byte(`"text"`))
	if !errors.Is(err, ErrNotJSONObject) {
		t.Errorf("ParseDocument() error = %v, want ErrNotJSONObject", err)
	}
}

func TestDocument_Field(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"name":"Jamsil","main":{"temp":301.2},"gone":null}`))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if v, ok := doc.Field("main"); !ok || string(v) != `{"temp":301.2}` {
		t.Errorf("Field(main) = %s, %v", v, ok)
	}
	if doc.Has("gone") {
		t.Error("Has(gone) = true, want false for null value")
	}
	if doc.Has("missing") {
		t.Error("Has(missing) = true, want false")
	}
	if string(doc.Raw()) != `{"name":"Jamsil","main":{"temp":301.2},"gone":null}` {
		t.Errorf("Raw() = %s", doc.Raw())
	}
}
