package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDataColumn(t *testing.T) {
	column, err := Data{}.Column()
	if err != nil || column != nil {
		t.Fatalf("expected NULL column for empty data, got %q %v", column, err)
	}

	file := NewUploadedFile("store", "a.jpg", map[string]any{MetaSize: 10})
	column, err = Data{File: &file}.Column()
	if err != nil {
		t.Fatalf("column: %v", err)
	}
	if !strings.Contains(string(column), `"id":"a.jpg"`) || strings.Contains(string(column), "derivatives") {
		t.Fatalf("unexpected file column %s", column)
	}

	column, err = Data{Derivatives: DerivativeMap{"thumb": leaf("t")}}.Column()
	if err != nil {
		t.Fatalf("column: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(column, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["id"]; ok {
		t.Fatalf("derivatives-only column must not carry a file: %s", column)
	}
}

func TestParseData(t *testing.T) {
	for _, blank := range []string{"", "  ", "null"} {
		data, err := ParseData([]byte(blank))
		if err != nil || !data.Empty() {
			t.Fatalf("expected empty data for %q, got %#v %v", blank, data, err)
		}
	}

	data, err := ParseData([]byte(`{"id":"a","storage":"store","metadata":{"filename":"a.txt"},"derivatives":{"copy":{"id":"b","storage":"store"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if data.File == nil || data.File.Filename() != "a.txt" {
		t.Fatalf("unexpected file %#v", data.File)
	}
	if _, ok := data.Derivatives.File("copy"); !ok {
		t.Fatalf("expected copy derivative")
	}

	data, err = ParseData([]byte(`{"derivatives":{}}`))
	if err != nil || !data.Empty() {
		t.Fatalf("expected empty derivatives to parse as empty data, got %#v %v", data, err)
	}

	if _, err := ParseData([]byte(`{"id":"","storage":"store"}`)); err == nil {
		t.Fatalf("expected blank id to fail")
	}
	if _, err := ParseData([]byte(`not json`)); err == nil {
		t.Fatalf("expected invalid json to fail")
	}
}

func TestDataJSONRoundTripKeepsTree(t *testing.T) {
	file := NewUploadedFile("cache", "x", nil)
	in := Data{File: &file, Derivatives: DerivativeMap{"pages": DerivativeList{leaf("p")}}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Data
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !SameFile(in.File, out.File) {
		t.Fatalf("file changed: %#v", out.File)
	}
	if page, ok := out.Derivatives.File("pages", "0"); !ok || page.ID != "p" {
		t.Fatalf("unexpected derivatives %#v", out.Derivatives)
	}
}
