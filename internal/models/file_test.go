package models

import (
	"encoding/json"
	"testing"
)

func TestUploadedFileIdentity(t *testing.T) {
	a := NewUploadedFile("store", "x.png", map[string]any{MetaSize: 1})
	b := NewUploadedFile("store", "x.png", map[string]any{MetaSize: 2})
	c := NewUploadedFile("cache", "x.png", nil)

	if !a.Equal(b) {
		t.Fatalf("metadata must not affect equality")
	}
	if a.Equal(c) {
		t.Fatalf("different storages must not be equal")
	}
	if !a.Matches(FileRef{ID: "x.png", Storage: "store"}) {
		t.Fatalf("expected ref match")
	}
	if !SameFile(nil, nil) || SameFile(&a, nil) || !SameFile(&a, &b) {
		t.Fatalf("unexpected SameFile results")
	}
	if got := a.Ref().String(); got != "store:x.png" {
		t.Fatalf("unexpected ref string %q", got)
	}
}

func TestUploadedFileMetadataAccessors(t *testing.T) {
	f := NewUploadedFile("store", "dir/photo.JPG", map[string]any{
		MetaFilename: "holiday.jpeg",
		MetaMimeType: "image/jpeg",
		MetaSize:     float64(42),
	})
	if f.Size() != 42 || f.MimeType() != "image/jpeg" || f.Filename() != "holiday.jpeg" {
		t.Fatalf("unexpected accessors %#v", f)
	}
	if f.Extension() != "jpg" {
		t.Fatalf("expected extension from id, got %q", f.Extension())
	}

	noExt := NewUploadedFile("store", "abc", map[string]any{MetaFilename: "notes.TXT"})
	if noExt.Extension() != "txt" {
		t.Fatalf("expected extension from filename, got %q", noExt.Extension())
	}
	if noExt.Size() != -1 {
		t.Fatalf("expected unknown size")
	}

	updated := f.WithMetadata(map[string]any{MetaSize: 7})
	if updated.Size() != 7 || f.Size() != 42 {
		t.Fatalf("WithMetadata must copy: %v %v", updated.Size(), f.Size())
	}
}

func TestUploadedFileMarshalAlwaysHasMetadata(t *testing.T) {
	raw, err := json.Marshal(UploadedFile{ID: "a", Storage: "store"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"id":"a","storage":"store","metadata":{}}` {
		t.Fatalf("unexpected json %s", raw)
	}
}

func TestParseUploadedFileJSON(t *testing.T) {
	f, err := ParseUploadedFileJSON([]byte(`{"id":"a","storage":"cache","metadata":{"size":"12"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Size() != 12 {
		t.Fatalf("expected string size to parse, got %d", f.Size())
	}

	cases := map[string]string{
		"missing id":      `{"storage":"cache"}`,
		"missing storage": `{"id":"a"}`,
		"bad metadata":    `{"id":"a","storage":"cache","metadata":[]}`,
		"null":            `null`,
		"invalid":         `{`,
	}
	for name, payload := range cases {
		if _, err := ParseUploadedFileJSON([]byte(payload)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseAction(t *testing.T) {
	if got, err := ParseAction(" Store "); err != nil || got != ActionStore {
		t.Fatalf("unexpected action %q %v", got, err)
	}
	if _, err := ParseAction(""); err == nil {
		t.Fatalf("expected empty action to fail")
	}
	if _, err := ParseAction("upload"); err == nil {
		t.Fatalf("expected unknown action to fail")
	}
}
