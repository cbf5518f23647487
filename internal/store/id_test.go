package store

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRecordType(t *testing.T) {
	valid := map[string]string{
		"photos":       "photos",
		" Photos ":     "photos",
		"user_avatars": "user_avatars",
		"v2":           "v2",
	}
	for raw, want := range valid {
		got, err := ParseRecordType(raw)
		if err != nil || got != want {
			t.Fatalf("ParseRecordType(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}

	for _, raw := range []string{"", "  ", "2fast", "photos/1", "../etc", "a-b", strings.Repeat("x", 33)} {
		if _, err := ParseRecordType(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestGenerateRecordID(t *testing.T) {
	id, err := GenerateRecordID(" Photos ", nil)
	if err != nil {
		t.Fatalf("generate record id: %v", err)
	}
	if len(id) != len("photos-")+recordSuffixLength || !strings.HasPrefix(id, "photos-") {
		t.Fatalf("expected photos- prefix and %d char suffix, got %q", recordSuffixLength, id)
	}
	for _, c := range strings.TrimPrefix(id, "photos-") {
		if !strings.ContainsRune(base36Alphabet, c) {
			t.Fatalf("unexpected character %q in %q", c, id)
		}
	}
	if _, err := GenerateRecordID("bad type", nil); err == nil {
		t.Fatal("expected invalid record type to fail")
	}
}

func TestGenerateRecordIDGrowsSuffixOnCollisions(t *testing.T) {
	var seen []string
	exists := func(id string) (bool, error) {
		seen = append(seen, id)
		return len(seen) <= recordGrowEvery, nil
	}
	id, err := GenerateRecordID("photos", exists)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(seen) != recordGrowEvery+1 {
		t.Fatalf("expected %d lookups, got %d", recordGrowEvery+1, len(seen))
	}
	want := len("photos-") + recordSuffixLength + recordSuffixGrowth
	if len(id) != want {
		t.Fatalf("expected suffix to grow after %d collisions, got %q", recordGrowEvery, id)
	}
}

func TestGenerateRecordIDGivesUp(t *testing.T) {
	calls := 0
	_, err := GenerateRecordID("photos", func(string) (bool, error) {
		calls++
		return true, nil
	})
	if err == nil || calls != recordMaxAttempts {
		t.Fatalf("expected failure after %d attempts, got %v after %d", recordMaxAttempts, err, calls)
	}

	lookupErr := errors.New("db locked")
	if _, err := GenerateRecordID("photos", func(string) (bool, error) { return false, lookupErr }); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
