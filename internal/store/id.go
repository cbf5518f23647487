package store

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// Largest multiple of 36 that fits a byte; higher bytes are redrawn so
	// every character is equally likely.
	base36Cutoff = 252

	recordSuffixLength = 4
	recordSuffixGrowth = 2
	// The suffix grows after this many collisions in a row.
	recordGrowEvery   = 5
	recordMaxAttempts = 20
)

// Record types become id prefixes and path segments of pretty storage
// locations, so they stay URL and filesystem safe.
var recordTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ParseRecordType normalizes and validates a record type.
func ParseRecordType(raw string) (string, error) {
	recordType := strings.ToLower(strings.TrimSpace(raw))
	if recordType == "" {
		return "", fmt.Errorf("record type is required")
	}
	if !recordTypePattern.MatchString(recordType) {
		return "", fmt.Errorf("invalid record type %q: use a lowercase letter followed by letters, digits or underscores (max 32)", raw)
	}
	return recordType, nil
}

// GenerateRecordID returns a new id such as photos-k3x9 for recordType.
// exists reports collisions; crowded types get longer suffixes.
func GenerateRecordID(recordType string, exists func(string) (bool, error)) (string, error) {
	recordType, err := ParseRecordType(recordType)
	if err != nil {
		return "", err
	}

	length := recordSuffixLength
	for attempt := 1; attempt <= recordMaxAttempts; attempt++ {
		suffix, err := randomBase36(length)
		if err != nil {
			return "", err
		}
		id := recordType + "-" + suffix
		if exists == nil {
			return id, nil
		}
		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("check record id %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
		if attempt%recordGrowEvery == 0 {
			length += recordSuffixGrowth
		}
	}
	return "", fmt.Errorf("no free %s id after %d attempts", recordType, recordMaxAttempts)
}

func randomBase36(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= base36Cutoff {
				continue
			}
			out = append(out, base36Alphabet[int(b)%len(base36Alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
