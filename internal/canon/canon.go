// Package canon provides deterministic JSON canonicalization and SHA-256
// fingerprints shared by the journal, the timeline and the operation executor.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// HashPrefix is the canonical hash format prefix.
const HashPrefix = "sha256:"

// Canonical serializes v into canonical JSON: object keys sorted
// lexicographically, no extraneous whitespace, and a hard failure on NaN or
// infinite floats.
func Canonical(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder appends a newline; canonical form carries none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns "sha256:" + lowercase hex of the SHA-256 of v's canonical form.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:" + lowercase hex of the SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// normalize round-trips v into plain maps/slices so that encoding/json emits
// sorted keys regardless of the original struct field order, preserving number
// text via json.Number.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonicalize decode: %w", err)
	}
	if err := rejectNonFinite(out); err != nil {
		return nil, err
	}
	return out, nil
}

// rejectNonFinite walks a decoded value and fails closed on NaN/Infinity.
// json.Marshal already rejects non-finite float64 values; this guards number
// text that slipped in via json.RawMessage or pre-encoded payloads.
func rejectNonFinite(v any) error {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return fmt.Errorf("canonicalize: non-finite number %s", t)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := rejectNonFinite(t[k]); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := rejectNonFinite(e); err != nil {
				return err
			}
		}
	}
	return nil
}
