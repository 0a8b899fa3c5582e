package canon

import (
	"math"
	"strings"
	"testing"
)

func TestCanonicalSortsKeysNoWhitespace(t *testing.T) {
	got, err := Canonical(map[string]any{"z": 1, "a": 2})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != `{"a":2,"z":1}` {
		t.Errorf("Canonical = %s, want {\"a\":2,\"z\":1}", got)
	}
	if strings.ContainsAny(string(got), " \n\t") {
		t.Errorf("canonical form contains whitespace: %q", got)
	}
}

func TestCanonicalNestedSorting(t *testing.T) {
	got, err := Canonical(map[string]any{
		"outer": map[string]any{"b": []any{3, 2}, "a": "x"},
	})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != `{"outer":{"a":"x","b":[3,2]}}` {
		t.Errorf("Canonical = %s", got)
	}
}

func TestCanonicalStructFieldsSorted(t *testing.T) {
	in := struct {
		Zulu  int    `json:"zulu"`
		Alpha string `json:"alpha"`
	}{Zulu: 1, Alpha: "a"}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != `{"alpha":"a","zulu":1}` {
		t.Errorf("Canonical = %s", got)
	}
}

func TestHashFailsClosedOnNonFinite(t *testing.T) {
	for name, v := range map[string]float64{
		"nan":     math.NaN(),
		"posinf":  math.Inf(1),
		"neginf":  math.Inf(-1),
	} {
		if _, err := Hash(map[string]any{"v": v}); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestHashFormat(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") {
		t.Errorf("hash %q missing sha256: prefix", h)
	}
	if len(h) != len("sha256:")+64 {
		t.Errorf("hash %q has wrong length", h)
	}
	if h != strings.ToLower(h) {
		t.Errorf("hash %q not lowercase", h)
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(map[string]any{"x": 1, "y": "two"})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := Hash(map[string]any{"y": "two", "x": 1})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a != b {
		t.Errorf("hashes differ for equivalent objects: %s vs %s", a, b)
	}
}
