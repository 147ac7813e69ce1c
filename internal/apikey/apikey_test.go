package apikey

import (
	"strings"
	"testing"
)

func TestNewShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k, err := New()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		if !strings.HasPrefix(k, Prefix) {
			t.Fatalf("missing prefix: %q", k)
		}
		if !Valid(k) {
			t.Fatalf("generated key not valid: %q", k)
		}
		if seen[k] {
			t.Fatalf("duplicate key generated: %q", k)
		}
		seen[k] = true
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"exp_",
		"exp_short",
		"notakey",
		"exp_" + strings.Repeat("!", 22),
		strings.Repeat("a", 40),
	} {
		if Valid(bad) {
			t.Errorf("Valid(%q) = true, want false", bad)
		}
	}
}

func TestMask(t *testing.T) {
	k, err := New()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	m := Mask(k)
	if !strings.HasSuffix(m, "...") {
		t.Fatalf("mask %q should end with ellipsis", m)
	}
	if len(m) >= len(k) {
		t.Fatalf("mask %q not shorter than key", m)
	}
	if Mask("exp_ab") != "exp_ab" {
		t.Fatalf("short strings should pass through")
	}
}
