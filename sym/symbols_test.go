package sym

import (
	"testing"
	"unicode/utf8"
)

func TestRegistryGlyphsAreSingleRunes(t *testing.T) {
	for _, e := range registry {
		if utf8.RuneCountInString(e.glyph) != 1 {
			t.Errorf("glyph %q for %s should be a single rune", e.glyph, e.label)
		}
	}
}

func TestRegistryGlyphsAreUnique(t *testing.T) {
	seen := make(map[string]string, len(registry))
	for _, e := range registry {
		if prev, ok := seen[e.glyph]; ok {
			t.Errorf("glyph %q used by both %s and %s", e.glyph, prev, e.label)
		}
		seen[e.glyph] = e.label
	}
}

func TestLabelAndDescribe(t *testing.T) {
	if got := Label(Pulse); got != "pulse" {
		t.Errorf("Label(Pulse) = %q, want pulse", got)
	}
	if got := Label("?"); got != "?" {
		t.Errorf("Label of unknown glyph should echo it, got %q", got)
	}
	if Describe(Carousel) == "" {
		t.Error("Carousel should have a description")
	}
	if Describe("?") != "" {
		t.Error("unknown glyph should have no description")
	}
}
