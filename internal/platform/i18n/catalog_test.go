package i18n

import (
	"strings"
	"testing"
)

func TestResolveLocale(t *testing.T) {
	tests := map[string]string{
		"":      BaseLocale,
		"en-US": "en-US",
		"pt-BR": "pt-BR",
		"pt":    "pt-BR",
		"de-DE": BaseLocale,
	}
	for in, want := range tests {
		if got := ResolveLocale(in); got != want {
			t.Errorf("ResolveLocale(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDescribeUsesLocaleCatalog(t *testing.T) {
	en := Describe("en-US", KeyBlockComplete, 45)
	if en != "Completed a 45-minute phone-free block" {
		t.Fatalf("en description = %q", en)
	}
	pt := Describe("pt-BR", KeyBlockComplete, 45)
	if !strings.Contains(pt, "45 minutos") {
		t.Fatalf("pt description = %q", pt)
	}
}

func TestErrorMessageTemplatesMetadata(t *testing.T) {
	got := ErrorMessage("en-US", "INVALID_RANGE", map[string]string{"Field": "duration", "Min": "15", "Max": "240"})
	if got != "duration must be between 15 and 240." {
		t.Fatalf("message = %q", got)
	}
}

func TestErrorMessageFallbacks(t *testing.T) {
	if got := ErrorMessage("pt-BR", "STORE_CONFLICT", nil); got != "Too many changes at once, try again." {
		t.Fatalf("expected base locale fallback, got %q", got)
	}
	if got := ErrorMessage("en-US", "NOPE", nil); got != "NOPE" {
		t.Fatalf("expected code fallback, got %q", got)
	}
}
