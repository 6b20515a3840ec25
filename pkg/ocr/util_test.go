package ocr

import (
	"testing"
	"unicode/utf8"
)

func TestSnippetCutsAtRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"Dark Magician", 20, "Dark Magician"},
		{"Dark Magician", 4, "Dark…"},
		{"Valkyrie Fünfte", 10, "Valkyrie F…"},
		{"Valkyrie Fünfte", 11, "Valkyrie Fü…"},
		{"青眼の白龍", 3, "青眼の…"},
		{"", 5, ""},
	}
	for _, c := range cases {
		got := Snippet(c.in, c.max)
		if got != c.want {
			t.Errorf("Snippet(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Snippet(%q, %d) produced invalid UTF-8", c.in, c.max)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Dark\tMagician\n\nATK  2500 "); got != "Dark Magician ATK 2500" {
		t.Fatalf("Normalize = %q", got)
	}
}
