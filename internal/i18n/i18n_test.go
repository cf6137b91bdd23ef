package i18n

import (
	"testing"

	"golang.org/x/text/language"
)

func TestTranslatorPicksLocale(t *testing.T) {
	c := NewCatalog()
	cases := []struct {
		locale string
		want   string
		tag    language.Tag
	}{
		{"", "Unknown block type: x", language.English},
		{"es-MX", "Tipo de bloque desconocido: x", language.Spanish},
		{"fr", "Type de bloc inconnu : x", language.French},
		{"zz-not-a-locale", "Unknown block type: x", language.English},
	}
	for _, tc := range cases {
		tr := c.For(tc.locale)
		if got := tr.T("Unknown block type: %s", "x"); got != tc.want {
			t.Fatalf("T(%q): want=%q got=%q", tc.locale, tc.want, got)
		}
		if tr.Language() != tc.tag {
			t.Fatalf("Language(%q): want=%s got=%s", tc.locale, tc.tag, tr.Language())
		}
	}
	if got := c.For("es").T("untranslated %d", 3); got != "untranslated 3" {
		t.Fatalf("fallback to message id: got=%q", got)
	}
}
