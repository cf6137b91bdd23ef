// Package i18n provides the translation service handed to blocks.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var translations = map[language.Tag]map[string]string{
	language.Spanish: {
		"Unknown block type: %s":              "Tipo de bloque desconocido: %s",
		"Check":                               "Comprobar",
		"Correct":                             "Correcto",
		"Incorrect":                           "Incorrecto",
		"You have used %d of %d attempts":     "Has usado %d de %d intentos",
		"No attempts remaining":               "No quedan intentos",
		"Post":                                "Publicar",
		"%d posts":                            "%d publicaciones",
		"This content could not be displayed": "Este contenido no se pudo mostrar",
		"Video unavailable":                   "Video no disponible",
	},
	language.French: {
		"Unknown block type: %s":              "Type de bloc inconnu : %s",
		"Check":                               "Vérifier",
		"Correct":                             "Correct",
		"Incorrect":                           "Incorrect",
		"You have used %d of %d attempts":     "Vous avez utilisé %d tentatives sur %d",
		"No attempts remaining":               "Plus aucune tentative",
		"Post":                                "Publier",
		"%d posts":                            "%d messages",
		"This content could not be displayed": "Ce contenu n'a pas pu être affiché",
		"Video unavailable":                   "Vidéo indisponible",
	},
}

// Catalog holds the message catalog and the locale matcher.
type Catalog struct {
	builder   *catalog.Builder
	supported []language.Tag
	matcher   language.Matcher
}

func NewCatalog() *Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	supported := []language.Tag{language.English}
	for tag, msgs := range translations {
		supported = append(supported, tag)
		for id, text := range msgs {
			_ = b.SetString(tag, id, text)
		}
	}
	return &Catalog{builder: b, supported: supported, matcher: language.NewMatcher(supported)}
}

// Set adds or replaces one translation.
func (c *Catalog) Set(locale, msgID, text string) error {
	return c.builder.SetString(language.Make(locale), msgID, text)
}

// Translator formats messages for one locale.
type Translator struct {
	tag     language.Tag
	printer *message.Printer
}

// For picks the best supported language for locale, English when nothing
// matches.
func (c *Catalog) For(locale string) *Translator {
	tag := language.English
	if locale != "" {
		if want, err := language.Parse(locale); err == nil {
			_, idx, conf := c.matcher.Match(want)
			if conf != language.No {
				tag = c.supported[idx]
			}
		}
	}
	return &Translator{tag: tag, printer: message.NewPrinter(tag, message.Catalog(c.builder))}
}

func (t *Translator) T(msgID string, args ...any) string {
	return t.printer.Sprintf(msgID, args...)
}

func (t *Translator) Language() language.Tag { return t.tag }
