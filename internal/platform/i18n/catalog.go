// Package i18n registers the message catalogs used for ledger descriptions and
// user-facing error messages.
package i18n

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// BaseLocale is the canonical source locale for catalogs.
const BaseLocale = "en-US"

// Ledger description keys. Values are x/text/message format strings.
const (
	KeyBlockComplete      = "ledger.block_complete"
	KeyBlockCompleteBuild = "ledger.block_complete.build"
	KeyUrgeResist         = "ledger.urge_resist"
	KeyTaskComplete       = "ledger.task_complete"
	KeyTaskCompleteBuild  = "ledger.task_complete.build"
	KeyViolationPenalty   = "ledger.violation_penalty"
	KeyLiePenalty         = "ledger.lie_penalty"
	KeySegmentSpend       = "ledger.segment_spend"
)

var catalogs = map[string]map[string]string{
	"en-US": {
		KeyBlockComplete:      "Completed a %d-minute phone-free block",
		KeyBlockCompleteBuild: "Build points for a %d-minute phone-free block",
		KeyUrgeResist:         "Resisted an urge (intensity %d)",
		KeyTaskComplete:       "Completed task %q",
		KeyTaskCompleteBuild:  "Build points for task %q",
		KeyViolationPenalty:   "Phone violation: %s",
		KeyLiePenalty:         "Usage report off by %d minutes on %s",
		KeySegmentSpend:       "Spent %d build points on %d construction segments",

		"error.UNKNOWN":                  "Something went wrong.",
		"error.USER_ID_EMPTY":            "A user is required.",
		"error.EVENT_TYPE_INVALID":       "This kind of event is not supported.",
		"error.INVALID_RANGE":            "{{.Field}} must be between {{.Min}} and {{.Max}}.",
		"error.DATE_INVALID":             "The date must look like YYYY-MM-DD.",
		"error.TIMEZONE_INVALID":         "The timezone {{.Timezone}} is not recognized.",
		"error.SETTINGS_INVALID":         "These settings are not valid: {{.Reason}}.",
		"error.TRUTH_CHECK_NOT_COMPUTED": "This day has not been reconciled yet.",
		"error.INSUFFICIENT_BALANCE":     "Not enough build points.",
		"error.NOT_FOUND":                "The requested record was not found.",
		"error.STORE_CONFLICT":           "Too many changes at once, try again.",
	},
	"pt-BR": {
		KeyBlockComplete:      "Concluiu um bloco de %d minutos sem celular",
		KeyBlockCompleteBuild: "Pontos de construção por um bloco de %d minutos sem celular",
		KeyUrgeResist:         "Resistiu a um impulso (intensidade %d)",
		KeyTaskComplete:       "Concluiu a tarefa %q",
		KeyTaskCompleteBuild:  "Pontos de construção pela tarefa %q",
		KeyViolationPenalty:   "Violação de celular: %s",
		KeyLiePenalty:         "Relato de uso diferiu em %d minutos em %s",
		KeySegmentSpend:       "Gastou %d pontos de construção em %d segmentos",

		"error.UNKNOWN":                  "Algo deu errado.",
		"error.INVALID_RANGE":            "{{.Field}} deve estar entre {{.Min}} e {{.Max}}.",
		"error.TRUTH_CHECK_NOT_COMPUTED": "Este dia ainda não foi conciliado.",
		"error.NOT_FOUND":                "O registro solicitado não foi encontrado.",
	},
}

var (
	registerOnce sync.Once
	matcher      language.Matcher
	supported    []language.Tag
)

func register() {
	registerOnce.Do(func() {
		locales := make([]string, 0, len(catalogs))
		for locale := range catalogs {
			locales = append(locales, locale)
		}
		sort.Strings(locales)
		// The base locale must come first so the matcher falls back to it.
		supported = []language.Tag{language.MustParse(BaseLocale)}
		for _, locale := range locales {
			tag := language.MustParse(locale)
			if locale != BaseLocale {
				supported = append(supported, tag)
			}
			for key, value := range catalogs[locale] {
				if strings.HasPrefix(key, "error.") {
					continue
				}
				_ = message.SetString(tag, key, value)
			}
		}
		matcher = language.NewMatcher(supported)
	})
}

// ResolveLocale returns the supported locale closest to the requested one.
func ResolveLocale(locale string) string {
	register()
	requested, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return BaseLocale
	}
	_, index, confidence := matcher.Match(requested)
	if confidence == language.No || index < 0 || index >= len(supported) {
		return BaseLocale
	}
	return supported[index].String()
}

// Printer returns a message printer for locale, falling back to the base locale.
func Printer(locale string) *message.Printer {
	return message.NewPrinter(language.MustParse(ResolveLocale(locale)))
}

// Describe formats a ledger description key for locale.
func Describe(locale, key string, args ...any) string {
	return Printer(locale).Sprintf(key, args...)
}

// ErrorMessage renders the user-facing message for an error code.
// Falls back to the base locale, then to the code itself.
func ErrorMessage(locale, code string, metadata map[string]string) string {
	key := "error." + code
	tmpl, ok := catalogs[ResolveLocale(locale)][key]
	if !ok {
		tmpl, ok = catalogs[BaseLocale][key]
	}
	if !ok {
		return code
	}
	parsed, err := template.New(key).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	data := metadata
	if data == nil {
		data = map[string]string{}
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return tmpl
	}
	return buf.String()
}
