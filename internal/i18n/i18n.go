package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Supported language codes.
const (
	English  = "en"
	Japanese = "ja"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer resolves message keys against the bundled locales.
// Bundles are read-only after construction.
type Localizer struct {
	translations map[string]map[string]string
	defaultLang  string
	matcher      language.Matcher
	tags         []string
	order        []string // matcher index -> language code
}

// NewLocalizer loads the embedded locale bundles.
func NewLocalizer(defaultLang string) (*Localizer, error) {
	files, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}

	l := &Localizer{translations: make(map[string]map[string]string)}
	for _, f := range files {
		content, err := localeFS.ReadFile(path.Join("locales", f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", f.Name(), err)
		}
		var data map[string]string
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", f.Name(), err)
		}
		l.translations[strings.TrimSuffix(f.Name(), ".json")] = data
	}

	l.tags = slices.Sorted(maps.Keys(l.translations))
	if _, ok := l.translations[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no locale bundle", defaultLang)
	}
	l.defaultLang = defaultLang

	// The default language goes first so the matcher falls back to it.
	l.order = []string{defaultLang}
	for _, code := range l.tags {
		if code != defaultLang {
			l.order = append(l.order, code)
		}
	}
	supported := make([]language.Tag, len(l.order))
	for i, code := range l.order {
		supported[i] = language.Make(code)
	}
	l.matcher = language.NewMatcher(supported)
	return l, nil
}

// Default returns the default language code.
func (l *Localizer) Default() string {
	return l.defaultLang
}

// Languages returns the available language codes, sorted.
func (l *Localizer) Languages() []string {
	return slices.Clone(l.tags)
}

// Supports reports whether lang has a bundle.
func (l *Localizer) Supports(lang string) bool {
	_, ok := l.translations[lang]
	return ok
}

// Get returns the string for key in lang, falling back to the default
// language and finally to the key itself.
func (l *Localizer) Get(lang, key string) string {
	if lang == "" {
		lang = l.defaultLang
	}
	if trans, ok := l.translations[lang]; ok {
		if val, ok := trans[key]; ok {
			return val
		}
	}
	if trans, ok := l.translations[l.defaultLang]; ok {
		if val, ok := trans[key]; ok {
			return val
		}
	}
	return key
}

// Format resolves key and substitutes {n} and {total}.
func (l *Localizer) Format(lang, key string, n, total int) string {
	return strings.NewReplacer(
		"{n}", strconv.Itoa(n),
		"{total}", strconv.Itoa(total),
	).Replace(l.Get(lang, key))
}

// Bundle returns a copy of the full string table for lang, with missing
// keys filled from the default language.
func (l *Localizer) Bundle(lang string) map[string]string {
	out := maps.Clone(l.translations[l.defaultLang])
	if trans, ok := l.translations[lang]; ok {
		maps.Copy(out, trans)
	}
	return out
}

// Match picks a supported language for an Accept-Language header value.
func (l *Localizer) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return l.defaultLang
	}
	_, idx, conf := l.matcher.Match(tags...)
	if conf == language.No || idx < 0 || idx >= len(l.order) {
		return l.defaultLang
	}
	return l.order[idx]
}
