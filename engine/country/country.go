// Package country resolves raw country tokens to a canonical locale, TLD and
// keyword bundle used to localize provider queries and filters.
package country

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// DefaultISO2 is used whenever a raw country token cannot be resolved.
const DefaultISO2 = "DE"

// Context is the per-country bundle. Values come from a fixed table and are
// never mutated; slice fields are copied on every lookup.
type Context struct {
	ISO2           string   `json:"iso2"`
	Locale         string   `json:"locale"`
	TLD            string   `json:"tld"`
	InPhrase       string   `json:"in_phrase"`
	CountryNames   []string `json:"country_names"`
	Cities         []string `json:"cities"`
	NegativeSites  []string `json:"negative_sites"`
	LocationTokens []string `json:"location_tokens"`
}

func (c Context) clone() Context {
	c.CountryNames = append([]string(nil), c.CountryNames...)
	c.Cities = append([]string(nil), c.Cities...)
	c.NegativeSites = append([]string(nil), c.NegativeSites...)
	c.LocationTokens = append([]string(nil), c.LocationTokens...)
	return c
}

// ToISO2 upper-cases raw, strips non-letters and resolves aliases. "EU" is a
// recognised pseudo-code. Any other bare two-letter string is accepted as-is;
// anything else reports false.
func ToISO2(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return "", false
	}
	if code, ok := aliases[s]; ok {
		return code, true
	}
	if len([]rune(s)) == 2 && isASCII(s) {
		return s, true
	}
	return "", false
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// IsValidISO2 reports whether v is a string that resolves to a two-letter code.
func IsValidISO2(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	code, ok := ToISO2(s)
	return ok && len(code) == 2
}

// GetContext resolves raw and returns its bundle, falling back to DE when the
// token does not resolve or has no table row.
func GetContext(raw string) Context {
	code, ok := ToISO2(raw)
	if !ok {
		code = DefaultISO2
	}
	c, ok := table[code]
	if !ok {
		c = table[DefaultISO2]
	}
	return c.clone()
}

// DeriveLocale picks "de" or "en": an exact override wins, then the country's
// configured locale, then a secondary map, then "en".
func DeriveLocale(country, override string) string {
	if override == "de" || override == "en" {
		return override
	}
	code, ok := ToISO2(country)
	if !ok {
		return "en"
	}
	if c, ok := table[code]; ok && c.Locale != "" {
		return c.Locale
	}
	if l, ok := secondaryLocales[code]; ok {
		return l
	}
	return "en"
}

// GermanSpeaking reports whether iso2 is a German-speaking country code.
func GermanSpeaking(iso2 string) bool {
	return germanSpeaking[strings.ToUpper(iso2)]
}

// All returns every table row sorted by code.
func All() []Context {
	out := make([]Context, 0, len(table))
	for _, c := range table {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ISO2 < out[j].ISO2 })
	return out
}

var (
	cityIndex    = map[string]string{}
	nameIndex    = map[string]string{}
	mentionIndex []mention
)

type mention struct {
	re   *regexp.Regexp
	iso2 string
	city bool
}

func init() {
	for code, c := range table {
		for _, city := range c.Cities {
			cityIndex[strings.ToLower(city)] = code
			mentionIndex = append(mentionIndex, mention{re: wordRegexp(city), iso2: code, city: true})
		}
		for _, n := range c.CountryNames {
			nameIndex[strings.ToLower(n)] = code
			mentionIndex = append(mentionIndex, mention{re: wordRegexp(n), iso2: code})
		}
	}
	sort.Slice(mentionIndex, func(i, j int) bool {
		return mentionIndex[i].re.String() < mentionIndex[j].re.String()
	})
}

// wordRegexp matches term case-insensitively on letter boundaries, so "Bern"
// does not match inside "Berlin".
func wordRegexp(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\p{L}])` + regexp.QuoteMeta(term) + `($|[^\p{L}])`)
}

// CountryForCity returns the country a known city belongs to.
func CountryForCity(city string) (string, bool) {
	code, ok := cityIndex[strings.ToLower(strings.TrimSpace(city))]
	return code, ok
}

// CountryForName resolves a free-form country field: ISO2, alias, or a
// country name from the table.
func CountryForName(name string) (string, bool) {
	if code, ok := nameIndex[strings.ToLower(strings.TrimSpace(name))]; ok {
		return code, true
	}
	return ToISO2(name)
}

// CountryForHost maps a host name to the country whose TLD it ends with.
// Generic TLDs (.com, .org, .eu, ...) carry no signal.
func CountryForHost(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	idx := strings.LastIndexByte(host, '.')
	if idx < 0 {
		return "", false
	}
	tld := host[idx:]
	if genericTLDs[tld] {
		return "", false
	}
	for code, c := range table {
		if c.TLD == tld {
			return code, true
		}
	}
	return "", false
}

// MentionsCity returns the first city of c mentioned in text.
func (c Context) MentionsCity(text string) (string, bool) {
	for _, city := range c.Cities {
		if wordRegexp(city).MatchString(text) {
			return city, true
		}
	}
	return "", false
}

// Mentions returns the country codes whose cities or names appear in text,
// in sorted order without duplicates.
func Mentions(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range mentionIndex {
		if seen[m.iso2] {
			continue
		}
		if m.re.MatchString(text) {
			seen[m.iso2] = true
			out = append(out, m.iso2)
		}
	}
	sort.Strings(out)
	return out
}

// DetectCity returns the first known city (any country) mentioned in text.
func DetectCity(text string) (city, iso2 string, ok bool) {
	for _, m := range mentionIndex {
		if m.city && m.re.MatchString(text) {
			loc := m.re.FindStringSubmatchIndex(text)
			// group 0 includes the boundary chars; trim them back off.
			raw := strings.Trim(text[loc[0]:loc[1]], " ,.;:()[]\"'-/")
			return raw, m.iso2, true
		}
	}
	return "", "", false
}
