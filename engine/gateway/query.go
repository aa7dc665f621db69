package gateway

import (
	"strings"

	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/provider"
)

// maxCities is how many representative cities go into one query.
const maxCities = 3

// QueryBuilder localizes a base query for one country.
type QueryBuilder struct {
	// RelaxCountry replaces the hard site:.tld operator with a soft .tld
	// token so results outside the TLD are not excluded.
	RelaxCountry bool
}

// Build returns the provider query for base in ctx.
//
// Operator style: `base site:.de "in Deutschland" (Berlin OR München OR Frankfurt)`.
// Keyword style: `base in Deutschland Deutschland Berlin München Frankfurt`.
func (b QueryBuilder) Build(base string, ctx country.Context, style provider.QueryStyle) string {
	base = strings.Join(strings.Fields(base), " ")
	cities := ctx.Cities
	if len(cities) > maxCities {
		cities = cities[:maxCities]
	}

	parts := []string{base}
	if style == provider.StyleKeywords {
		parts = append(parts, ctx.InPhrase)
		if len(ctx.CountryNames) > 0 {
			parts = append(parts, ctx.CountryNames[0])
		}
		parts = append(parts, cities...)
		return strings.Join(nonEmpty(parts), " ")
	}

	if ctx.TLD != "" {
		if b.RelaxCountry {
			parts = append(parts, ctx.TLD)
		} else {
			parts = append(parts, "site:"+ctx.TLD)
		}
	}
	if ctx.InPhrase != "" {
		parts = append(parts, `"`+ctx.InPhrase+`"`)
	}
	if len(cities) > 0 {
		parts = append(parts, "("+strings.Join(cities, " OR ")+")")
	}
	for _, s := range ctx.NegativeSites {
		parts = append(parts, "-site:"+s)
	}
	return strings.Join(nonEmpty(parts), " ")
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
