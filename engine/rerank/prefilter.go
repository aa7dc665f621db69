package rerank

import (
	"strings"

	"github.com/WessleyAI/eventscout/engine/domain"
)

// DefaultMinNonAggregator is the number of non-aggregator URLs below which
// one aggregator URL is kept as a backstop.
const DefaultMinNonAggregator = 2

// aggregatorDomains are listing sites that collect other organisers' events.
var aggregatorDomains = []string{
	"eventbrite.com", "eventbrite.de", "eventbrite.co.uk", "eventbrite.fr",
	"meetup.com",
	"10times.com",
	"allevents.in",
	"eventseye.com",
	"conferenceindex.org",
	"conference-service.com",
	"eventbu.com",
	"xing.com",
	"veranstaltungen.de",
	"eventfinder.de",
	"lanyrd.com",
	"allconferencealert.com",
	"conferencealerts.com",
	"waset.org",
}

// IsAggregator reports whether rawURL is hosted on a known aggregator domain
// or one of its subdomains.
func IsAggregator(rawURL string) bool {
	host := domain.Host(rawURL)
	if host == "" {
		return false
	}
	for _, d := range aggregatorDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// PreFilterResult is the outcome of PreFilterAggregators.
type PreFilterResult struct {
	URLs              []string `json:"urls"`
	AggregatorDropped int      `json:"aggregator_dropped"`
	BackstopKept      int      `json:"backstop_kept"`
}

// PreFilterAggregators drops aggregator URLs. Every non-aggregator URL is
// kept. When fewer than minNonAggregator remain, the first aggregator URL is
// kept as a backstop so the candidate set is never emptied by this stage
// alone. Input order is preserved. minNonAggregator <= 0 uses the default.
func PreFilterAggregators(urls []string, minNonAggregator int) PreFilterResult {
	if minNonAggregator <= 0 {
		minNonAggregator = DefaultMinNonAggregator
	}
	nonAgg := 0
	backstop := -1
	for i, u := range urls {
		if IsAggregator(u) {
			if backstop < 0 {
				backstop = i
			}
			continue
		}
		nonAgg++
	}

	keepBackstop := nonAgg < minNonAggregator && backstop >= 0
	out := PreFilterResult{URLs: make([]string, 0, nonAgg+1)}
	for i, u := range urls {
		switch {
		case !IsAggregator(u):
			out.URLs = append(out.URLs, u)
		case keepBackstop && i == backstop:
			out.URLs = append(out.URLs, u)
			out.BackstopKept = 1
		default:
			out.AggregatorDropped++
		}
	}
	return out
}
