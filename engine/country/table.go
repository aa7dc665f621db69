package country

// table is the fixed per-country bundle. Names and cities must not overlap
// between rows; TestTableHasNoOverlap enforces it.
var table = map[string]Context{
	"DE": {
		ISO2:           "DE",
		Locale:         "de",
		TLD:            ".de",
		InPhrase:       "in Deutschland",
		CountryNames:   []string{"Deutschland", "Germany"},
		Cities:         []string{"Berlin", "München", "Frankfurt", "Hamburg", "Köln", "Düsseldorf", "Stuttgart", "Leipzig"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Deutschland", "Germany", "DE"},
	},
	"AT": {
		ISO2:           "AT",
		Locale:         "de",
		TLD:            ".at",
		InPhrase:       "in Österreich",
		CountryNames:   []string{"Österreich", "Austria"},
		Cities:         []string{"Wien", "Graz", "Linz", "Salzburg", "Innsbruck"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Österreich", "Austria", "AT"},
	},
	"CH": {
		ISO2:           "CH",
		Locale:         "de",
		TLD:            ".ch",
		InPhrase:       "in der Schweiz",
		CountryNames:   []string{"Schweiz", "Switzerland", "Suisse"},
		Cities:         []string{"Zürich", "Genf", "Basel", "Bern", "Lausanne"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Schweiz", "Switzerland", "CH"},
	},
	"FR": {
		ISO2:           "FR",
		Locale:         "en",
		TLD:            ".fr",
		InPhrase:       "in France",
		CountryNames:   []string{"France", "Frankreich"},
		Cities:         []string{"Paris", "Lyon", "Marseille", "Toulouse", "Lille", "Bordeaux", "Nantes"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"France", "FR"},
	},
	"NL": {
		ISO2:           "NL",
		Locale:         "en",
		TLD:            ".nl",
		InPhrase:       "in the Netherlands",
		CountryNames:   []string{"Netherlands", "Nederland", "Holland", "Niederlande"},
		Cities:         []string{"Amsterdam", "Rotterdam", "Den Haag", "Utrecht", "Eindhoven"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Netherlands", "NL"},
	},
	"GB": {
		ISO2:           "GB",
		Locale:         "en",
		TLD:            ".uk",
		InPhrase:       "in the United Kingdom",
		CountryNames:   []string{"United Kingdom", "Great Britain", "England", "Großbritannien"},
		Cities:         []string{"London", "Manchester", "Birmingham", "Edinburgh", "Leeds"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"UK", "United Kingdom", "GB"},
	},
	"IT": {
		ISO2:           "IT",
		Locale:         "en",
		TLD:            ".it",
		InPhrase:       "in Italy",
		CountryNames:   []string{"Italy", "Italia", "Italien"},
		Cities:         []string{"Rom", "Rome", "Milano", "Milan", "Turin", "Florenz"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Italy", "IT"},
	},
	"ES": {
		ISO2:           "ES",
		Locale:         "en",
		TLD:            ".es",
		InPhrase:       "in Spain",
		CountryNames:   []string{"Spain", "España", "Spanien"},
		Cities:         []string{"Madrid", "Barcelona", "Valencia", "Sevilla"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Spain", "ES"},
	},
	"US": {
		ISO2:           "US",
		Locale:         "en",
		TLD:            ".us",
		InPhrase:       "in the United States",
		CountryNames:   []string{"United States", "USA"},
		Cities:         []string{"New York", "San Francisco", "Chicago", "Washington", "Boston"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"USA", "US"},
	},
	"EU": {
		ISO2:           "EU",
		Locale:         "en",
		TLD:            ".eu",
		InPhrase:       "in Europe",
		CountryNames:   []string{"Europe", "European Union"},
		Cities:         []string{"Brussels", "Brüssel", "Luxembourg", "Strasbourg"},
		NegativeSites:  []string{"eventbrite.com", "meetup.com", "10times.com"},
		LocationTokens: []string{"Europe", "EU"},
	},
}

// aliases maps letters-only upper-cased names to ISO2 codes.
var aliases = map[string]string{
	"GERMANY":        "DE",
	"DEUTSCHLAND":    "DE",
	"ALLEMAGNE":      "DE",
	"AUSTRIA":        "AT",
	"ÖSTERREICH":     "AT",
	"OESTERREICH":    "AT",
	"SWITZERLAND":    "CH",
	"SCHWEIZ":        "CH",
	"SUISSE":         "CH",
	"FRANCE":         "FR",
	"FRANKREICH":     "FR",
	"NETHERLANDS":    "NL",
	"THENETHERLANDS": "NL",
	"NEDERLAND":      "NL",
	"HOLLAND":        "NL",
	"NIEDERLANDE":    "NL",
	"UNITEDKINGDOM":  "GB",
	"GREATBRITAIN":   "GB",
	"ENGLAND":        "GB",
	"UK":             "GB",
	"ITALY":          "IT",
	"ITALIA":         "IT",
	"ITALIEN":        "IT",
	"SPAIN":          "ES",
	"ESPAÑA":         "ES",
	"SPANIEN":        "ES",
	"UNITEDSTATES":   "US",
	"USA":            "US",
	"EUROPE":         "EU",
	"EUROPEANUNION":  "EU",
}

// secondaryLocales covers countries without a table row.
var secondaryLocales = map[string]string{
	"LI": "de",
	"LU": "de",
	"BE": "en",
	"IE": "en",
	"DK": "en",
	"SE": "en",
	"PL": "en",
}

// germanSpeaking are the codes the relaxed country filter accepts for DE searches.
var germanSpeaking = map[string]bool{"DE": true, "AT": true, "CH": true, "LI": true, "LU": true}

// genericTLDs never carry a country signal.
var genericTLDs = map[string]bool{
	".com": true, ".org": true, ".net": true, ".info": true, ".io": true, ".events": true, ".eu": true,
}
