package evidence

import "strings"

// clinicalAttributes maps recognized attribute keywords to the generic,
// patient-agnostic phrase used for retrieval. Stripping the patient name
// from the retrieval query keeps the vector search from favoring whichever
// patient happened to be named first.
var clinicalAttributes = []struct {
	keyword string
	phrase  string
}{
	{"blood pressure", "blood pressure reading"},
	{"temperature", "body temperature reading"},
	{"height", "height measurement"},
	{"weight", "weight measurement"},
	{"bmi", "BMI body mass index"},
}

// comparisonMarkers flag generic comparison phrasing with no recognized
// attribute.
var comparisonMarkers = []string{"compare", "comparison", "versus", " vs ", "difference between", "who has", "which patient"}

// AgnosticQuery rewrites a raw query into a patient-agnostic retrieval
// query. A recognized clinical attribute wins; otherwise generic comparison
// phrasing falls back to a broad patient-information phrase; otherwise the
// raw query is used verbatim.
func AgnosticQuery(query string) string {
	lower := strings.ToLower(query)
	for _, attr := range clinicalAttributes {
		if strings.Contains(lower, attr.keyword) {
			return attr.phrase
		}
	}
	for _, marker := range comparisonMarkers {
		if strings.Contains(lower, marker) {
			return "patient information"
		}
	}
	return query
}

// mentionsHeight reports whether the raw query asks about height, which
// unlocks additional targeted retrieval passes.
func mentionsHeight(query string) bool {
	return strings.Contains(strings.ToLower(query), "height")
}
