package router

import (
	"strings"
	"unicode"
)

// extractStopwords are capitalized tokens that start questions or connect
// clauses and must never be read as patient names.
var extractStopwords = map[string]bool{
	"compare": true, "show": true, "what": true, "whats": true, "which": true,
	"who": true, "whose": true, "how": true, "does": true, "did": true,
	"is": true, "are": true, "list": true, "tell": true, "give": true,
	"get": true, "find": true, "between": true, "versus": true, "vs": true,
	"and": true, "with": true, "the": true, "patient": true, "patients": true,
	"their": true, "his": true, "her": true, "latest": true, "recent": true,
	"explain": true, "summarize": true, "please": true, "also": true,
	"for": true, "height": true, "weight": true, "temperature": true,
	"blood": true, "pressure": true, "bmi": true, "labs": true, "lab": true,
	"results": true, "records": true, "medications": true, "vitals": true,
	"history": true, "report": true, "reports": true, "mri": true,
}

// ExtractNameReferences pulls candidate patient names out of raw query text.
// It is the deterministic fallback under the oracle: it recognizes
// comma/"and"-separated capitalized name sequences, including possessive
// forms, deduplicates case-insensitively, and preserves first-seen order.
// It is a pure function over the string.
func ExtractNameReferences(query string) []string {
	seen := map[string]bool{}
	var out []string

	emit := func(words []string) {
		if len(words) == 0 {
			return
		}
		name := strings.Join(words, " ")
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	var run []string
	for _, tok := range strings.Fields(query) {
		word, possessive, terminal := splitNameToken(tok)
		if word == "" || !isCapitalizedWord(word) || extractStopwords[strings.ToLower(word)] {
			emit(run)
			run = nil
			continue
		}
		run = append(run, word)
		// A possessive or trailing punctuation closes the name; so does
		// reaching two words, the longest form a roster name takes.
		if possessive || terminal || len(run) == 2 {
			emit(run)
			run = nil
		}
	}
	emit(run)
	return out
}

// splitNameToken strips possessive suffixes and trailing punctuation from a
// raw token. terminal reports whether punctuation (comma, period, question
// mark) ended the token.
func splitNameToken(tok string) (word string, possessive, terminal bool) {
	word = strings.TrimRightFunc(tok, func(r rune) bool {
		return r == ',' || r == '.' || r == '?' || r == '!' || r == ';' || r == ':'
	})
	terminal = word != tok
	for _, suffix := range []string{"'s", "’s"} {
		if strings.HasSuffix(word, suffix) {
			word = strings.TrimSuffix(word, suffix)
			possessive = true
			break
		}
	}
	return word, possessive, terminal
}

func isCapitalizedWord(w string) bool {
	runes := []rune(w)
	if len(runes) == 0 || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLower(r) {
			return false
		}
	}
	return true
}
