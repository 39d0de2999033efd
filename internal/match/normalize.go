// Package match groups candidate records into identity groups through name
// normalization, fuzzy similarity, and structured-identifier overrides.
package match

import (
	"regexp"
	"strings"
)

// legalSuffixes lists common legal entity suffixes to strip during name normalization.
var legalSuffixes = []string{
	" llc", " l.l.c.", " l.l.c",
	" inc", " inc.", " incorporated",
	" corp", " corp.", " corporation",
	" ltd", " ltd.", " limited",
	" lp", " l.p.", " l.p",
	" llp", " l.l.p.", " l.l.p",
	" pc", " p.c.", " p.c",
	" pa", " p.a.", " p.a",
	" co", " co.",
	" plc", " p.l.c.",
	" na", " n.a.", " n.a",
	" dba", " d/b/a",
	" pllc",
	" gmbh", " ag", " sa", " s.a.",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// NormalizeName standardizes an entity name for matching by:
//  1. Trimming whitespace
//  2. Converting to lowercase
//  3. Removing common legal suffixes (LLC, Inc, Corp, etc.)
//  4. Stripping punctuation (commas, periods, dashes, ampersands)
//  5. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToLower(name)

	// Strip punctuation before the suffix check so "Acme Capital, LLC"
	// and "Acme Capital LLC" normalize identically.
	name = strings.NewReplacer(
		",", "",
		"'", "",
		"\"", "",
		"&", "and",
		"-", " ",
	).Replace(name)

	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	name = strings.ReplaceAll(name, ".", "")
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	return name
}

// tokens splits a normalized name into its unique word set.
func tokens(name string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(name) {
		set[tok] = true
	}
	return set
}
