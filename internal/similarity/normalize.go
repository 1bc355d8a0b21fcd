package similarity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// orgSuffixes strips common legal entity suffixes so "Acme Inc." and
// "Acme, LLC" compare as the same organization.
var orgSuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|GMBH|AG|SA|BV|PLC|` +
		`L\.?P\.?|LLP|L\.?L\.?P\.?|PLLC|P\.?C\.?)\s*\.?\s*$`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// foldDiacritics decomposes accented characters and drops the combining
// marks, so "Zürich" and "Zurich" normalize identically.
var foldDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

var punctReplacer = strings.NewReplacer(
	",", " ",
	".", " ",
	";", " ",
	":", " ",
	"/", " ",
	"(", " ",
	")", " ",
	"'", "",
	"\"", "",
	"&", " and ",
	"-", " ",
	"–", " ",
)

// Normalize lowercases, folds diacritics, strips punctuation, and collapses
// whitespace. All field comparisons operate on normalized text.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if folded, _, err := transform.String(foldDiacritics, s); err == nil {
		s = folded
	}
	s = punctReplacer.Replace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeOrg normalizes an organization name, additionally stripping
// legal entity suffixes.
func NormalizeOrg(name string) string {
	name = orgSuffixes.ReplaceAllString(strings.TrimSpace(name), "")
	return Normalize(name)
}
