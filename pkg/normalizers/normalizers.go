// Package normalizers turns raw property values into canonical comparable strings.
package normalizers

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// Registry maps normalizer names to functions.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry returns a registry holding the built-in normalizers.
func NewRegistry() *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer)}
	r.Register("lowercase", Lowercase)
	r.Register("trim", Trim)
	r.Register("nphone", NormalizePhone)
	r.Register("nemail", NormalizeEmail)
	r.Register("nname", NormalizeName)
	r.Register("nssn", NormalizeSSN)
	r.Register("nzip", NormalizeZipCode)
	r.Register("naddress", NormalizeAddress)
	r.Register("ndate", NormalizeDate)
	r.Register("digits_only", DigitsOnly)
	r.Register("alphanumeric", Alphanumeric)
	return r
}

// Register adds or replaces a normalizer.
func (r *Registry) Register(name string, fn Normalizer) {
	r.normalizers[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.normalizers[name]
	return ok
}

// Validate returns an error naming the first unknown normalizer.
func (r *Registry) Validate(names ...string) error {
	for _, n := range names {
		if !r.Has(n) {
			return fmt.Errorf("unknown normalizer %q", n)
		}
	}
	return nil
}

// ApplyChain applies the named normalizers in order. Unknown names are skipped.
func (r *Registry) ApplyChain(value string, names ...string) string {
	for _, name := range names {
		if fn, ok := r.normalizers[name]; ok {
			value = fn(value)
		}
	}
	return value
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizePhone keeps the last ten digits so country prefixes compare equal.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var nameSuffixes = []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md"}

// NormalizeName lowercases, strips generational suffixes and punctuation, and collapses spaces.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	for _, suffix := range nameSuffixes {
		s = strings.TrimSuffix(s, suffix)
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-':
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only lowercased alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeSSN returns the nine digits of a US social security number, or "".
func NormalizeSSN(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 9 {
		return digits
	}
	return ""
}

// NormalizeZipCode returns the five digit US zip code, or "".
func NormalizeZipCode(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 5 || len(digits) == 9 {
		return digits[:5]
	}
	return ""
}

var (
	addressReplacer = strings.NewReplacer(
		" street", " st",
		" avenue", " ave",
		" boulevard", " blvd",
		" drive", " dr",
		" road", " rd",
		" lane", " ln",
		" court", " ct",
		" place", " pl",
		" apartment", " apt",
		" suite", " ste",
	)
	spaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeAddress lowercases, abbreviates street suffixes and collapses whitespace.
func NormalizeAddress(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(".", "", ",", " ").Replace(s)
	s = addressReplacer.Replace(s + " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
}

// ParseDate parses the date layouts accepted by NormalizeDate.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeDate rewrites a date into YYYY-MM-DD. Unparseable values become "".
func NormalizeDate(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format("2006-01-02")
}
