package matching

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Scorer provides string and value similarity functions. Every score is in [0, 1].
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// ExactMatch returns 1.0 for exact match, 0.0 otherwise
func (s *Scorer) ExactMatch(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}

// JaroWinkler is Jaro similarity boosted by up to four characters of common prefix.
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	jaro := jaro(ra, rb)

	prefix := 0
	for i := 0; i < len(ra) && i < len(rb) && i < 4; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1.0-jaro)
}

// Jaro calculates the Jaro similarity between two strings
func (s *Scorer) Jaro(a, b string) float64 {
	return jaro([]rune(a), []rune(b))
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))
	matches := 0

	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// Levenshtein returns 1 - editDistance/maxLen.
func (s *Scorer) Levenshtein(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshteinDistance(ra, rb))/float64(maxLen)
}

// LevenshteinDistance calculates the edit distance between two strings
func (s *Scorer) LevenshteinDistance(a, b string) int {
	return levenshteinDistance([]rune(a), []rune(b))
}

func levenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	row := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(row[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		row, prev = prev, row
	}

	return prev[len(b)]
}

// Soundex returns the four character American Soundex code, or "" when s has no letters.
func (s *Scorer) Soundex(str string) string {
	letters := make([]rune, 0, len(str))
	for _, r := range strings.ToUpper(str) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	var out strings.Builder
	out.WriteRune(letters[0])
	prev := soundexCode(letters[0])
	for _, r := range letters[1:] {
		if out.Len() == 4 {
			break
		}
		code := soundexCode(r)
		// H and W do not separate letters with the same code
		if r == 'H' || r == 'W' {
			continue
		}
		if code != '0' && code != prev {
			out.WriteByte(code)
		}
		prev = code
	}
	for out.Len() < 4 {
		out.WriteByte('0')
	}
	return out.String()
}

func soundexCode(r rune) byte {
	switch r {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return '0'
	}
}

// Metaphone returns a simplified Metaphone key of at most six characters.
func (s *Scorer) Metaphone(str string) string {
	var letters strings.Builder
	for _, r := range strings.ToUpper(str) {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			letters.WriteRune(r)
		}
	}
	word := letters.String()
	if word == "" {
		return ""
	}

	var out strings.Builder
	prev := byte(0)
	for i := 0; i < len(word) && out.Len() < 6; i++ {
		code := metaphoneCode(word, i)
		if code != 0 && code != prev {
			out.WriteByte(code)
		}
		prev = code
	}
	return out.String()
}

func metaphoneCode(word string, pos int) byte {
	char := word[pos]
	next := byte(0)
	if pos+1 < len(word) {
		next = word[pos+1]
	}

	switch char {
	case 'A', 'E', 'I', 'O', 'U':
		if pos == 0 {
			return char
		}
		return 0
	case 'C':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'S'
		}
		if next == 'H' {
			return 'X'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'G':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'J'
		}
		return 'K'
	case 'P':
		if next == 'H' {
			return 'F'
		}
		return 'P'
	case 'Q':
		return 'K'
	case 'V':
		return 'F'
	case 'X', 'Z':
		return 'S'
	case 'H', 'W', 'Y':
		return 0
	default:
		return char
	}
}

// phoneticMatch returns 1.0 when both encodings are equal and non-empty.
func phoneticMatch(a, b string) float64 {
	if a != "" && a == b {
		return 1.0
	}
	return 0.0
}

// DateProximity returns 1.0 for the same day, decaying linearly to 0.0 at maxDaysDiff.
// Unparseable dates score 0.
func (s *Scorer) DateProximity(a, b string, maxDaysDiff int) float64 {
	ta, okA := normalizers.ParseDate(a)
	tb, okB := normalizers.ParseDate(b)
	if !okA || !okB {
		return 0.0
	}

	days := math.Abs(ta.Sub(tb).Hours() / 24)
	if days == 0 {
		return 1.0
	}
	if maxDaysDiff <= 0 || days >= float64(maxDaysDiff) {
		return 0.0
	}
	return 1.0 - days/float64(maxDaysDiff)
}

// NumericProximity returns 1.0 for equal numbers, decaying linearly to 0.0 at maxDiff.
// Non-numeric values score 0.
func (s *Scorer) NumericProximity(a, b string, maxDiff float64) float64 {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return 0.0
	}
	if fa == fb {
		return 1.0
	}

	diff := math.Abs(fa - fb)
	if maxDiff <= 0 || diff >= maxDiff {
		return 0.0
	}
	return 1.0 - diff/maxDiff
}

// Compare dispatches to the similarity function named by kind.
func (s *Scorer) Compare(kind ComparisonType, a, b string, param float64) float64 {
	switch kind {
	case ComparisonExact:
		return s.ExactMatch(a, b)
	case ComparisonJaroWinkler:
		return s.JaroWinkler(a, b)
	case ComparisonLevenshtein:
		return s.Levenshtein(a, b)
	case ComparisonSoundex:
		return phoneticMatch(s.Soundex(a), s.Soundex(b))
	case ComparisonMetaphone:
		return phoneticMatch(s.Metaphone(a), s.Metaphone(b))
	case ComparisonDateProximity:
		return s.DateProximity(a, b, int(param))
	case ComparisonNumericProximity:
		return s.NumericProximity(a, b, param)
	default:
		return 0.0
	}
}
