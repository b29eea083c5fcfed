// Package typos flags package names that are suspiciously close to popular
// PyPI projects.
package typos

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// MinSimilarity is the lowest 1 - distance/len ratio reported. It keeps short
// names from matching unrelated ones two edits away (flask and black).
const MinSimilarity = 0.7

// DefaultMaxDistance is used when a Checker is built with a non-positive bound.
const DefaultMaxDistance = 2

//go:embed popular.txt
var popularList []byte

var (
	validName  = regexp.MustCompile(`(?i)^([a-z0-9]|[a-z0-9][a-z0-9._-]*[a-z0-9])$`)
	separators = regexp.MustCompile(`[-_.]+`)
)

// Normalize returns the PEP 503 normalized form of a project name.
func Normalize(name string) string {
	return strings.ToLower(separators.ReplaceAllString(strings.TrimSpace(name), "-"))
}

// Valid reports whether name is a syntactically valid project name.
func Valid(name string) bool {
	return validName.MatchString(strings.TrimSpace(name))
}

// Distance is the Damerau-Levenshtein distance (optimal string alignment)
// between a and b, counting an adjacent transposition as one edit.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// Three rolling rows are enough for the transposition lookback.
	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(rb)]
}

// Match is a popular project a name is close to.
type Match struct {
	Name     string `json:"name" yaml:"name"`
	Popular  string `json:"popular" yaml:"popular"`
	Distance int    `json:"distance" yaml:"distance"`
}

// Checker compares names against a fixed popular list. It is immutable and
// safe for concurrent use.
type Checker struct {
	popular     []string
	known       map[string]bool
	maxDistance int
}

// NewChecker builds a Checker over names; they are normalized and deduplicated.
func NewChecker(names []string, maxDistance int) *Checker {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	c := &Checker{known: make(map[string]bool, len(names)), maxDistance: maxDistance}
	for _, n := range names {
		n = Normalize(n)
		if n == "" || c.known[n] {
			continue
		}
		c.known[n] = true
		c.popular = append(c.popular, n)
	}
	sort.Strings(c.popular)
	return c
}

// Default returns a Checker over the built-in popular list.
func Default(maxDistance int) *Checker {
	names, _ := ReadList(bytes.NewReader(popularList))
	return NewChecker(names, maxDistance)
}

// Load returns a Checker over the list at path, or the built-in list when path
// is empty.
func Load(path string, maxDistance int) (*Checker, error) {
	if path == "" {
		return Default(maxDistance), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open popular package list: %w", err)
	}
	defer f.Close()

	names, err := ReadList(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read popular package list %s: %w", path, err)
	}
	return NewChecker(names, maxDistance), nil
}

// ReadList reads one name per line, ignoring blank lines and # comments.
func ReadList(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, scanner.Err()
}

// Popular reports whether name is on the list.
func (c *Checker) Popular(name string) bool {
	return c.known[Normalize(name)]
}

// Check returns the popular projects name may be impersonating, closest
// first. A name that is itself popular still reports its near neighbours
// (future and futures), but never itself.
func (c *Checker) Check(name string) []Match {
	if !Valid(name) {
		return nil
	}
	n := Normalize(name)

	var out []Match
	for _, p := range c.popular {
		if p == n {
			continue
		}
		d := Distance(n, p)
		if d > c.maxDistance {
			continue
		}
		longest := max(len(n), len(p))
		if 1-float64(d)/float64(longest) < MinSimilarity {
			continue
		}
		out = append(out, Match{Name: n, Popular: p, Distance: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Popular < out[j].Popular
	})
	return out
}
