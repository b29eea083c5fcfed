package typos

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"requests", "requestes", 1},
		{"requests", "requests", 0},
		{"", "pip", 3},
		{"pip", "", 3},
		{"jinja2", "jinja3", 1},
		{"reqeusts", "requests", 1}, // transposition
		{"kitten", "sitting", 3},
		{"googleapicore", "google-api-core", 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Distance(tc.a, tc.b), "%s/%s", tc.a, tc.b)
		assert.Equal(t, tc.want, Distance(tc.b, tc.a), "%s/%s", tc.b, tc.a)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "package1", Normalize("PaCkaGe1"))
	assert.Equal(t, "pack-age-2", Normalize("pack_age_2"))
	assert.Equal(t, "pack-age-3", Normalize("pack.age.3"))
	assert.Equal(t, "pack-age-4", Normalize("Pack_age.4"))
	assert.Equal(t, "a-b", Normalize("a-_.b"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("requests"))
	assert.True(t, Valid("zope.interface"))
	assert.True(t, Valid("x"))
	assert.False(t, Valid(":) Hi there!"))
	assert.False(t, Valid("-leading"))
	assert.False(t, Valid(""))
}

func TestCheckFindsTyposquatting(t *testing.T) {
	c := Default(2)
	cases := map[string]string{
		"pip2":          "pip",
		"urllib":        "urllib3",
		"py-yaml":       "pyyaml",
		"future":        "futures",
		"jinja3":        "jinja2",
		"googleapicore": "google-api-core",
		"requestes":     "requests",
	}
	for name, legit := range cases {
		t.Run(name, func(t *testing.T) {
			var popular []string
			for _, m := range c.Check(name) {
				popular = append(popular, m.Popular)
			}
			assert.Contains(t, popular, legit)
		})
	}
}

func TestCheckIgnoresLegitimateNames(t *testing.T) {
	c := Default(2)
	for _, name := range []string{"raatatata", "FlAsK", "botocore", "urllib3", ":) Hi there!"} {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, c.Check(name))
		})
	}
}

func TestCheckOrderingAndBound(t *testing.T) {
	c := NewChecker([]string{"requests", "request", "requests2", "grequests"}, 1)
	matches := c.Check("requestes")
	require.NotEmpty(t, matches)
	assert.Equal(t, Match{Name: "requestes", Popular: "requests", Distance: 1}, matches[0])
	for _, m := range matches {
		assert.LessOrEqual(t, m.Distance, 1)
	}

	c = NewChecker([]string{"Requests", "requests", "REQUESTS"}, 0)
	assert.True(t, c.Popular("requests"))
	assert.Len(t, c.popular, 1)
	assert.Equal(t, DefaultMaxDistance, c.maxDistance)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popular.txt")
	require.NoError(t, os.WriteFile(path, []byte("# top\nrequests\n\nflask\n"), 0o644))

	c, err := Load(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"flask", "requests"}, c.popular)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"), 2)
	assert.Error(t, err)

	c, err = Load("", 2)
	require.NoError(t, err)
	assert.True(t, c.Popular("requests"))
}

func TestReadList(t *testing.T) {
	names, err := ReadList(strings.NewReader("a\n  # comment\n b \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}
