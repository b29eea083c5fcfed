package rules

// DisabledRule records a rule dropped at load time because one of its
// patterns could not be compiled.
type DisabledRule struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Index     int    `json:"index" yaml:"index"`
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Pattern   string `json:"pattern" yaml:"pattern"`
	Reason    string `json:"reason" yaml:"reason"`
}

// Corpus is the immutable, loaded rule set. It is safe for concurrent reads.
type Corpus struct {
	patterns []*Rule
	files    []*FileRule
	strings  []*StringRule
	disabled []DisabledRule

	// callIndex and refIndex map a resolved dotted path to the rules with an
	// alternative for it, in corpus order.
	callIndex map[string][]*Rule
	refIndex  map[string][]*Rule
	byKey     map[string]*Rule

	digest string
}

func newCorpus(digest string) *Corpus {
	return &Corpus{
		callIndex: make(map[string][]*Rule),
		refIndex:  make(map[string][]*Rule),
		byKey:     make(map[string]*Rule),
		digest:    digest,
	}
}

func (c *Corpus) addRule(r *Rule) {
	c.patterns = append(c.patterns, r)
	c.byKey[r.Key] = r
	seen := make(map[string]bool, len(r.Alternatives))
	for _, alt := range r.Alternatives {
		k := alt.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		if alt.Call {
			c.callIndex[alt.Path] = append(c.callIndex[alt.Path], r)
		} else {
			c.refIndex[alt.Path] = append(c.refIndex[alt.Path], r)
		}
	}
}

// Patterns returns the enabled pattern rules in corpus order.
func (c *Corpus) Patterns() []*Rule { return c.patterns }

// Files returns the enabled file rules.
func (c *Corpus) Files() []*FileRule { return c.files }

// Strings returns the enabled string rules.
func (c *Corpus) Strings() []*StringRule { return c.strings }

// Disabled lists rules skipped at load time.
func (c *Corpus) Disabled() []DisabledRule { return c.disabled }

// CallRules returns the rules with a call alternative for path.
func (c *Corpus) CallRules(path string) []*Rule { return c.callIndex[path] }

// RefRules returns the rules with a reference alternative for path.
func (c *Corpus) RefRules(path string) []*Rule { return c.refIndex[path] }

// Rule looks a pattern rule up by key.
func (c *Corpus) Rule(key string) (*Rule, bool) {
	r, ok := c.byKey[key]
	return r, ok
}

// Digest is the hex SHA-256 of the source document. Cached results are keyed
// on it so that a corpus change invalidates them.
func (c *Corpus) Digest() string { return c.digest }
