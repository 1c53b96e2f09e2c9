package crawler

import (
	"fmt"
	"regexp"
)

// ClassifierRule maps a URL pattern to a page kind.
type ClassifierRule struct {
	Kind    Kind   `mapstructure:"kind"`
	Pattern string `mapstructure:"pattern"`
}

// DefaultClassifierRules are tried in order. Release pages live under an
// artist's host, so the release rule must come before the artist rule.
var DefaultClassifierRules = []ClassifierRule{
	{Kind: KindRelease, Pattern: `^https?://[^/]+/(album|track)/[^/?#]+$`},
	{Kind: KindUser, Pattern: `^https?://(www\.)?bandcamp\.com/[^/?#]+$`},
	{Kind: KindArtist, Pattern: `^https?://[a-z0-9][a-z0-9-]*\.bandcamp\.com(/music)?$`},
}

type compiledRule struct {
	kind Kind
	re   *regexp.Regexp
}

// Classifier assigns a Kind to canonical URLs using ordered pattern rules.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles the rules, preserving their order. An empty rule set
// falls back to DefaultClassifierRules.
func NewClassifier(rules []ClassifierRule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultClassifierRules
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		kind, err := ParseKind(string(r.Kind))
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: %w", i, err)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: compile %q: %w", i, r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{kind: kind, re: re})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify returns the kind of the first matching rule or a *ClassificationError.
func (c *Classifier) Classify(canonicalURL string) (Kind, error) {
	for _, r := range c.rules {
		if r.re.MatchString(canonicalURL) {
			return r.kind, nil
		}
	}
	return "", &ClassificationError{URL: canonicalURL}
}
