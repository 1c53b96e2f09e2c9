package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultReferralParams are query parameters Bandcamp appends to links for
// attribution. Entries ending in "*" match by prefix.
var DefaultReferralParams = []string{"from", "utm_*", "search_*"}

// Canonicalizer normalizes URLs so equivalent links share one identity.
type Canonicalizer struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewCanonicalizer builds a Canonicalizer that strips the given referral params.
func NewCanonicalizer(referralParams []string) *Canonicalizer {
	c := &Canonicalizer{exact: make(map[string]struct{})}
	for _, p := range referralParams {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
		case strings.HasSuffix(p, "*"):
			c.prefixes = append(c.prefixes, strings.TrimSuffix(p, "*"))
		default:
			c.exact[p] = struct{}{}
		}
	}
	return c
}

// Canonicalize standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and the fragment,
// drops referral parameters, sorts the remaining query and strips a single
// trailing slash from the path.
func (c *Canonicalizer) Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		if c.isReferral(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")

	return u.String(), nil
}

// ResolveReference turns a possibly relative href into an absolute URL using base.
func ResolveReference(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

func (c *Canonicalizer) isReferral(key string) bool {
	key = strings.ToLower(key)
	if _, ok := c.exact[key]; ok {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
