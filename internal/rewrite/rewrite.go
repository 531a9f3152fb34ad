// Package rewrite maps inbound request URLs onto GitHub upstream hosts.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Rule sends every path starting with Prefix to Upstream. The prefix, minus
// its trailing slash, is removed from the forwarded path. A rule with an empty
// Prefix is a fallback: it matches everything and strips nothing.
type Rule struct {
	Name     string `toml:"name" json:"name"`
	Prefix   string `toml:"prefix" json:"prefix,omitempty"`
	Upstream string `toml:"upstream" json:"upstream"`
}

// DefaultRules returns the built-in prefix rules, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "raw", Prefix: "/raw/", Upstream: "https://raw.githubusercontent.com"},
		{Name: "gist", Prefix: "/gist/", Upstream: "https://gist.githubusercontent.com"},
		{Name: "gist-web", Prefix: "/gist-web/", Upstream: "https://gist.github.com"},
	}
}

// DefaultFallback returns the rule used when no prefix matches.
func DefaultFallback() Rule {
	return Rule{Name: "github", Upstream: "https://github.com"}
}

type compiled struct {
	Rule
	strip  string
	origin *url.URL
}

// Table is an ordered, immutable list of rules. It is safe for concurrent use.
type Table struct {
	rules    []compiled
	fallback compiled
}

// New validates rules and builds a Table. Rules are evaluated in the given
// order; fallback applies when none matches.
func New(rules []Rule, fallback Rule) (*Table, error) {
	t := &Table{rules: make([]compiled, 0, len(rules))}
	seen := make(map[string]bool, len(rules)+1)

	for i, r := range rules {
		if r.Prefix == "" {
			return nil, fmt.Errorf("rule %d (%q): prefix is required", i, r.Name)
		}
		if len(r.Prefix) < 3 || r.Prefix[0] != '/' || r.Prefix[len(r.Prefix)-1] != '/' {
			return nil, fmt.Errorf("rule %d (%q): prefix must look like /name/; got %q", i, r.Name, r.Prefix)
		}
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		c.strip = strings.TrimSuffix(r.Prefix, "/")
		t.rules = append(t.rules, c)
	}

	if fallback.Prefix != "" {
		return nil, fmt.Errorf("fallback rule %q must not have a prefix", fallback.Name)
	}
	fb, err := compile(fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	if seen[fallback.Name] {
		return nil, fmt.Errorf("fallback: duplicate name %q", fallback.Name)
	}
	t.fallback = fb

	return t, nil
}

// Default returns the table of built-in GitHub rules.
func Default() *Table {
	t, err := New(DefaultRules(), DefaultFallback())
	if err != nil {
		panic(err)
	}
	return t
}

func compile(r Rule) (compiled, error) {
	if r.Name == "" {
		return compiled{}, errors.New("name is required")
	}
	u, err := url.Parse(r.Upstream)
	if err != nil {
		return compiled{}, fmt.Errorf("%q: upstream is not a valid URL: %w", r.Name, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return compiled{}, fmt.Errorf("%q: upstream must be an http(s) URL; got %q", r.Name, r.Upstream)
	}
	if u.Host == "" {
		return compiled{}, fmt.Errorf("%q: upstream has no host; got %q", r.Name, r.Upstream)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return compiled{}, fmt.Errorf("%q: upstream must be a bare origin; got %q", r.Name, r.Upstream)
	}
	return compiled{Rule: r, origin: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// Resolve returns the upstream URL for in together with the rule that matched.
// Only the origin and the matched prefix change; the rest of the escaped path,
// the raw query and the fragment are carried over verbatim.
//
// Prefixes include their trailing slash, so "/raw" on its own is not a raw
// request and goes to the fallback upstream unchanged.
func (t *Table) Resolve(in *url.URL) (*url.URL, Rule) {
	p := in.EscapedPath()
	c := t.match(p)
	rest := strings.TrimPrefix(p, c.strip)

	out := &url.URL{
		Scheme:      c.origin.Scheme,
		Host:        c.origin.Host,
		RawQuery:    in.RawQuery,
		ForceQuery:  in.ForceQuery,
		Fragment:    in.Fragment,
		RawFragment: in.RawFragment,
	}
	if decoded, err := url.PathUnescape(rest); err == nil {
		out.Path = decoded
		out.RawPath = rest
	} else {
		out.Path = rest
	}
	return out, c.Rule
}

// Route returns the name of the rule that would serve path.
func (t *Table) Route(path string) string {
	return t.match(path).Name
}

func (t *Table) match(escapedPath string) *compiled {
	for i := range t.rules {
		if strings.HasPrefix(escapedPath, t.rules[i].Prefix) {
			return &t.rules[i]
		}
	}
	return &t.fallback
}

// Rules returns the prefix rules followed by the fallback.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.rules)+1)
	for _, c := range t.rules {
		out = append(out, c.Rule)
	}
	return append(out, t.fallback.Rule)
}
