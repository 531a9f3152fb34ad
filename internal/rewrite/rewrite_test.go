package rewrite

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestResolve_DefaultTable(t *testing.T) {
	table := Default()

	tests := []struct {
		name     string
		in       string
		want     string
		wantRule string
	}{
		{"raw with query", "http://acc.example.com/raw/foo/bar?x=1", "https://raw.githubusercontent.com/foo/bar?x=1", "raw"},
		{"gist", "http://acc.example.com/gist/abc", "https://gist.githubusercontent.com/abc", "gist"},
		{"gist-web", "http://acc.example.com/gist-web/abc", "https://gist.github.com/abc", "gist-web"},
		{"repository page", "https://acc.example.com/octocat/Hello-World", "https://github.com/octocat/Hello-World", "github"},
		{"git smart http", "http://acc.example.com/octocat/Hello-World.git/info/refs?service=git-upload-pack", "https://github.com/octocat/Hello-World.git/info/refs?service=git-upload-pack", "github"},
		{"root", "http://acc.example.com/", "https://github.com/", "github"},
		{"bare raw falls through", "http://acc.example.com/raw", "https://github.com/raw", "github"},
		{"bare gist falls through", "http://acc.example.com/gist", "https://github.com/gist", "github"},
		{"bare gist-web falls through", "http://acc.example.com/gist-web", "https://github.com/gist-web", "github"},
		{"raw-like owner", "http://acc.example.com/rawdata/repo", "https://github.com/rawdata/repo", "github"},
		{"raw root", "http://acc.example.com/raw/", "https://raw.githubusercontent.com/", "raw"},
		{"encoded path kept", "http://acc.example.com/raw/o/r/main/a%20b%2Fc.txt", "https://raw.githubusercontent.com/o/r/main/a%20b%2Fc.txt", "raw"},
		{"fragment kept", "http://acc.example.com/o/r/blob/main/README.md#usage", "https://github.com/o/r/blob/main/README.md#usage", "github"},
		{"empty query kept", "http://acc.example.com/o/r?", "https://github.com/o/r?", "github"},
		{"query with encoded values", "http://acc.example.com/search?q=a%2Bb&type=code", "https://github.com/search?q=a%2Bb&type=code", "github"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := table.Resolve(mustParse(t, tt.in))
			if got.String() != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got.String(), tt.want)
			}
			if rule.Name != tt.wantRule {
				t.Errorf("rule = %q, want %q", rule.Name, tt.wantRule)
			}
		})
	}
}

func TestResolve_FallbackPreservesRemainder(t *testing.T) {
	table := Default()
	inputs := []string{
		"/",
		"/torvalds/linux",
		"/torvalds/linux/releases/download/v6.0/linux.tar.gz",
		"/a/b/c?x=1&y=2&x=3",
		"/user/repo/archive/refs/tags/v1.0.0.zip?raw=true",
		"/%E4%B8%AD%E6%96%87/repo",
		"/x/y#L10-L20",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, _ := table.Resolve(mustParse(t, "http://127.0.0.1:8000"+in))
			s := got.String()
			if !strings.HasPrefix(s, "https://github.com") {
				t.Fatalf("Resolve(%q) = %q, want https://github.com origin", in, s)
			}
			if rest := strings.TrimPrefix(s, "https://github.com"); rest != in {
				t.Errorf("remainder = %q, want %q", rest, in)
			}
		})
	}
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	in := mustParse(t, "http://acc.example.com/raw/o/r/main/f?x=1")
	before := in.String()
	Default().Resolve(in)
	if in.String() != before {
		t.Errorf("input mutated: %q -> %q", before, in.String())
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	table, err := New([]Rule{
		{Name: "first", Prefix: "/x/", Upstream: "https://one.example.com"},
		{Name: "second", Prefix: "/x/", Upstream: "https://two.example.com"},
	}, Rule{Name: "rest", Upstream: "https://three.example.com"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, rule := table.Resolve(mustParse(t, "http://h/x/y"))
	if got.String() != "https://one.example.com/y" {
		t.Errorf("Resolve() = %q, want %q", got.String(), "https://one.example.com/y")
	}
	if rule.Name != "first" {
		t.Errorf("rule = %q, want %q", rule.Name, "first")
	}
}

func TestRoute(t *testing.T) {
	table := Default()
	tests := map[string]string{
		"/raw/a/b":      "raw",
		"/gist/a":       "gist",
		"/gist-web/a":   "gist-web",
		"/gist-webx/a":  "github",
		"/octocat/repo": "github",
	}
	for path, want := range tests {
		if got := table.Route(path); got != want {
			t.Errorf("Route(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRules_Order(t *testing.T) {
	rules := Default().Rules()
	want := []string{"raw", "gist", "gist-web", "github"}
	if len(rules) != len(want) {
		t.Fatalf("len(Rules()) = %d, want %d", len(rules), len(want))
	}
	for i, name := range want {
		if rules[i].Name != name {
			t.Errorf("Rules()[%d].Name = %q, want %q", i, rules[i].Name, name)
		}
	}
}

func TestNew_Invalid(t *testing.T) {
	fallback := DefaultFallback()
	tests := []struct {
		name     string
		rules    []Rule
		fallback Rule
	}{
		{"missing prefix", []Rule{{Name: "a", Upstream: "https://a.example.com"}}, fallback},
		{"prefix without trailing slash", []Rule{{Name: "a", Prefix: "/a", Upstream: "https://a.example.com"}}, fallback},
		{"prefix without leading slash", []Rule{{Name: "a", Prefix: "a/", Upstream: "https://a.example.com"}}, fallback},
		{"slash only", []Rule{{Name: "a", Prefix: "/", Upstream: "https://a.example.com"}}, fallback},
		{"missing name", []Rule{{Prefix: "/a/", Upstream: "https://a.example.com"}}, fallback},
		{"bad scheme", []Rule{{Name: "a", Prefix: "/a/", Upstream: "ftp://a.example.com"}}, fallback},
		{"no host", []Rule{{Name: "a", Prefix: "/a/", Upstream: "https://"}}, fallback},
		{"upstream with path", []Rule{{Name: "a", Prefix: "/a/", Upstream: "https://a.example.com/sub"}}, fallback},
		{"duplicate name", []Rule{
			{Name: "a", Prefix: "/a/", Upstream: "https://a.example.com"},
			{Name: "a", Prefix: "/b/", Upstream: "https://b.example.com"},
		}, fallback},
		{"fallback with prefix", nil, Rule{Name: "f", Prefix: "/f/", Upstream: "https://f.example.com"}},
		{"fallback name clash", []Rule{{Name: "github", Prefix: "/a/", Upstream: "https://a.example.com"}}, fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.rules, tt.fallback); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}
}

func TestNew_AcceptsPlainHTTP(t *testing.T) {
	if _, err := New(nil, Rule{Name: "local", Upstream: "http://127.0.0.1:9000"}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}
