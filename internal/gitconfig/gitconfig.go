// Package gitconfig points a local git installation at an accelerator using
// url.<base>.insteadOf rewrites in the user's global configuration.
package gitconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github-accelerator/internal/config"
)

// ErrGitNotFound is returned when no git executable is on PATH.
var ErrGitNotFound = errors.New("git executable not found in PATH")

// ErrVerifyFailed is returned when git ls-remote through the installed rules
// lists no branches.
var ErrVerifyFailed = errors.New("git ls-remote listed no branches")

// VerifyRepo is a small public repository listed by Verify.
const VerifyRepo = "https://github.com/octocat/Hello-World.git"

const (
	// unsetMissingExit is the status git config uses when --unset-all finds
	// no matching key.
	unsetMissingExit = 5
	// getNoMatchExit is the status of --get-regexp with no matching key.
	getNoMatchExit = 1

	verifyTimeout = 30 * time.Second
)

// Rule maps an original URL prefix onto its accelerated form.
type Rule struct {
	Original string `json:"original"`
	Proxy    string `json:"proxy"`
}

// Key is the git config key carrying the rewrite.
func (r Rule) Key() string {
	return "url." + r.Proxy + ".insteadOf"
}

// upstreams pairs each GitHub origin with the accelerator path that serves it.
// The paths match the default rewrite table.
var upstreams = []struct {
	original string
	path     string
}{
	{"https://github.com/", "/"},
	{"https://raw.githubusercontent.com/", "/raw/"},
	{"https://gist.githubusercontent.com/", "/gist/"},
	{"https://gist.github.com/", "/gist-web/"},
}

// Rules returns the insteadOf rules that route GitHub traffic through the
// accelerator at the given address.
func Rules(accelerator string) ([]Rule, error) {
	base, err := config.AcceleratorURL(accelerator)
	if err != nil {
		return nil, err
	}
	origin := base.String()

	rules := make([]Rule, 0, len(upstreams))
	for _, u := range upstreams {
		rules = append(rules, Rule{Original: u.original, Proxy: origin + u.path})
	}
	return rules, nil
}

// CredentialHelper returns the helper git should use on the given GOOS.
func CredentialHelper(goos string) string {
	switch goos {
	case "windows":
		return "manager-core"
	case "darwin":
		return "osxkeychain"
	default:
		return "store"
	}
}

// Runner executes git with the given arguments and returns combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	path string
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, r.path, args...).CombinedOutput()
}

// Configurator edits the global git configuration.
type Configurator struct {
	runner Runner
	logger *slog.Logger
}

// New locates git on PATH.
func New(logger *slog.Logger) (*Configurator, error) {
	path, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGitNotFound, err)
	}
	return NewWithRunner(execRunner{path: path}, logger), nil
}

// NewWithRunner builds a Configurator around an arbitrary Runner.
func NewWithRunner(r Runner, logger *slog.Logger) *Configurator {
	return &Configurator{runner: r, logger: logger.With("component", "gitconfig")}
}

// Apply installs rules, replacing any earlier value under the same key.
func (c *Configurator) Apply(ctx context.Context, rules []Rule) error {
	for _, r := range rules {
		if err := c.unset(ctx, r.Key()); err != nil {
			return err
		}
		if err := c.run(ctx, "config", "--global", r.Key(), r.Original); err != nil {
			return err
		}
		c.logger.Debug("insteadOf set", "original", r.Original, "proxy", r.Proxy)
	}
	return nil
}

// Remove deletes rules. Keys that are not set are ignored.
func (c *Configurator) Remove(ctx context.Context, rules []Rule) error {
	for _, r := range rules {
		if err := c.unset(ctx, r.Key()); err != nil {
			return err
		}
		c.logger.Debug("insteadOf removed", "proxy", r.Proxy)
	}
	return nil
}

// SetCredentialHelper sets credential.helper globally and returns the helper
// that was chosen for goos.
func (c *Configurator) SetCredentialHelper(ctx context.Context, goos string) (string, error) {
	helper := CredentialHelper(goos)
	if err := c.run(ctx, "config", "--global", "credential.helper", helper); err != nil {
		return "", err
	}
	return helper, nil
}

// CleanRules removes every global insteadOf rule that rewrites a GitHub
// origin, whichever accelerator it points at. Rules for other hosts are left
// alone. It returns the keys that were removed.
func (c *Configurator) CleanRules(ctx context.Context) ([]string, error) {
	args := []string{"config", "--global", "--get-regexp", `^url\..*\.insteadof$`}
	out, err := c.runner.Run(ctx, args...)
	if isExit(err, getNoMatchExit) {
		return nil, nil
	}
	if err != nil {
		return nil, commandError(args, out, err)
	}

	originals := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		originals[u.original] = true
	}

	var removed []string
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), " ")
		value = strings.TrimSpace(value)
		if !ok || !strings.HasPrefix(key, "url.") || !originals[value] {
			continue
		}
		// Only the GitHub value goes; other values under the same key stay.
		args := []string{"config", "--global", "--unset-all", key, "^" + regexp.QuoteMeta(value) + "$"}
		if out, err := c.runner.Run(ctx, args...); err != nil && !isExit(err, unsetMissingExit) {
			return removed, commandError(args, out, err)
		}
		c.logger.Debug("insteadOf removed", "key", key, "original", value)
		removed = append(removed, key)
	}
	return removed, nil
}

// ClearCredentialHelper unsets the global credential.helper. It is not an
// error when none is set. Credentials already stored by the helper are not
// touched.
func (c *Configurator) ClearCredentialHelper(ctx context.Context) error {
	return c.unset(ctx, "credential.helper")
}

// Verify lists VerifyRepo with git ls-remote so the request goes through
// whatever insteadOf rules are installed. It fails unless branches come back.
func (c *Configurator) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	args := []string{"ls-remote", VerifyRepo}
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		return commandError(args, out, err)
	}
	if !bytes.Contains(out, []byte("refs/heads/")) {
		return ErrVerifyFailed
	}
	return nil
}

func (c *Configurator) unset(ctx context.Context, key string) error {
	out, err := c.runner.Run(ctx, "config", "--global", "--unset-all", key)
	if err == nil || isExit(err, unsetMissingExit) {
		return nil
	}
	return commandError([]string{"config", "--global", "--unset-all", key}, out, err)
}

func (c *Configurator) run(ctx context.Context, args ...string) error {
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		return commandError(args, out, err)
	}
	return nil
}

func isExit(err error, code int) bool {
	var coded interface{ ExitCode() int }
	return errors.As(err, &coded) && coded.ExitCode() == code
}

func commandError(args []string, out []byte, err error) error {
	msg := bytes.TrimSpace(out)
	if len(msg) == 0 {
		return fmt.Errorf("git %v: %w", args, err)
	}
	return fmt.Errorf("git %v: %w: %s", args, err, msg)
}
