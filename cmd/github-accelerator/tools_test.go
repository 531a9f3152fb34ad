package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github-accelerator/internal/gitconfig"
	"github-accelerator/internal/probe"
)

func TestPrintRules(t *testing.T) {
	rules, err := gitconfig.Rules("gh.example.com")
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printRules(&buf, rules)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(rules) {
		t.Fatalf("printed %d lines, want %d", len(lines), len(rules))
	}
	want := "git config --global url.https://gh.example.com/raw/.insteadOf https://raw.githubusercontent.com/"
	if lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
}

func TestPrintSample(t *testing.T) {
	var buf bytes.Buffer
	printSample(&buf, 0, "gh.example.com:443", probe.Sample{
		Latency: 42 * time.Millisecond,
		Download: probe.Download{
			Bytes:          10241,
			Elapsed:        500 * time.Millisecond,
			BytesPerSecond: 20482,
		},
	})

	got := buf.String()
	for _, want := range []string{"#1", "gh.example.com:443", "latency=42 ms", "20.00 KB/s", "10241 bytes"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestPrintSample_Errors(t *testing.T) {
	var buf bytes.Buffer
	printSample(&buf, 2, "gh.example.com:443", probe.Sample{
		LatencyErr:  errors.New("dial refused"),
		DownloadErr: probe.ErrNotAccelerated,
	})

	got := buf.String()
	if !strings.Contains(got, "latency=error: dial refused") {
		t.Errorf("output %q missing latency error", got)
	}
	if !strings.Contains(got, "speed=error: response is missing X-Accelerated-By") {
		t.Errorf("output %q missing download error", got)
	}
}

// scriptedGit answers git invocations from a fixed table keyed by joined args.
type scriptedGit struct {
	calls []string
	out   map[string]string
}

func (g *scriptedGit) Run(_ context.Context, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	g.calls = append(g.calls, joined)
	return []byte(g.out[joined]), nil
}

func TestGitConfigCmd_CleanCredentialsVerify(t *testing.T) {
	git := &scriptedGit{out: map[string]string{
		`config --global --get-regexp ^url\..*\.insteadof$`: "url.https://old.example.com/.insteadof https://github.com/\n",
		"ls-remote " + gitconfig.VerifyRepo:                   "abc123\trefs/heads/master\n",
	}}
	gc := gitconfig.NewWithRunner(git, slog.New(slog.NewTextHandler(io.Discard, nil)))

	cmd := &gitConfigCmd{Clean: true, CleanCredentials: true, Verify: true}
	var buf bytes.Buffer
	if err := cmd.run(context.Background(), gc, &buf); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	want := []string{
		`config --global --get-regexp ^url\..*\.insteadof$`,
		`config --global --unset-all url.https://old.example.com/.insteadof ^https://github\.com/$`,
		"config --global --unset-all credential.helper",
		"ls-remote " + gitconfig.VerifyRepo,
	}
	if len(git.calls) != len(want) {
		t.Fatalf("git calls = %q, want %q", git.calls, want)
	}
	for i := range want {
		if git.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, git.calls[i], want[i])
		}
	}
	for _, line := range []string{"removed 1 insteadOf rules", "credential.helper unset", "verified"} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("output %q missing %q", buf.String(), line)
		}
	}
}

func TestGitConfigCmd_VerifyFails(t *testing.T) {
	gc := gitconfig.NewWithRunner(&scriptedGit{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := (&gitConfigCmd{Verify: true}).run(context.Background(), gc, io.Discard)
	if !errors.Is(err, gitconfig.ErrVerifyFailed) {
		t.Fatalf("run() error = %v, want ErrVerifyFailed", err)
	}
}
