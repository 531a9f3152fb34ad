package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github-accelerator/internal/gitconfig"
	"github-accelerator/internal/probe"
)

type gitConfigCmd struct {
	Accelerator      string `kong:"arg,optional,help='Accelerator address, e.g. gh.example.com.'"`
	Apply            bool   `kong:"help='Write the rules to the global git config.',xor='action'"`
	Remove           bool   `kong:"help='Remove the rules for this accelerator from the global git config.',xor='action'"`
	Clean            bool   `kong:"help='Remove GitHub insteadOf rules for any accelerator.',xor='action'"`
	CredentialHelper bool   `kong:"name='credential-helper',help='Also set credential.helper for this OS (with --apply).'"`
	CleanCredentials bool   `kong:"name='clean-credentials',help='Unset the global credential.helper.'"`
	Verify           bool   `kong:"help='List a public GitHub repository through the installed rules.'"`
	LogLevel         string `kong:"name='log-level',default='info',enum='debug,info,warn,error',help='Log level.'"`
}

func (g *gitConfigCmd) Run() error {
	if !g.Apply && !g.Remove && !g.Clean && !g.CleanCredentials && !g.Verify {
		rules, err := gitconfig.Rules(g.Accelerator)
		if err != nil {
			return err
		}
		printRules(os.Stdout, rules)
		return nil
	}

	logger := buildLogger(g.LogLevel, "text", os.Stderr)
	gc, err := gitconfig.New(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return g.run(ctx, gc, os.Stdout)
}

func (g *gitConfigCmd) run(ctx context.Context, gc *gitconfig.Configurator, w io.Writer) error {
	switch {
	case g.Clean:
		removed, err := gc.CleanRules(ctx)
		if err != nil {
			return err
		}
		for _, key := range removed {
			fmt.Fprintf(w, "removed %s\n", key)
		}
		fmt.Fprintf(w, "removed %d insteadOf rules\n", len(removed))
	case g.Remove:
		rules, err := gitconfig.Rules(g.Accelerator)
		if err != nil {
			return err
		}
		if err := gc.Remove(ctx, rules); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %d insteadOf rules\n", len(rules))
	case g.Apply:
		rules, err := gitconfig.Rules(g.Accelerator)
		if err != nil {
			return err
		}
		if err := gc.Apply(ctx, rules); err != nil {
			return err
		}
		printRules(w, rules)
		if g.CredentialHelper {
			helper, err := gc.SetCredentialHelper(ctx, runtime.GOOS)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "credential.helper = %s\n", helper)
		}
	}

	if g.CleanCredentials {
		if err := gc.ClearCredentialHelper(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "credential.helper unset; remove stored GitHub tokens from the OS keychain if needed")
	}

	if g.Verify {
		if err := gc.Verify(ctx); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Fprintf(w, "verified: git ls-remote %s listed branches\n", gitconfig.VerifyRepo)
	}
	return nil
}

func printRules(w io.Writer, rules []gitconfig.Rule) {
	for _, r := range rules {
		fmt.Fprintf(w, "git config --global %s %s\n", r.Key(), r.Original)
	}
}

type probeCmd struct {
	Accelerator string        `kong:"arg,help='Accelerator address, e.g. gh.example.com.'"`
	Count       int           `kong:"short='n',default='1',help='Number of samples; 0 runs until interrupted.'"`
	Interval    time.Duration `kong:"short='i',default='10s',help='Delay between samples.'"`
}

func (p *probeCmd) Run() error {
	pr, err := probe.New(p.Accelerator)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	err = pr.Run(ctx, p.Interval, p.Count, func(i int, s probe.Sample) {
		if s.LatencyErr != nil || s.DownloadErr != nil {
			failed++
		}
		printSample(os.Stdout, i, pr.Addr(), s)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d samples failed", failed, p.Count)
	}
	return nil
}

func printSample(w io.Writer, i int, addr string, s probe.Sample) {
	latency := "error: "
	if s.LatencyErr != nil {
		latency += s.LatencyErr.Error()
	} else {
		latency = fmt.Sprintf("%d ms", s.Latency.Milliseconds())
	}

	speed := "error: "
	if s.DownloadErr != nil {
		speed += s.DownloadErr.Error()
	} else {
		speed = fmt.Sprintf("%s (%d bytes in %s)",
			probe.FormatSpeed(s.Download.BytesPerSecond),
			s.Download.Bytes,
			s.Download.Elapsed.Round(time.Millisecond))
	}

	fmt.Fprintf(w, "#%d %s latency=%s speed=%s\n", i+1, addr, latency, speed)
}
