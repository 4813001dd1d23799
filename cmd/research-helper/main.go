package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
)

var (
	topic      string
	breadth    int
	depth      int
	outputDir  string
	noFeedback bool
	plain      bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "research-helper",
		Short: "A terminal-based deep research agent",
		Long: `research-helper researches a topic by planning search queries, distilling the results into learnings,
following up on what it finds and finally writing a markdown report with sources.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "The research topic (prompts interactively when omitted)")
	rootCmd.Flags().IntVarP(&breadth, "breadth", "b", research.DefaultBreadth, "Number of queries per research level")
	rootCmd.Flags().IntVarP(&depth, "depth", "d", research.DefaultDepth, "Number of research levels")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory the report is written to")
	rootCmd.Flags().BoolVar(&noFeedback, "no-feedback", false, "Skip the clarifying questions")
	rootCmd.Flags().BoolVar(&plain, "plain", false, "Print the report as raw markdown")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every research step")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	model, err := clients.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}
	provider, err := search.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize search: %w", err)
	}

	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	sess := research.New(cfg, model, provider, logger)
	sess.Ask = func(_ context.Context, prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	sess.Log = func(msg string) { fmt.Fprintln(out, msg) }
	sess.WriteFile = func(_ context.Context, name, content string) error {
		return writeReport(outputDir, name, content)
	}
	sess.Engine.OnProgress = func(p research.Progress) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\rDepth %d/%d | Breadth %d/%d | Queries %d/%d",
			p.TotalDepth-p.CurrentDepth, p.TotalDepth, p.CurrentBreadth, p.TotalBreadth,
			p.CompletedQueries, p.TotalQueries)
	}

	var outcome *research.Outcome
	if cmd.Flags().Changed("topic") {
		if strings.TrimSpace(topic) == "" {
			return errors.New("--topic flag provided but empty")
		}
		in := research.Input{Query: topic, Breadth: breadth, Depth: depth, SkipFeedback: noFeedback}
		outcome, err = sess.RunWithInput(ctx, in)
	} else {
		outcome, err = sess.Run(ctx)
	}
	if err != nil {
		if research.IsFatal(err) {
			return fmt.Errorf("research aborted: %w", err)
		}
		return err
	}

	fmt.Fprintln(out, "\n\nFinal Report:")
	fmt.Fprintln(out, render(outcome.Report))
	if outcome.FileName != "" {
		fmt.Fprintf(out, "\nReport has been saved to %s\n", outcome.FileName)
	}
	return nil
}

func render(report string) string {
	if plain {
		return report
	}
	rendered, err := glamour.Render(report, "dark")
	if err != nil {
		slog.Warn("Failed to render report, printing raw markdown", "error", err)
		return report
	}
	return rendered
}
