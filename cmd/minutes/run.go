package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/minutegraph/graph"
)

var runCmd = &cobra.Command{
	Use:   "run <transcript-file>",
	Short: "Draft and review minutes for a transcript",
	Long: `Reads a transcript (use - for stdin), drafts minutes and has them reviewed.
The process then waits for approval; pass --approve to approve and render in
the same run, or resume later with "minutes approve <id>".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transcript, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}
		approve, _ := cmd.Flags().GetBool("approve")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Invoke(ctx, graph.Request{ProcessID: id, Transcript: &transcript})
			if err != nil {
				return err
			}
			if !approve {
				return printReview(cmd.OutOrStdout(), res)
			}

			res, err = a.engine.Invoke(ctx, graph.Request{ProcessID: id, EntryStep: graph.StepRecordApproval})
			if err != nil {
				return err
			}
			return writeOutput(cmd, res)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <process-id>",
	Short: "Approve a suspended process and render its minutes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Invoke(ctx, graph.Request{ProcessID: args[0], EntryStep: graph.StepRecordApproval})
			if err != nil {
				return err
			}
			return writeOutput(cmd, res)
		})
	},
}

var reviseCmd = &cobra.Command{
	Use:   "revise <process-id>",
	Short: "Revise a process's draft with human feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		critique, _ := cmd.Flags().GetString("critique")
		if critique == "" {
			return errors.New("--critique is required")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Invoke(ctx, graph.Request{
				ProcessID: args[0],
				Critique:  &critique,
				EntryStep: graph.StepRevise,
			})
			if err != nil {
				return err
			}
			return printReview(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd, approveCmd, reviseCmd)

	runCmd.Flags().String("id", "", "Process id (default a new UUID)")
	runCmd.Flags().Bool("approve", false, "Approve and render without waiting for a human")

	reviseCmd.Flags().String("critique", "", "Feedback the writer must address")

	for _, c := range []*cobra.Command{runCmd, approveCmd, reviseCmd} {
		c.Flags().String("events", "", "Write engine events to this file (- for stderr)")
		c.Flags().Bool("events-json", false, "Write events as JSON lines")
	}
	for _, c := range []*cobra.Command{runCmd, approveCmd} {
		c.Flags().StringP("output", "o", "", "Write the rendered minutes to this file instead of stdout")
	}
}

// withApp wires the app for a one-shot command and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	var opts appOptions
	if path, _ := cmd.Flags().GetString("events"); path != "" {
		w := io.Writer(os.Stderr)
		if path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to open events file: %w", err)
			}
			defer f.Close()
			w = f
		}
		opts.events = w
		opts.eventsJSON, _ = cmd.Flags().GetBool("events-json")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	return fn(ctx, a)
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

// printReview shows a suspended process: its draft, the critique and how to
// resume it.
func printReview(w io.Writer, res graph.Result) error {
	draft, err := json.MarshalIndent(res.State.Draft, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	fmt.Fprintf(w, "Process:  %s (version %d)\n", res.ProcessID, res.Version)
	fmt.Fprintf(w, "Steps:    %v\n", res.Steps)
	fmt.Fprintf(w, "Rounds:   %d\n\n", res.State.Rounds)
	fmt.Fprintf(w, "Draft:\n%s\n\n", draft)
	fmt.Fprintf(w, "Critique:\n%s\n\n", res.State.Critique)
	fmt.Fprintf(w, "Approve with:  minutes approve %s\n", res.ProcessID)
	fmt.Fprintf(w, "Revise with:   minutes revise %s --critique \"...\"\n", res.ProcessID)
	return nil
}

func writeOutput(cmd *cobra.Command, res graph.Result) error {
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), res.State.RenderedOutput)
		return err
	}
	if err := os.WriteFile(path, []byte(res.State.RenderedOutput), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (process %s, version %d)\n", path, res.ProcessID, res.Version)
	return nil
}
