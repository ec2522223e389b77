package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/roach88/questlog/internal/scoring"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	At string // optional - RFC3339 instant to evaluate at
}

// ReplayResult holds the replay result.
type ReplayResult struct {
	Entries         int               `json:"entries"`
	Skipped         int               `json:"skipped"`
	Errors          []string          `json:"errors,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	At              time.Time         `json:"at"`
	State           scoring.WireState `json:"state"`
	Vitality        scoring.Vitality  `json:"vitality"`
	Deterministic   bool              `json:"deterministic"`
	CacheConsistent bool              `json:"cacheConsistent"`
	Diff            string            `json:"diff,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute derived state from the ledger and verify determinism",
		Long: `Fold the ledger into derived state and verify determinism.

The ledger is folded twice at the same instant and the results compared, and
the replica's cached state is checked against a fresh fold at the instant it
was computed. Malformed entries and replaced rule values are reported
together with the vitality breakdown.

Exit codes:
  0 - Replay is deterministic and the cache matches
  1 - Determinism verification failed (differences detected)
  2 - Command error (store unreadable, bad --at)

Examples:
  questlog replay
  questlog replay --at 2026-03-10T12:00:00-03:00
  questlog replay --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "evaluate at this RFC3339 instant (default: now)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd.Context(), opts.RootOptions, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	at := time.Now()
	if opts.now != nil {
		at = opts.now()
	}
	if opts.At != "" {
		at, err = time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, CodeInvalidInput, "invalid --at", err)
		}
	}

	history := a.replica.History()
	first, report := scoring.Compute(history, a.rules, at)
	second, _ := scoring.Compute(history, a.rules, at)
	diff := cmp.Diff(first, second)

	cached := a.replica.State()
	fresh, _ := scoring.Compute(history, a.rules, cached.ComputedAt)
	cacheDiff := cmp.Diff(fresh, cached)

	result := ReplayResult{
		Entries:         len(history),
		Skipped:         report.Skipped,
		Errors:          errorStrings(report.Errors),
		Warnings:        errorStrings(report.Warnings),
		At:              at.UTC(),
		State:           first.Wire(),
		Vitality:        report.Vitality,
		Deterministic:   diff == "",
		CacheConsistent: cacheDiff == "",
		Diff:            diff + cacheDiff,
	}

	f := opts.formatter(cmd)
	if err := f.Success(result, func(w io.Writer) {
		printReplay(w, result, opts.Verbose)
	}); err != nil {
		return err
	}
	if !result.Deterministic || !result.CacheConsistent {
		// Determinism failure = exit code 1
		return NewExitError(ExitFailure, CodeReplay, "determinism verification failed")
	}
	return nil
}

func printReplay(w io.Writer, r ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replayed %d entries at %s\n", r.Entries, r.At.Format(time.RFC3339))
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped %d malformed entries\n", r.Skipped)
		if verbose {
			for _, e := range r.Errors {
				fmt.Fprintf(w, "    %s\n", e)
			}
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  Warning: %s\n", warning)
	}
	rank := scoring.Rank{Index: r.State.RankIndex, Tier: r.State.RankTier, Division: r.State.RankDivision}
	fmt.Fprintf(w, "  XP %d  Coins %d  Rank %s\n", r.State.XP, r.State.Coins, rank)

	v := r.Vitality
	fmt.Fprintf(w, "  Vitality %d = base %.1f + goal %.1f + activity %.1f + completion %.1f + consistency %.1f - decay %.1f\n",
		r.State.Vitality, v.Base, v.Goal, v.Activity, v.Completion, v.Consistency, v.Decay)

	if r.Deterministic && r.CacheConsistent {
		fmt.Fprintln(w, "✓ Replay verified deterministic")
		return
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	if r.Diff != "" {
		fmt.Fprintln(w, r.Diff)
	}
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
