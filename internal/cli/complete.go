package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/scoring"
)

// CompleteOptions holds flags for the complete command.
type CompleteOptions struct {
	*RootOptions
	Tags     []string
	Category string
}

// CompleteResult is the JSON payload of the complete command.
type CompleteResult struct {
	Entry ledger.HistoryItem `json:"entry"`
	State scoring.WireState  `json:"state"`
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete <habit|task|milestone|goal>",
		Short: "Record a completed action and award xp",
		Long: `Record a completed habit, task, milestone or goal.

The action is awarded xp and coins (plus a streak bonus on the first action
of a day that reaches a 7 or 30 day streak), appended to the local ledger,
and queued for the remote backend.

Examples:
  questlog complete habit --tag fitness
  questlog complete goal --category Reading
  questlog complete task --tag work --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tags, "tag", "t", nil, "tag the entry (repeatable)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "explicit category for the entry")

	return cmd
}

func runComplete(opts *CompleteOptions, kind string, cmd *cobra.Command) error {
	action, err := ledger.ParseActionType(kind)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeInvalidInput, "invalid action", err)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	entry, state, err := a.replica.Complete(ctx, scoring.Action{
		Type:     action,
		Tags:     opts.Tags,
		Category: opts.Category,
	})
	if err != nil {
		return WrapExitError(ExitFailure, CodeStore, "failed to record action", err)
	}

	result := CompleteResult{Entry: entry, State: state.Wire()}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "+%d xp  +%d coins  (%s)\n", entry.XPDelta, entry.CoinsDelta, entry.ActionType)
		fmt.Fprintf(w, "XP %d  Coins %d  Rank %s\n", state.XP, state.Coins, state.Rank())
		if state.Streak > 1 {
			fmt.Fprintf(w, "Streak: %d days\n", state.Streak)
		}
	})
}
