package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/questlog/internal/ledger"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Days   int    // optional - only the last N calendar days
	Action string // optional - filter to one action type
	Tag    string // optional - filter to one tag
}

// HistoryResult holds the ledger timeline and its totals.
type HistoryResult struct {
	Entries []ledger.HistoryItem `json:"entries"`
	Stats   HistoryStats         `json:"stats"`
}

// HistoryStats holds summary statistics for the listed entries.
type HistoryStats struct {
	Total      int            `json:"total"`
	XP         int            `json:"xp"`
	Coins      int            `json:"coins"`
	ActiveDays int            `json:"activeDays"`
	ByAction   map[string]int `json:"byAction"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ledger entries",
		Long: `List the ledger in insertion order with xp and coin totals.

Days are calendar days in the ledger's fixed UTC-3 zone.

Examples:
  questlog history
  questlog history --days 7
  questlog history --action habit --tag fitness --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "only the last N days, today included (0 = all)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "filter to one action type")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "filter to entries carrying this tag")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	var action ledger.ActionType
	if opts.Action != "" {
		a, err := ledger.ParseActionType(opts.Action)
		if err != nil {
			return WrapExitError(ExitCommandError, CodeInvalidInput, "invalid --action", err)
		}
		action = a
	}
	if opts.Days < 0 {
		return NewExitError(ExitCommandError, CodeInvalidInput, "--days must not be negative")
	}

	a, err := openApp(cmd.Context(), opts.RootOptions, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	if opts.now != nil {
		now = opts.now()
	}
	entries := a.replica.History()
	if opts.Days > 0 {
		entries = ledger.WindowOf(entries, ledger.WindowStart(now, opts.Days))
	}

	result := HistoryResult{
		Entries: []ledger.HistoryItem{},
		Stats:   HistoryStats{ByAction: map[string]int{}},
	}
	days := map[string]struct{}{}
	for _, e := range entries {
		if action != "" && e.ActionType != action {
			continue
		}
		if opts.Tag != "" && !e.HasTag(opts.Tag) {
			continue
		}
		result.Entries = append(result.Entries, e)
		result.Stats.XP += e.XPDelta
		result.Stats.Coins += e.CoinsDelta
		result.Stats.ByAction[string(e.ActionType)]++
		days[ledger.DayKey(e.Timestamp)] = struct{}{}
	}
	result.Stats.Total = len(result.Entries)
	result.Stats.ActiveDays = len(days)

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		printHistory(w, result)
	})
}

func printHistory(w io.Writer, r HistoryResult) {
	if len(r.Entries) == 0 {
		fmt.Fprintln(w, "No ledger entries.")
		return
	}
	for _, e := range r.Entries {
		line := fmt.Sprintf("%s  %-9s +%3d xp +%3d coins",
			e.Timestamp.In(ledger.Zone).Format("2006-01-02 15:04"), e.ActionType, e.XPDelta, e.CoinsDelta)
		if len(e.Tags) > 0 {
			line += "  [" + strings.Join(e.Tags, ", ") + "]"
		}
		if e.Category != "" {
			line += "  " + e.Category
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d entries over %d day(s): %d xp, %d coins\n",
		r.Stats.Total, r.Stats.ActiveDays, r.Stats.XP, r.Stats.Coins)
}
