package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/questlog/internal/scoring"
)

// StatusResult is the JSON payload of the status command.
type StatusResult struct {
	State      scoring.WireState `json:"state"`
	Rank       string            `json:"rank"`
	NextRankXP int               `json:"nextRankXp"`
	AvatarMood scoring.Mood      `json:"avatarMood"`
	Sync       SyncSummary       `json:"sync"`
}

// SyncSummary reports the local side of synchronization.
type SyncSummary struct {
	UserID   string    `json:"userId,omitempty"`
	Online   bool      `json:"online"`
	Pending  int       `json:"pending"`
	LastSync time.Time `json:"lastSync,omitzero"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the derived gamification state",
		Long: `Show xp, coins, rank, vitality, mood, attributes and category progress,
recomputed for the current time, together with the pending change count.

Examples:
  questlog status
  questlog status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd.Context(), opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.replica.Recompute()
	report := a.replica.Report()
	syncState := a.sync.State()
	result := StatusResult{
		State:      state.Wire(),
		Rank:       state.Rank().String(),
		NextRankXP: scoring.NextRankXP(state.XP),
		AvatarMood: scoring.AvatarMood(state.Vitality),
		Sync: SyncSummary{
			UserID:   a.cfg.User.ID,
			Online:   a.monitor.Online(),
			Pending:  len(syncState.PendingChanges),
			LastSync: syncState.LastSyncTimestamp,
		},
	}

	out := opts.formatter(cmd)
	v := report.Vitality
	out.VerboseLog("vitality: base %.1f goal %.0f activity %.0f completion %.0f consistency %.1f decay %.1f",
		v.Base, v.Goal, v.Activity, v.Completion, v.Consistency, v.Decay)
	for _, e := range report.Errors {
		out.VerboseLog("skipped entry: %v", e)
	}
	for _, w := range report.Warnings {
		out.VerboseLog("rules: %v", w)
	}
	if opts.Verbose {
		if err := logStoreKeys(cmd, a, out); err != nil {
			return err
		}
	}

	return out.Success(result, func(w io.Writer) {
		printStatus(w, state, result)
	})
}

// logStoreKeys lists the local store's keys with their write counts.
func logStoreKeys(cmd *cobra.Command, a *app, out *OutputFormatter) error {
	ctx := cmd.Context()
	keys, err := a.store.Keys(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, CodeStore, "failed to list store keys", err)
	}
	for _, k := range keys {
		v, err := a.store.Version(ctx, k)
		if err != nil {
			return WrapExitError(ExitFailure, CodeStore, "failed to read store key version", err)
		}
		out.VerboseLog("store: %s (%d writes)", k, v)
	}
	return nil
}

func printStatus(w io.Writer, state scoring.State, r StatusResult) {
	fmt.Fprintf(w, "Rank:      %s", r.Rank)
	if r.NextRankXP > 0 {
		fmt.Fprintf(w, " (%d xp to next)", r.NextRankXP)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "XP:        %d (%d in 30 days)\n", state.XP, state.XP30d)
	fmt.Fprintf(w, "Coins:     %d\n", state.Coins)
	fmt.Fprintf(w, "Vitality:  %d (%s)\n", r.State.Vitality, r.AvatarMood)
	fmt.Fprintf(w, "Streak:    %d days", state.Streak)
	if state.MissedDays > 0 {
		fmt.Fprintf(w, ", %d missed", state.MissedDays)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Attributes: STR %d  INT %d  CRE %d  SOC %d",
		r.State.Attributes.STR, r.State.Attributes.INT, r.State.Attributes.CRE, r.State.Attributes.SOC)
	if state.Aspect != "" {
		fmt.Fprintf(w, "  (aspect %s)", state.Aspect)
	}
	fmt.Fprintln(w)

	names := make([]string, 0, len(r.State.Categories))
	for name := range r.State.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := r.State.Categories[name]
		fmt.Fprintf(w, "  %-14s %4d / %-4d %3d%%\n", name, c.XP30d, c.Target30d, c.Percent)
	}
	if state.Skipped > 0 {
		fmt.Fprintf(w, "Skipped %d malformed ledger entries\n", state.Skipped)
	}

	online := "offline"
	if r.Sync.Online {
		online = "online"
	}
	fmt.Fprintf(w, "Sync:      %s, %d pending", online, r.Sync.Pending)
	if !r.Sync.LastSync.IsZero() {
		fmt.Fprintf(w, ", last %s", r.Sync.LastSync.Local().Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}
