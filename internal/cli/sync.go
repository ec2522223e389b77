package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// SyncResult is the JSON payload of the sync and pull commands.
type SyncResult struct {
	UserID    string    `json:"userId"`
	Pending   int       `json:"pending"`
	Delivered int       `json:"delivered,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	LastSync  time.Time `json:"lastSync,omitzero"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued local changes to the remote backend",
		Long: `Push every queued local change to the remote backend, oldest first.

Delivery stops at the first transport failure and the remaining changes stay
queued. Changes the remote rejects as conflicts are dropped with a warning.

Exit codes:
  0 - All changes delivered
  1 - Remote unreachable (changes stay queued)
  2 - Command error (no remote, no user id)

Examples:
  questlog sync --user alice
  QUESTLOG_REMOTE_DSN=postgres://... questlog sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts, appOptions{probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(opts); err != nil {
		return err
	}
	userID, err := a.userID()
	if err != nil {
		return err
	}

	before := a.tracker.Len()
	if err := a.sync.Push(ctx, userID); err != nil {
		return wrapSyncError("sync failed", err)
	}
	st := a.sync.State()
	stats := a.sync.Stats()
	result := SyncResult{
		UserID:    userID,
		Pending:   len(st.PendingChanges),
		Delivered: stats.Delivered,
		Dropped:   stats.Dropped,
		LastSync:  st.LastSyncTimestamp,
	}
	a.log.Debug("sync finished",
		zap.String("user_id", userID),
		zap.Int("delivered", result.Delivered),
		zap.Int("dropped", result.Dropped))

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		if before == 0 {
			fmt.Fprintln(w, "Nothing to sync.")
			return
		}
		if result.Dropped > 0 {
			fmt.Fprintf(w, "Synced %d change(s), dropped %d, %d pending\n", result.Delivered, result.Dropped, result.Pending)
			return
		}
		fmt.Fprintf(w, "Synced %d change(s), %d pending\n", result.Delivered, result.Pending)
	})
}

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	DiscardPending bool
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local replica with the remote snapshot",
		Long: `Re-seed the local replica from the remote backend.

The remote snapshot replaces local data. Queued local changes stay queued
and are re-applied on top of it; pending ledger entries merge into the
remote ledger by id, so nothing local is lost. Run sync to deliver them.
With --discard-pending the queue is cleared instead and the remote wins
outright.

Examples:
  questlog pull --user alice
  questlog pull --discard-pending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DiscardPending, "discard-pending", false, "drop queued local changes before pulling")

	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, appOptions{probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(opts.RootOptions); err != nil {
		return err
	}
	userID, err := a.userID()
	if err != nil {
		return err
	}

	if opts.DiscardPending {
		dropped := a.tracker.Len()
		if err := a.tracker.Reset(ctx); err != nil {
			return WrapExitError(ExitFailure, CodeStore, "failed to discard pending changes", err)
		}
		a.log.Warn("discarded pending changes", zap.Int("count", dropped))
	}
	if err := a.sync.Refresh(ctx, userID); err != nil {
		return wrapSyncError("pull failed", err)
	}

	st := a.sync.State()
	state := a.replica.State()
	result := SyncResult{UserID: userID, Pending: len(st.PendingChanges), LastSync: st.LastSyncTimestamp}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Pulled %s: XP %d, Rank %s, %d pending\n", userID, state.XP, state.Rank(), result.Pending)
	})
}
