package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/replica"
	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Data string
	File string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <entity> [id]",
		Short: "Create or replace an entity in the local replica",
		Long: `Create or replace a task, habit, goal, shop item or the settings document.

The payload is JSON with integer numbers only. A collection entity without
an id gets a new one. The change is queued for the remote backend.

Entities: task, habit, goal, shop, settings

Examples:
  questlog put task --data '{"title":"write report","done":false}'
  questlog put habit h-1 --file habit.json
  questlog put settings --data '{"theme":"dark"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			return runPut(opts, args[0], id, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the JSON payload from a file")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	cmd.MarkFlagsOneRequired("data", "file")

	return cmd
}

func runPut(opts *PutOptions, name, id string, cmd *cobra.Command) error {
	entity, err := parseEntity(name)
	if err != nil {
		return err
	}

	payload := []byte(opts.Data)
	if opts.File != "" {
		payload, err = os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, CodeInvalidInput, "failed to read payload", err)
		}
	}
	if !json.Valid(payload) {
		return NewExitError(ExitCommandError, CodeInvalidInput, "payload is not valid JSON")
	}
	if entity.IsCollection() && id == "" {
		id = tracker.UUIDv7Generator{}.Generate()
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	change, err := a.replica.UpsertEntity(ctx, entity, id, payload)
	if err != nil {
		return wrapEntityError("failed to store entity", err)
	}
	return opts.formatter(cmd).Success(change, func(w io.Writer) {
		printChange(w, change)
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> [id]",
		Short: "Delete an entity from the local replica",
		Long: `Delete a task, habit, goal, shop item or the settings document and queue
the deletion for the remote backend.

Examples:
  questlog delete task 0192f1c4-7c1e-7b6e-8f00-3c1b2a9d4e01
  questlog delete settings`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			return runDelete(rootOpts, args[0], id, cmd)
		},
	}
}

func runDelete(opts *RootOptions, name, id string, cmd *cobra.Command) error {
	entity, err := parseEntity(name)
	if err != nil {
		return err
	}
	if entity.IsCollection() && id == "" {
		return NewExitError(ExitCommandError, CodeInvalidInput, fmt.Sprintf("%s needs an id", entity))
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	change, err := a.replica.DeleteEntity(ctx, entity, id)
	if err != nil {
		return wrapEntityError("failed to delete entity", err)
	}
	return opts.formatter(cmd).Success(change, func(w io.Writer) {
		printChange(w, change)
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> [id]",
		Short: "Print an entity, or every item of a collection",
		Long: `Print entities from the local replica.

Without an id a collection prints every item sorted by id.

Examples:
  questlog get task
  questlog get goal g-1
  questlog get gamification --format json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			return runGet(rootOpts, args[0], id, cmd)
		},
	}
}

func runGet(opts *RootOptions, name, id string, cmd *cobra.Command) error {
	entity, err := tracker.ParseEntity(name)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeInvalidInput, "invalid entity", err)
	}

	a, err := openApp(cmd.Context(), opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	f := opts.formatter(cmd)
	if entity.IsCollection() && id == "" {
		records := a.replica.Records(entity)
		return f.Success(records, func(w io.Writer) {
			if len(records) == 0 {
				fmt.Fprintf(w, "No %s entities.\n", entity)
			}
			for _, r := range records {
				fmt.Fprintf(w, "%s  %s\n", r.ID, r.Payload)
			}
		})
	}

	payload, ok := a.replica.Entity(entity, id)
	if !ok {
		return WrapExitError(ExitFailure, CodeInvalidInput, fmt.Sprintf("%s %s", entity, id), replica.ErrEntityNotFound)
	}
	return f.Success(remote.Record{ID: id, Payload: payload}, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n", payload)
	})
}

func parseEntity(name string) (tracker.Entity, error) {
	entity, err := tracker.ParseEntity(name)
	if err != nil {
		return "", WrapExitError(ExitCommandError, CodeInvalidInput, "invalid entity", err)
	}
	if entity == tracker.EntityGamification {
		return "", WrapExitError(ExitCommandError, CodeInvalidInput, "invalid entity", replica.ErrDerivedEntity)
	}
	return entity, nil
}

func wrapEntityError(message string, err error) error {
	var invalid *tracker.InvalidChangeError
	switch {
	case errors.Is(err, wire.ErrFractional), errors.As(err, &invalid):
		return WrapExitError(ExitCommandError, CodeInvalidInput, message, err)
	case errors.Is(err, replica.ErrEntityNotFound):
		return WrapExitError(ExitFailure, CodeInvalidInput, message, err)
	default:
		return WrapExitError(ExitFailure, CodeStore, message, err)
	}
}

func printChange(w io.Writer, c tracker.Change) {
	target := string(c.Entity)
	if c.EntityID != "" {
		target += "/" + c.EntityID
	}
	fmt.Fprintf(w, "Queued %s %s (change %s)\n", c.Type, target, c.ID)
}
