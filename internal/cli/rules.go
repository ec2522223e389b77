package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/questlog/internal/observability"
	"github.com/roach88/questlog/internal/scoring"
)

// RulesValidateResult is the JSON payload of rules validate.
type RulesValidateResult struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate gamification rules",
		Long: `Inspect and validate gamification rules files.

Rules set the xp per action, coins per xp, vitality knobs, categories and
streak bonuses. They load from YAML or CUE; missing or invalid values fall
back to the defaults and are reported as warnings.`,
	}

	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))

	return cmd
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rules file",
		Long: `Validate a .yaml or .cue rules file.

Exit codes:
  0 - Valid (warnings may be printed)
  1 - Invalid (schema violation, unknown field, unreadable file)

Examples:
  questlog rules validate rules.yaml
  questlog rules validate rules.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(rootOpts, args[0], cmd)
		},
	}
}

func runRulesValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	_, warnings, err := scoring.LoadRules(path)
	if err != nil {
		return WrapExitError(ExitFailure, CodeRules, "invalid rules", err)
	}

	result := RulesValidateResult{File: path, Valid: true, Warnings: errorStrings(warnings)}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "Warning: %s\n", warning)
		}
		fmt.Fprintf(w, "✓ %s is valid\n", path)
	})
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective rules",
		Long: `Print the rules in effect: the configured rules file with defaults
filled in, or the built-in defaults when none is configured.

Examples:
  questlog rules show
  questlog rules show --config questlog.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesShow(rootOpts, cmd)
		},
	}
}

func runRulesShow(opts *RootOptions, cmd *cobra.Command) error {
	path := ""
	if opts.Config != nil {
		path = opts.Config.Rules.File
	}
	rules, err := loadRules(path, observability.GetLogger())
	if err != nil {
		return err
	}
	rules, _ = scoring.Normalize(rules)

	return opts.formatter(cmd).Success(rules, func(w io.Writer) {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		_ = enc.Encode(rules)
		_ = enc.Close()
	})
}
