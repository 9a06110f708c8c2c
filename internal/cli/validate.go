package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/miszen/internal/mapping"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Lenient bool
}

// ValidationResult is the JSON payload of a successful validate.
type ValidationResult struct {
	Valid       bool          `json:"valid"`
	Source      string        `json:"source"`
	Fingerprint string        `json:"fingerprint"`
	Rules       []RuleSummary `json:"rules"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [mapping.json]",
		Short: "Validate an event mapping file",
		Long: `Load and validate an event mapping file and list its rules.

Without an argument the built-in default table is validated and printed.
A rejected file exits with status 1; a missing file exits with status 2.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(opts, path, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Lenient, "lenient", false, "accept unknown condition keys (they never match)")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	table, source, err := loadTable(path, opts.Lenient)
	if err != nil {
		code := errorCode(err)
		_ = formatter.Error(code, err.Error(), errorDetails(err))
		if mapping.IsConfigError(err, mapping.ErrCodeNotFound) || !mapping.IsConfigError(err) {
			return WrapExitError(ExitCommandError, "cannot read mapping", err)
		}
		return WrapExitError(ExitFailure, "mapping rejected", err)
	}

	formatter.VerboseLog("Loaded %d rule(s) from %s", table.Len(), source)
	for _, r := range table.Rules() {
		if unknown := r.Conditions.Unknowns(); len(unknown) > 0 {
			formatter.VerboseLog("Rule %s has unknown conditions %v and will never match", r.Kind, unknown)
		}
	}

	result := ValidationResult{
		Valid:       true,
		Source:      source,
		Fingerprint: table.Fingerprint(),
		Rules:       summarize(table),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Mapping valid: %s (%d rules)\n", source, len(result.Rules))
	for _, r := range result.Rules {
		fmt.Fprintf(w, "  %s -> %s\n", r.Kind, strings.Join(r.Commands, ", "))
		for _, c := range r.Conditions {
			fmt.Fprintf(w, "      when %s\n", c)
		}
	}
	return nil
}
