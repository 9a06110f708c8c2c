package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/router"
)

// RouteOptions holds flags for the route command.
type RouteOptions struct {
	*RootOptions
	Event   string
	Lenient bool
	Params  bool

	// IDs and Now override event id generation and the clock (for testing).
	IDs event.IDGenerator
	Now func() time.Time
}

// RouteResult is the JSON payload of route.
type RouteResult struct {
	router.Decision
	Warnings []string                  `json:"warnings,omitempty"`
	Params   map[string]map[string]any `json:"params,omitempty"`
}

// NewRouteCommand creates the route command.
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	return newRouteCommand(&RouteOptions{RootOptions: rootOpts})
}

func newRouteCommand(opts *RouteOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [mapping.json] --event <json|@file|->",
		Short: "Show which commands an event would trigger",
		Long: `Route a single event through a mapping table and print the decision.

Nothing is executed. Without a mapping argument the built-in table is used.
The event is given inline, as @path to read a file, or - to read stdin.

Example:
  miszen route --event '{"kind":"file_created","payload":{"file_path":"a.py"}}'
  miszen route config/event_mappings.json --event @event.json --params`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runRoute(opts, path, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", "", "event JSON, @file, or - for stdin (required)")
	cmd.Flags().BoolVar(&opts.Lenient, "lenient", false, "accept unknown condition keys (they never match)")
	cmd.Flags().BoolVar(&opts.Params, "params", false, "include the parameters each command would receive")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func runRoute(opts *RouteOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	table, source, err := loadTable(path, opts.Lenient)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), errorDetails(err))
		return WrapExitError(ExitCommandError, "cannot load mapping", err)
	}
	formatter.VerboseLog("Routing with %s (%d rules)", source, table.Len())

	raw, err := readEventArg(opts.Event, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read event", err)
	}
	ev, err := event.Parse(raw)
	if err != nil {
		_ = formatter.Error(ErrCodeEvent, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid event", err)
	}

	ids := opts.IDs
	if ids == nil {
		ids = event.UUIDv7Generator{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ev = event.Normalize(ev, ids, now())

	d := router.Route(ev, table)
	result := RouteResult{Decision: d}
	for _, w := range d.Warnings {
		result.Warnings = append(result.Warnings, w.Error())
	}
	if opts.Params && !d.Empty() {
		result.Params = make(map[string]map[string]any, len(d.Commands))
		for _, c := range d.Commands {
			result.Params[c] = executor.BuildParams(c, ev)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	printDecision(formatter.Writer, result)
	return nil
}

func printDecision(w io.Writer, r RouteResult) {
	fmt.Fprintf(w, "event %s (%s)\n", r.EventID, r.Kind)
	fmt.Fprintf(w, "  correlation: %s\n", r.CorrelationID)
	fmt.Fprintf(w, "  reason:      %s\n", r.Reason)
	if r.FailedCondition != "" {
		fmt.Fprintf(w, "  failed:      %s\n", r.FailedCondition)
	}
	if len(r.Commands) == 0 {
		fmt.Fprintln(w, "  commands:    (none)")
	} else {
		fmt.Fprintf(w, "  commands:    %s\n", strings.Join(r.Commands, ", "))
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning:     %s\n", warn)
	}
	for _, c := range r.Commands {
		if p, ok := r.Params[c]; ok {
			fmt.Fprintf(w, "  params[%s]: %s\n", c, formatParams(p))
		}
	}
}

// formatParams renders params without the bulky event context block.
func formatParams(p map[string]any) string {
	trimmed := make(map[string]any, len(p))
	for k, v := range p {
		if k != "context" {
			trimmed[k] = v
		}
	}
	return formatArgs(trimmed)
}

// readEventArg resolves the --event flag value.
func readEventArg(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read event file: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}
