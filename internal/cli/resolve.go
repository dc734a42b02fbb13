package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/resolver"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Mutation string
	Snapshot string
	Policy   string
}

// resolutionView renders a Resolution for text output. JSON output uses the
// embedded Resolution's own encoding.
type resolutionView struct {
	resolver.Resolution
}

func (v resolutionView) String() string {
	var b strings.Builder
	line := func(label string, value any) {
		fmt.Fprintf(&b, "%-17s%v\n", label+":", value)
	}
	line("Disposition", v.Disposition)
	line("Causality", v.Causality)
	line("Reason", v.Reason)
	if stock, ok := v.Stock(); ok {
		line("Projected stock", stock)
	}
	if clock, ok := v.Clock(); ok {
		line("Merged clock", clock)
	}
	line("Requires audit", v.RequiresAudit)
	return strings.TrimSuffix(b.String(), "\n")
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one offline mutation against a server snapshot",
		Long: `Run the conflict resolver on a single mutation and snapshot, without
touching any database.

Both inputs are JSON files:

  mutation.json  {"mutation_id": "sale-1", "device_id": "d1", "product_id": "p1",
                  "quantity_delta": 3, "controlled_substance": false,
                  "clock": {"d1": 2}}
  snapshot.json  {"product_id": "p1", "current_stock": 10,
                  "clock": {"d1": 1, "d2": 1}}

Exit codes:
  0 - Resolved (any disposition, including MANUAL_INTERVENTION)
  2 - Invalid input (unreadable files, product mismatch, bad policy)

Examples:
  possync resolve --mutation mutation.json --snapshot snapshot.json
  possync resolve --mutation m.json --snapshot s.json --policy strict.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mutation, "mutation", "", "path to mutation JSON (required)")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "path to snapshot JSON (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to CUE policy file")
	_ = cmd.MarkFlagRequired("mutation")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var mutation resolver.OfflineMutation
	if err := readJSONFile(opts.Mutation, &mutation); err != nil {
		return WrapExitError(ExitCommandError, "failed to load mutation", err)
	}
	var snapshot resolver.ServerSnapshot
	if err := readJSONFile(opts.Snapshot, &snapshot); err != nil {
		return WrapExitError(ExitCommandError, "failed to load snapshot", err)
	}

	cfg, err := loadPolicy(opts.Policy)
	if err != nil {
		return err
	}

	res := resolver.New(
		resolver.WithPolicy(cfg.Resolver),
		resolver.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr())),
	)

	formatter.VerboseLog("local clock %s, server clock %s", mutation.Clock, snapshot.Clock)

	resolution, err := res.Resolve(mutation, snapshot)
	if err != nil {
		_ = formatter.Error("E_PRECONDITION", err.Error(), nil)
		return WrapExitError(ExitCommandError, "resolve rejected its inputs", err)
	}

	return formatter.Success(resolutionView{resolution})
}
