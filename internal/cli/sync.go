package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/harness"
	"github.com/roach88/possync/internal/resolver"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database string
	Policy   string

	// IDGenerator allows overriding batch and audit ids (for testing).
	// If nil, defaults to engine.UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// reportView renders an engine.Report for text output.
type reportView struct {
	*engine.Report
}

func (v reportView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s from %s\n", v.BatchID, v.DeviceID)
	for _, out := range v.Outcomes {
		switch {
		case out.Err != nil:
			fmt.Fprintf(&b, "  ✗ %s %s: %s\n", out.MutationID, out.ProductID, out.Err.Code)
		case out.Replayed:
			fmt.Fprintf(&b, "  = %s %s: %s (replayed) stock=%d\n", out.MutationID, out.ProductID, out.Disposition, out.StockAfter)
		default:
			fmt.Fprintf(&b, "  ✓ %s %s: %s [%s] stock=%d clock=%s\n",
				out.MutationID, out.ProductID, out.Disposition, out.Causality, out.StockAfter, out.Clock)
		}
		if out.RequiresAudit {
			fmt.Fprintf(&b, "      audit required (entry %s)\n", out.AuditID)
		}
	}
	fmt.Fprintf(&b, "Applied %d, discarded %d, escalated %d, replayed %d, failed %d",
		v.Applied, v.Discarded, v.Escalated, v.Replayed, v.Failed)
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <batch-file>",
		Short: "Reconcile a device batch against the inventory",
		Long: `Reconcile one device upload against the inventory database.

The batch file is YAML:

  device: d1
  mutations:
    - id: sale-1
      product: ibuprofen-400
      delta: 2
      clock: { d1: 7 }

Each mutation is resolved and its disposition committed. Re-running the same
batch is safe: acknowledged mutations are reported as replayed.

Exit codes:
  0 - Every mutation has an outcome
  1 - One or more mutations failed (unknown product, stale snapshots)
  2 - Command error (bad batch file, invalid batch, bad policy)

Examples:
  possync sync --db ./possync.db batch.yaml
  possync sync --db ./possync.db --policy strict.cue batch.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to CUE policy file")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSync(opts *SyncOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	step, err := harness.LoadBatch(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load batch", err)
	}
	batch := engine.Batch{DeviceID: step.Device}
	for _, ms := range step.Mutations {
		m, err := ms.Mutation(step.Device)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid mutation", err)
		}
		batch.Mutations = append(batch.Mutations, m)
	}

	cfg, err := loadPolicy(opts.Policy)
	if err != nil {
		return err
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxAttempts(cfg.MaxApplyAttempts),
	}
	if opts.IDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	eng := engine.New(st,
		resolver.New(resolver.WithPolicy(cfg.Resolver), resolver.WithLogger(logger)),
		engineOpts...,
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := eng.Reconcile(ctx, batch)
	if err != nil {
		if engine.IsInvalidBatch(err) {
			_ = formatter.Error("E_INVALID_BATCH", err.Error(), nil)
			return WrapExitError(ExitCommandError, "batch rejected", err)
		}
		return WrapExitError(ExitFailure, "reconcile failed", err)
	}

	if err := formatter.Success(reportView{report}); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) failed", report.Failed))
	}
	return nil
}
