package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/store"
)

// AuditOptions holds flags for the audit command and its subcommands.
type AuditOptions struct {
	*RootOptions
	Database string
	Status   string

	// Now overrides the resolution timestamp (for testing).
	Now func() time.Time
}

// AuditResult is the JSON payload of "audit".
type AuditResult struct {
	Entries []store.AuditEntry `json:"entries"`
}

func (r AuditResult) String() string {
	if len(r.Entries) == 0 {
		return "No audit entries."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDEVICE\tMUTATION\tPRODUCT\tDELTA\tCOMPLIANCE\tREASON")
	for _, e := range r.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			e.ID, e.Status, e.DeviceID, e.MutationID, e.ProductID, e.QuantityDelta, e.RequiresAudit, e.Reason)
	}
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the manual intervention queue",
		Long: `List mutations escalated to manual intervention.

Entries with COMPLIANCE=true are controlled-substance sales that also
require a compliance review.

Examples:
  possync audit --db ./possync.db
  possync audit --db ./possync.db --status PENDING --format json
  possync audit resolve --db ./possync.db <entry-id> APPROVED`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(opts, cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (PENDING|APPROVED|REJECTED)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newAuditResolveCommand(opts))

	return cmd
}

func newAuditResolveCommand(opts *AuditOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <entry-id> <APPROVED|REJECTED>",
		Short: "Close a pending audit entry",
		Long: `Mark a PENDING audit entry as APPROVED or REJECTED.

Resolving an entry does not change stock. An approved sale is re-entered
through the normal sync path.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditResolve(opts, args[0], args[1], cmd)
		},
	}
}

func runAuditList(opts *AuditOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var status store.AuditStatus
	if opts.Status != "" {
		var err error
		if status, err = store.ParseAuditStatus(strings.ToUpper(opts.Status)); err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entries, err := st.AuditEntries(ctx, status)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list audit entries", err)
	}

	return formatter.Success(AuditResult{Entries: entries})
}

func runAuditResolve(opts *AuditOptions, id, statusArg string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	status, err := store.ParseAuditStatus(strings.ToUpper(statusArg))
	if err != nil || !status.Terminal() {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("status must be %s or %s, got %q", store.AuditApproved, store.AuditRejected, statusArg))
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := st.ResolveAudit(ctx, id, status, now()); err != nil {
		return WrapExitError(ExitFailure, "failed to resolve audit entry", err)
	}

	entry, err := st.AuditEntry(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read audit entry", err)
	}
	formatter.VerboseLog("audit entry %s for %s/%s closed", entry.ID, entry.DeviceID, entry.MutationID)

	return formatter.Success(AuditResult{Entries: []store.AuditEntry{entry}})
}
