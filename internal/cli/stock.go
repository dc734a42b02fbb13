package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/store"
)

// StockOptions holds flags for the stock command.
type StockOptions struct {
	*RootOptions
	Database string
	Product  string
	History  bool
}

// StockResult is the JSON payload of the stock command.
type StockResult struct {
	Products []store.Product `json:"products"`
	Outcomes []store.Outcome `json:"outcomes,omitempty"`
}

func (r StockResult) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tSTOCK\tCONTROLLED\tCLOCK")
	for _, p := range r.Products {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", p.ID, p.Stock, p.Controlled, p.Clock)
	}
	w.Flush()

	if len(r.Outcomes) > 0 {
		b.WriteString("\n")
		w = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tDEVICE\tMUTATION\tDISPOSITION\tSTOCK\tREASON")
		for _, o := range r.Outcomes {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d -> %d\t%s\n",
				o.Seq, o.DeviceID, o.MutationID, o.Disposition, o.StockBefore, o.StockAfter, o.Reason)
		}
		w.Flush()
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewStockCommand creates the stock command.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Show current stock and server clocks",
		Long: `List products with their stock and server vector clock.

With --history, also list the recorded outcome of every synchronized
mutation in commit order.

Examples:
  possync stock --db ./possync.db
  possync stock --db ./possync.db --product oxycodone-5 --history`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStock(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Product, "product", "", "show a single product")
	cmd.Flags().BoolVar(&opts.History, "history", false, "include the outcome log")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStock(opts *StockOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
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

	var result StockResult
	if opts.Product != "" {
		p, err := st.Product(ctx, opts.Product)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read product", err)
		}
		result.Products = []store.Product{p}
	} else {
		if result.Products, err = st.Products(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to list products", err)
		}
	}

	if opts.History {
		if result.Outcomes, err = st.Outcomes(ctx, opts.Product); err != nil {
			return WrapExitError(ExitFailure, "failed to list outcomes", err)
		}
	}

	return formatter.Success(result)
}
