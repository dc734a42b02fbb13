package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/harness"
	"github.com/roach88/possync/internal/store"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Database string

	// Now overrides the timestamp recorded on seeded rows (for testing).
	Now func() time.Time
}

// SeedResult is the JSON payload of the seed command.
type SeedResult struct {
	Seeded   int      `json:"seeded"`
	Products []string `json:"products"`
}

func (r SeedResult) String() string {
	return fmt.Sprintf("Seeded %d product(s)", r.Seeded)
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <products-file>",
		Short: "Insert or replace products in the inventory",
		Long: `Upsert products from a YAML file into the inventory database, creating
the database if it doesn't exist.

The file has the form:

  products:
    - id: ibuprofen-400
      name: Ibuprofen 400mg
      stock: 120
    - id: oxycodone-5
      stock: 30
      clock: { d1: 4 }
      controlled: true

Seeding overwrites stock and clock; synchronized sales go through "sync".

Example:
  possync seed --db ./possync.db products.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSeed(opts *SeedOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	seeds, err := harness.LoadProducts(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load products", err)
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := SeedResult{Products: make([]string, 0, len(seeds))}
	for _, seed := range seeds {
		var p store.Product
		if p, err = seed.Product(); err != nil {
			return WrapExitError(ExitCommandError, "invalid product", err)
		}
		p.UpdatedAt = now()
		if err := st.PutProduct(ctx, p); err != nil {
			return WrapExitError(ExitFailure, "failed to seed product", err)
		}
		formatter.VerboseLog("seeded %s: stock=%d clock=%s", p.ID, p.Stock, p.Clock)
		result.Products = append(result.Products, p.ID)
		result.Seeded++
	}

	return formatter.Success(result)
}
