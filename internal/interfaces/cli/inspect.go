package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// NewInspectCmd prints the first record and the first collated batch, a
// quick check that the columns and the tokenizer line up.
func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the first record and first batch of the dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			rt := newRuntime(cliCtx.Config, cliCtx.Logger)
			defer func() { _ = rt.close(context.Background()) }()
			return runInspect(cmd, rt)
		},
	}
}

func runInspect(cmd *cobra.Command, rt *runtime) error {
	ctx := cmd.Context()
	if err := rt.openStore(); err != nil {
		return err
	}
	if err := rt.buildCollator(ctx); err != nil {
		return err
	}
	if err := rt.buildSources(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	rec, err := rt.dataset.At(0)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, rec)

	it, err := rt.train.Iter(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	if !it.Next() {
		if err := it.Err(); err != nil {
			return err
		}
		return errors.New(errors.ErrCodeEmptyDataset, "loader produced no batch")
	}
	batch := it.Batch()
	writeShapes(out, batch)
	fmt.Fprintf(out, "token_type_ids: %v\n", rows(batch))
	return nil
}

// writeShapes prints one "key: shape" line per batch array in key order.
func writeShapes(w io.Writer, b *collate.Batch) {
	shapes := b.Shapes()
	keys := make([]string, 0, len(shapes))
	for k := range shapes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, shapes[k])
	}
}

func rows(b *collate.Batch) [][]int64 {
	out := make([][]int64, b.TokenTypeIDs.Rows)
	for i := range out {
		out[i] = b.TokenTypeIDs.Row(i)
	}
	return out
}
