package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/facesweep/internal/pipeline"
	"github.com/andresmejia3/facesweep/internal/scanner"
	"github.com/andresmejia3/facesweep/internal/types"
	"github.com/spf13/cobra"
)

type listOptions struct {
	Duplicates bool
	MaxDepth   int
	SkipHidden bool
}

var listOpts listOptions

var listCmd = &cobra.Command{
	Use:   "list <dir>...",
	Short: "List image files and their content hashes without running detection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), os.Stdout, args, listOpts)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listOpts.Duplicates, "duplicates", false, "Only show files whose content appears more than once")
	listCmd.Flags().IntVar(&listOpts.MaxDepth, "max-depth", 0, "Maximum directory depth below each root (0 = unlimited)")
	listCmd.Flags().BoolVar(&listOpts.SkipHidden, "skip-hidden", false, "Skip files and directories starting with '.'")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer, roots []string, opts listOptions) error {
	records := scanner.New(scanner.Config{MaxDepth: opts.MaxDepth, SkipHidden: opts.SkipHidden}).Scan(ctx, roots)
	if err := ctx.Err(); err != nil {
		return err
	}

	if opts.Duplicates {
		records = duplicateGroups(records)
	} else {
		sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	}

	if len(records) == 0 {
		if opts.Duplicates {
			fmt.Fprintln(out, "No duplicate images found.")
		} else {
			fmt.Fprintln(out, "No images found.")
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "HASH\tSIZE\tCREATED\tPATH")
	fmt.Fprintln(w, "----\t----\t-------\t----")

	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.ContentHash[:12], rec.Size, rec.CreationTimestamp.Local().Format("2006-01-02 15:04"), rec.Path)
	}
	return w.Flush()
}

// duplicateGroups keeps only records whose hash occurs more than once,
// grouped by hash and sorted by path inside each group.
func duplicateGroups(records []types.ImageRecord) []types.ImageRecord {
	_, dups := pipeline.Dedupe(records)
	repeated := make(map[string]bool, len(dups))
	for _, d := range dups {
		repeated[d.ContentHash] = true
	}

	var out []types.ImageRecord
	for _, rec := range records {
		if repeated[rec.ContentHash] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentHash != out[j].ContentHash {
			return out[i].ContentHash < out[j].ContentHash
		}
		return out[i].Path < out[j].Path
	})
	return out
}
