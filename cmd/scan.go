package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/facesweep/internal/dispatch"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/metrics"
	"github.com/andresmejia3/facesweep/internal/pipeline"
	"github.com/andresmejia3/facesweep/internal/preview"
	"github.com/andresmejia3/facesweep/internal/scanner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Options holds the scan command configuration.
type Options struct {
	EngineOptions
	Roots       []string
	NumWorkers  int
	FailFast    bool
	Dedupe      bool
	MaxDepth    int
	SkipHidden  bool
	PreviewDir  string
	MetricsFile string
	JSON        bool
	NoProgress  bool
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan <dir>...",
	Short: "Detect faces in every image under the given directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := scanOpts
		opts.Roots = args
		return runScan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().IntVarP(&scanOpts.NumWorkers, "workers", "w", 0, "Number of parallel detection workers (also the batch size)")
	scanCmd.Flags().BoolVar(&scanOpts.FailFast, "fail-fast", false, "Abort the whole run on the first detection failure")
	scanCmd.Flags().BoolVar(&scanOpts.Dedupe, "dedupe", false, "Process only the first file seen for each content hash")
	scanCmd.Flags().IntVar(&scanOpts.MaxDepth, "max-depth", 0, "Maximum directory depth below each root (0 = unlimited)")
	scanCmd.Flags().BoolVar(&scanOpts.SkipHidden, "skip-hidden", false, "Skip files and directories starting with '.'")
	scanCmd.Flags().StringVar(&scanOpts.PreviewDir, "preview-dir", "", "Write a JPEG mosaic with detected boxes for every batch to this directory")
	scanCmd.Flags().StringVar(&scanOpts.MetricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this path when done")
	scanCmd.Flags().BoolVar(&scanOpts.JSON, "json", false, "Print the full report as JSON instead of the summary")
	scanCmd.Flags().BoolVar(&scanOpts.NoProgress, "no-progress", false, "Disable the progress bar (also off when stderr is not a terminal)")
	addEngineFlags(scanCmd, &scanOpts.EngineOptions)

	scanCmd.MarkFlagRequired("workers")
	rootCmd.AddCommand(scanCmd)
}

// runScan wires the backend, the preview sink and the pipeline, then prints the report.
func runScan(ctx context.Context, opts Options) error {
	if err := validateScanFlags(&opts); err != nil {
		return showError("Invalid scan options", err, nil)
	}

	factory, err := opts.factory()
	if err != nil {
		return showError("Failed to initialize detection backend", err, nil)
	}

	var sink preview.Sink
	if opts.PreviewDir != "" {
		fileSink, err := preview.NewFileSink(opts.PreviewDir)
		if err != nil {
			return showError("Failed to prepare preview directory", err, nil)
		}
		sink = fileSink
	}

	policy := dispatch.BestEffort
	if opts.FailFast {
		policy = dispatch.FailFast
	}
	// The bar redraws in place, which only makes sense on a terminal.
	var progress io.Writer
	if !opts.NoProgress && term.IsTerminal(int(os.Stderr.Fd())) {
		progress = os.Stderr
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s workers (%s)...\n", opts.NumWorkers, opts.Engine, policy)

	rep, err := pipeline.Run(ctx, pipeline.Options{
		Roots: opts.Roots,
		Scan:  scanner.Config{MaxDepth: opts.MaxDepth, SkipHidden: opts.SkipHidden},
		Dispatch: dispatch.Config{
			Workers:  opts.NumWorkers,
			MaxEdge:  opts.MaxEdge,
			Policy:   policy,
			Progress: progress,
		},
		Dedupe: opts.Dedupe,
	}, pipeline.Deps{
		Factory: factory,
		Decoder: imageproc.Imaging{},
		Sink:    sink,
	})

	if opts.MetricsFile != "" {
		if merr := metrics.WriteTextfile(opts.MetricsFile); merr != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to write metrics file: %v\n", merr)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\n🛑 Scan interrupted.")
			return shownError{err}
		}
		return showError("Scan failed", err, nil)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete.\n")
	if opts.JSON {
		return rep.WriteJSON(os.Stdout)
	}
	rep.Print(os.Stdout)
	return nil
}

// validateScanFlags ensures all CLI arguments are valid before any engine is started.
func validateScanFlags(opts *Options) error {
	if len(opts.Roots) == 0 {
		return fmt.Errorf("at least one directory is required")
	}
	if opts.NumWorkers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", opts.NumWorkers)
	}
	if opts.MaxDepth < 0 {
		return fmt.Errorf("max-depth must be >= 0, got %d", opts.MaxDepth)
	}
	for _, root := range opts.Roots {
		info, err := os.Stat(root)
		if err != nil {
			// Missing roots are skipped by the scanner, not fatal.
			continue
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", root)
		}
	}
	return opts.EngineOptions.validate()
}
