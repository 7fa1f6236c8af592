package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/types"
	"github.com/andresmejia3/facesweep/internal/utils"
	"github.com/andresmejia3/facesweep/internal/worker"
	"github.com/spf13/cobra"
)

var findOpts EngineOptions

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Detect faces in a single image and print their boxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0], findOpts)
	},
}

func init() {
	addEngineFlags(findCmd, &findOpts)
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string, opts EngineOptions) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		return showError("Input file does not exist", err, nil)
	}
	if err := opts.validate(); err != nil {
		return showError("Invalid options", err, nil)
	}

	raster, err := imageproc.Imaging{}.Decode(imagePath, opts.MaxEdge)
	if err != nil {
		return showError("Failed to decode image", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detection engine...")
	factory, err := opts.factory()
	if err != nil {
		return showError("Failed to initialize detection backend", err, nil)
	}
	// We use ID 0 for this ad-hoc worker
	det, err := factory(0)
	if err != nil {
		return showError("Failed to start detection engine", err, nil)
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	faces, err := det.Detect(ctx, raster)
	if err != nil {
		var logs *utils.SafeCommand
		if e, ok := det.(*worker.Engine); ok {
			logs = e.Cmd
		}
		return showError("Detection failed", err, logs)
	}

	dets := detect.ToDetections(faces, raster.Bounds())
	if len(dets) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	fmt.Printf("✅ Found %d face(s) in %s (%dx%d raster)\n", len(dets), imagePath, raster.Bounds().Dx(), raster.Bounds().Dy())
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\n#\tX\tY\tWIDTH\tHEIGHT\tCONFIDENCE")
	fmt.Fprintln(w, "-\t-\t-\t-----\t------\t----------")
	for i, d := range dets {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\n", i+1, d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height, fmtConfidence(d))
	}
	return w.Flush()
}

func fmtConfidence(d types.Detection) string {
	if d.Confidence == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *d.Confidence)
}
