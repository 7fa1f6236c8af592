package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facesweep/internal/logging"
	"github.com/andresmejia3/facesweep/internal/utils"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	verbose  bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facesweep",
	Short:   "Parallel face detection over image directories",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logging.SetLevel(logging.LevelDebug)
			return nil
		}
		if cmd.Flags().Changed("log-level") {
			lvl, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logging.SetLevel(lvl)
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		reportError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// shownError marks an error the command already reported to the user.
type shownError struct{ error }

func (e shownError) Unwrap() error { return e.error }

// showError prints the error box and marks err as reported.
func showError(msg string, err error, s *utils.SafeCommand) error {
	utils.ShowError(msg, err, s)
	return shownError{err}
}

// reportError prints errors nothing else has shown yet, like bad flags or arguments.
func reportError(w io.Writer, err error) {
	var shown shownError
	if errors.As(err, &shown) {
		return
	}
	fmt.Fprintln(w, "Error:", err)
}

func init() {
	// Execute reports errors itself so the ones already shown in a box aren't repeated.
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level=debug")
}
