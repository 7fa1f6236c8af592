package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/worker"
	"github.com/spf13/cobra"
)

const (
	envEngineCmd = "FACESWEEP_ENGINE_CMD"
	envCascade   = "FACESWEEP_CASCADE"
)

// EngineOptions selects and configures the detection backend. Shared by scan and find.
type EngineOptions struct {
	Engine        string
	EngineCmd     string
	CascadePath   string
	EngineTimeout string
	Threshold     float64
	MaxEdge       int
}

func addEngineFlags(cmd *cobra.Command, opts *EngineOptions) {
	cmd.Flags().StringVar(&opts.Engine, "engine", "process", fmt.Sprintf("Detection backend %v", detect.Backends()))
	cmd.Flags().StringVar(&opts.EngineCmd, "engine-cmd", "", "Engine command line for the process backend (env "+envEngineCmd+", default: "+strings.Join(worker.DefaultCommand, " ")+")")
	cmd.Flags().StringVar(&opts.CascadePath, "cascade", "", "Haar cascade XML for the cascade backend (env "+envCascade+")")
	cmd.Flags().StringVar(&opts.EngineTimeout, "engine-timeout", "30s", "Maximum time a single detection may take")
	cmd.Flags().Float64VarP(&opts.Threshold, "detection-threshold", "D", 0, "Drop faces below this confidence when the engine reports one")
	cmd.Flags().IntVar(&opts.MaxEdge, "max-edge", 512, "Longer image edge after resizing, in pixels")
}

// validate fills env fallbacks and checks the values that would otherwise fail late.
func (o *EngineOptions) validate() error {
	if o.EngineCmd == "" {
		o.EngineCmd = os.Getenv(envEngineCmd)
	}
	if o.CascadePath == "" {
		o.CascadePath = os.Getenv(envCascade)
	}

	known := false
	for _, b := range detect.Backends() {
		if b == o.Engine {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown engine %q (available: %v)", o.Engine, detect.Backends())
	}
	if o.Engine == "cascade" && o.CascadePath == "" {
		return fmt.Errorf("the cascade engine needs --cascade or %s", envCascade)
	}
	if o.MaxEdge < 1 {
		return fmt.Errorf("max-edge must be >= 1, got %d", o.MaxEdge)
	}
	if o.Threshold < 0 || o.Threshold > 1.0 {
		return fmt.Errorf("detection threshold must be between 0.0 and 1.0, got %f", o.Threshold)
	}
	if _, err := time.ParseDuration(o.EngineTimeout); err != nil {
		return fmt.Errorf("invalid engine-timeout (use '30s', '500ms'): %w", err)
	}
	return nil
}

// factory resolves the backend. Call validate first.
func (o *EngineOptions) factory() (detect.Factory, error) {
	timeout, err := time.ParseDuration(o.EngineTimeout)
	if err != nil {
		return nil, err
	}
	return detect.Lookup(o.Engine, detect.Options{
		Command:   strings.Fields(o.EngineCmd),
		ModelPath: o.CascadePath,
		Threshold: o.Threshold,
		Timeout:   timeout,
	})
}
