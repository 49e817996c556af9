package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwv/pointalign/ransac"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := newRootCmd(NewApp()).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the CLI around a. The config file is loaded before any
// subcommand runs.
func newRootCmd(a *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pointalign",
		Short: "Robust 3D similarity alignment of point sets",
		Long: `pointalign estimates the rotation, translation and uniform scale mapping
one 3D point set onto another, using RANSAC to reject outlier pairs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.LoadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.ConfigFile, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&a.Verbose, "verbose", "v", false, "log a RANSAC summary per fit")
	rootCmd.PersistentFlags().BoolVar(&a.Trace, "trace", false, "log every RANSAC trial (implies --verbose)")

	rootCmd.AddCommand(newFitCmd(a))
	rootCmd.AddCommand(newApplyCmd(a))
	rootCmd.AddCommand(newRenderCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))

	return rootCmd
}

func newFitCmd(a *App) *cobra.Command {
	var (
		opts       FitOptions
		minSamples int
		threshold  float64
		trials     int
		workers    int
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a similarity transform between two point sets",
		Long: `Fit reads paired source and target point sets (JSON arrays of [x, y, z])
and writes the transform mapping source onto target. Flags override the
ransac section of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("min-samples") {
				opts.RANSAC.MinSamples = &minSamples
			}
			if flags.Changed("threshold") {
				opts.RANSAC.ResidualThreshold = &threshold
			}
			if flags.Changed("trials") {
				opts.RANSAC.MaxTrials = trials
			}
			if flags.Changed("workers") {
				opts.RANSAC.Workers = workers
			}
			if flags.Changed("seed") {
				opts.RANSAC.Seed = &seed
			}
			if err := opts.RANSAC.Validate(); err != nil {
				return err
			}
			_, err := a.RunFit(opts)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "source point set (X)")
	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "target point set (Y)")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "write the 4x4 transform to this file")
	cmd.Flags().StringVar(&opts.Record, "record", "", "write the full alignment record to this file")
	cmd.Flags().StringVar(&opts.GeoJSON, "geojson", "", "write an XY GeoJSON export of the fit")
	cmd.Flags().StringVar(&opts.SVG, "svg", "", "write an SVG overlay")
	cmd.Flags().StringVar(&opts.PNG, "png", "", "write a PNG overlay")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name of the fit (default: source file name)")

	cmd.Flags().IntVar(&minSamples, "min-samples", 0, "points per random subset (default: dimension + 1)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "inlier residual threshold (default: MAD of the target)")
	cmd.Flags().IntVar(&trials, "trials", ransac.DefaultMaxTrials, "number of RANSAC trials")
	cmd.Flags().IntVar(&workers, "workers", 1, "trials evaluated in parallel")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed for reproducible fits")

	return cmd
}

func newApplyCmd(a *App) *cobra.Command {
	var opts ApplyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Transform a point set with a saved transform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.RunApply(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Transform, "transform", "", "4x4 transform file")
	cmd.Flags().StringVar(&opts.Record, "record", "", "alignment record file")
	cmd.Flags().StringVarP(&opts.Points, "points", "p", "", "point set to transform")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "write transformed points here (default: stdout)")
	cmd.Flags().BoolVar(&opts.Inverse, "inverse", false, "apply the inverse transform")

	return cmd
}

func newRenderCmd(a *App) *cobra.Command {
	var opts RenderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the overlay of a saved fit to SVG or PNG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.RunRender(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Record, "record", "", "alignment record file")
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "source point set (X)")
	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "target point set (Y)")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "output file, .svg or .png")

	return cmd
}

func newServeCmd(a *App) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MQTT fit service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.RunService(ctx, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default: http.port from config, or 8080)")

	return cmd
}

func newVersionCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.Out, "pointalign %s\n", Version)
			return err
		},
	}
}
