package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line flags to the App.
type AppOptions struct {
	ConfigFile string
	Verbose    bool
	HistoryDB  string

	// align
	Method           string
	PreserveScale    bool
	PreserveScaleSet bool

	// batch
	InputDir   string
	OutputDir  string
	ReportFile string
	Workers    int
	Previews   bool
	Top        int

	// history
	MeshID string

	// serve
	HttpPort int
	MqttMode bool
}

// Runner is the behaviour behind the commands. main uses *App; tests use a
// mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunAlign(out io.Writer, inPath, outPath string) error
	RunScore(out io.Writer, path string) error
	RunBatch(ctx context.Context, out io.Writer) error
	RunReport(out io.Writer, path string) error
	RunHistory(ctx context.Context, out io.Writer) error
	RunServe(ctx context.Context, out io.Writer) error
}

func newRootCmd(out io.Writer, app Runner) *cobra.Command {
	opts := AppOptions{}

	root := &cobra.Command{
		Use:   "facealign",
		Short: "Align 3D face scans into a canonical frame and grade them with a landmark predictor",
		Long: `facealign brings scanned face meshes into one anatomical frame (nose +Z,
up +Y, centered at the origin), evaluates every result with an external
landmark predictor and retries once with the alternate method when the
first result is poor.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.PreserveScaleSet = cmd.Flags().Changed("preserve-scale")
			app.ApplyOptions(opts)
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&opts.HistoryDB, "history-db", "", "SQLite database recording every attempt (overrides config)")

	alignCmd := &cobra.Command{
		Use:   "align <in.ply> <out.ply>",
		Short: "Align a single mesh without evaluating it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunAlign(cmd.OutOrStdout(), args[0], args[1])
		},
	}
	alignCmd.Flags().StringVar(&opts.Method, "method", "auto", "Alignment method: auto, anatomical or ultimate")
	alignCmd.Flags().BoolVar(&opts.PreserveScale, "preserve-scale", false, "Keep the original size (overrides config)")

	scoreCmd := &cobra.Command{
		Use:   "score <mesh.ply>",
		Short: "Show descriptors and method scores without aligning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunScore(cmd.OutOrStdout(), args[0])
		},
	}

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Align and evaluate every PLY mesh under a directory and write a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunBatch(cmd.Context(), cmd.OutOrStdout())
		},
	}
	batchCmd.Flags().StringVar(&opts.InputDir, "input", "", "Directory holding the meshes (searched recursively)")
	batchCmd.Flags().StringVar(&opts.OutputDir, "output", "aligned", "Directory for aligned meshes")
	batchCmd.Flags().StringVar(&opts.ReportFile, "report", defaultReportFile, "Path of the JSON report")
	batchCmd.Flags().IntVar(&opts.Workers, "workers", 0, "Meshes processed concurrently (overrides config)")
	batchCmd.Flags().BoolVar(&opts.Previews, "preview", false, "Write an SVG preview next to each aligned mesh")
	batchCmd.Flags().IntVar(&opts.Top, "top", 10, "Ranking rows in the summary")
	_ = batchCmd.MarkFlagRequired("input")

	reportCmd := &cobra.Command{
		Use:   "report [report.json]",
		Short: "Print the summary of a saved batch report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultReportFile
			if len(args) == 1 {
				path = args[0]
			}
			return app.RunReport(cmd.OutOrStdout(), path)
		},
	}
	reportCmd.Flags().IntVar(&opts.Top, "top", 10, "Ranking rows in the summary")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or every attempt for one mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunHistory(cmd.Context(), cmd.OutOrStdout())
		},
	}
	historyCmd.Flags().StringVar(&opts.MeshID, "mesh", "", "Show the attempts of one mesh")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve results over HTTP and accept alignment requests over MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunServe(cmd.Context(), cmd.OutOrStdout())
		},
	}
	serveCmd.Flags().IntVar(&opts.HttpPort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&opts.ReportFile, "report", defaultReportFile, "Report served at startup and kept up to date")
	serveCmd.Flags().StringVar(&opts.OutputDir, "output", "aligned", "Directory for meshes aligned on request")
	serveCmd.Flags().BoolVar(&opts.MqttMode, "mqtt", false, "Accept alignment requests over MQTT")
	serveCmd.Flags().BoolVar(&opts.Previews, "preview", false, "Write an SVG preview next to each aligned mesh")

	root.AddCommand(alignCmd, scoreCmd, batchCmd, reportCmd, historyCmd, serveCmd)
	return root
}

// run executes the command line in args against app.
func run(args []string, out io.Writer, app Runner) error {
	return runContext(context.Background(), args, out, app)
}

func runContext(ctx context.Context, args []string, out io.Writer, app Runner) error {
	cmd := newRootCmd(out, app)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := NewApp()
	err := runContext(ctx, os.Args[1:], os.Stdout, app)
	app.Close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
