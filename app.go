package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kwv/facealign/align"
	"github.com/kwv/facealign/mesh"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConfigFile = "config.yaml"
	defaultReportFile = align.DefaultReportPath
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	Logger     *zap.Logger
	History    *align.History
	MQTTClient *align.MQTTClient
	Publisher  *align.Publisher
	Store      *ResultStore

	// Predictor replaces the one built from the config when set.
	Predictor align.Predictor

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Logger: zap.NewNop()}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts

	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: building logger: %v\n", err)
		logger = zap.NewNop()
	}
	a.Logger = logger
}

// Close releases the history database and the MQTT connection.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn("closing history", zap.Error(err))
		}
		a.History = nil
	}
	_ = a.Logger.Sync()
}

// setup loads the configuration and opens the history database once.
func (a *App) setup() (*align.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	a.Config = cfg

	if cfg.HistoryDB != "" && a.History == nil {
		h, err := align.OpenHistory(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		a.History = h
		a.Logger.Info("opened history", zap.String("path", cfg.HistoryDB))
	}
	return cfg, nil
}

// loadConfig reads the config file and applies flag overrides. A missing
// file is only an error when it was named explicitly.
func (a *App) loadConfig() (*align.Config, error) {
	path := a.opts.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}

	var cfg *align.Config
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfigFile {
		a.Logger.Info("no config file, using defaults", zap.String("path", path))
		cfg = align.DefaultConfig()
	} else {
		loaded, err := align.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("loaded config", zap.String("path", path))
		cfg = loaded
	}

	if a.opts.Workers > 0 {
		cfg.Workers = a.opts.Workers
	}
	if a.opts.HistoryDB != "" {
		cfg.HistoryDB = a.opts.HistoryDB
	}
	if a.opts.Previews {
		cfg.Previews = true
	}
	if a.opts.PreserveScaleSet {
		cfg.PreserveScale = a.opts.PreserveScale
	}
	return cfg, nil
}

func (a *App) buildPredictor(cfg *align.Config) (align.Predictor, error) {
	if a.Predictor != nil {
		return a.Predictor, nil
	}
	pc := cfg.Predictor
	if pc.URL != "" {
		opts := []align.PredictOption{align.WithPredictorLogger(a.Logger)}
		if pc.Timeout > 0 {
			opts = append(opts, align.WithTimeout(pc.Timeout))
		}
		if pc.MaxRetries > 0 {
			opts = append(opts, align.WithMaxRetries(pc.MaxRetries))
		}
		a.Logger.Info("using HTTP predictor", zap.String("url", pc.URL))
		return align.NewHTTPPredictor(pc.URL, opts...), nil
	}
	p, err := align.NewCommandPredictor(pc.Command, pc.Timeout, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("building predictor: %w", err)
	}
	p.Dir = pc.Dir
	a.Logger.Info("using command predictor", zap.String("command", strings.Join(pc.Command, " ")))
	return p, nil
}

// buildMethods returns both alignment methods. A template that cannot be
// loaded leaves the reference method registered but failing each attempt
// with configuration_missing.
func (a *App) buildMethods(cfg *align.Config) (*align.AnatomicalMethod, *align.ReferenceTemplateMethod) {
	anatomical := align.NewAnatomicalMethod(cfg.TargetFaceHeight, cfg.PreserveScale)
	tpl, err := align.LoadReferenceTemplate(cfg.ReferenceTemplate)
	if err != nil {
		a.Logger.Warn("reference template unavailable", zap.String("path", cfg.ReferenceTemplate), zap.Error(err))
	}
	return anatomical, &align.ReferenceTemplateMethod{Template: tpl, PreserveScale: cfg.PreserveScale}
}

// buildOrchestrator wires the orchestrator. Methods that produced an
// acceptable result in earlier runs are forced for those meshes; config
// overrides take precedence over history.
func (a *App) buildOrchestrator(ctx context.Context, cfg *align.Config) (*align.Orchestrator, error) {
	predictor, err := a.buildPredictor(cfg)
	if err != nil {
		return nil, err
	}
	anatomical, template := a.buildMethods(cfg)

	overrides := align.Overrides{}
	if a.History != nil {
		best, err := a.History.BestMethods(ctx, cfg.Thresholds.Poor)
		if err != nil {
			a.Logger.Warn("reading best methods from history", zap.Error(err))
		} else {
			overrides = best
		}
	}
	overrides = overrides.Merge(cfg.Overrides)

	opts := []align.OrchestratorOption{
		align.WithMethod(anatomical),
		align.WithMethod(template),
		align.WithOverrides(overrides),
		align.WithThresholds(cfg.Thresholds),
		align.WithScoringPolicy(cfg.Scoring),
		align.WithPreviews(cfg.Previews),
		align.WithLogger(a.Logger),
	}
	if a.opts.OutputDir != "" {
		opts = append(opts, align.WithOutputDir(a.opts.OutputDir))
	}
	configs := align.MethodConfigs{Handles: cfg.Methods, VerifyFiles: cfg.VerifyMethodConfigs}
	return align.NewOrchestrator(predictor, configs, opts...), nil
}

// connectMQTT starts connecting in the background. Publishing before the
// connection is up fails per message and is only logged.
func (a *App) connectMQTT(cfg *align.Config, onRequest align.RequestHandler, stop <-chan struct{}) error {
	client, err := align.NewMQTTClient(cfg.MQTT, onRequest, a.Logger)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if client == nil {
		return nil
	}
	a.MQTTClient = client
	a.Publisher = align.NewPublisher(client.Client(), cfg.MQTT.PublishPrefix, a.Logger)
	go client.Connect(stop)
	return nil
}

// RunAlign aligns one mesh and writes it to outPath. The method is picked by
// the scorer unless forced with --method.
func (a *App) RunAlign(out io.Writer, inPath, outPath string) error {
	cfg, err := a.setup()
	if err != nil {
		return err
	}
	m, err := mesh.ReadMesh(inPath)
	if err != nil {
		return err
	}
	est, err := mesh.DetectOrientation(m)
	if err != nil {
		return err
	}
	desc, err := align.Describe(m, est)
	if err != nil {
		return err
	}
	score := cfg.Scoring.Score(desc)

	method, selection := score.Decision(), "scorer"
	if a.opts.Method != "" && a.opts.Method != "auto" {
		if method, err = align.ParseMethod(a.opts.Method); err != nil {
			return err
		}
		selection = "forced"
	}

	anatomical, template := a.buildMethods(cfg)
	var impl align.AlignmentMethod = anatomical
	if method == align.MethodUltimate {
		impl = template
	}
	t, diag, err := impl.Align(m)
	if err != nil {
		return fmt.Errorf("aligning %s with %s: %w", inPath, method, err)
	}
	aligned, err := mesh.ApplyTransform(m, t)
	if err != nil {
		return fmt.Errorf("applying transform: %w", err)
	}
	if err := mesh.WritePLY(outPath, aligned); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Input:\t%s\n", inPath)
	fmt.Fprintf(tw, "Output:\t%s\n", outPath)
	fmt.Fprintf(tw, "Method:\t%s (%s; anatomical %d, ultimate %d)\n", method, selection, score.Anatomical, score.Ultimate)
	if diag.Orientation != "" {
		fmt.Fprintf(tw, "Orientation:\t%s\n", diag.Orientation)
	}
	fmt.Fprintf(tw, "Scale:\t%.4f (normal mode %.4f)\n", diag.AppliedScale, diag.OriginalScale)
	fmt.Fprintf(tw, "Center:\t%.3f %.3f %.3f\n", t.Center.X, t.Center.Y, t.Center.Z)
	return tw.Flush()
}

// RunScore prints the descriptors and the rules the scorer applied.
func (a *App) RunScore(out io.Writer, path string) error {
	cfg, err := a.setup()
	if err != nil {
		return err
	}
	m, err := mesh.ReadMesh(path)
	if err != nil {
		return err
	}
	est, err := mesh.DetectOrientation(m)
	if err != nil {
		return err
	}
	d, err := align.Describe(m, est)
	if err != nil {
		return err
	}
	score := cfg.Scoring.Score(d)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Mesh:\t%s\n", path)
	fmt.Fprintf(tw, "Vertices:\t%d\n", d.VertexCount)
	fmt.Fprintf(tw, "Extents:\t%.2f x %.2f x %.2f (diagonal %.2f)\n",
		d.Extents.Width, d.Extents.Height, d.Extents.Depth, d.Extents.Diagonal)
	fmt.Fprintf(tw, "Aspect ratios:\t%.2f %.2f %.2f (max %.2f)\n",
		d.AspectRatios[0], d.AspectRatios[1], d.AspectRatios[2], d.MaxAspectRatio)
	fmt.Fprintf(tw, "Density:\t%.4f\n", d.Density)
	fmt.Fprintf(tw, "Colors:\t%v\n", d.HasColor)
	fmt.Fprintf(tw, "Normals:\t%v\n", d.HasNormal)
	fmt.Fprintf(tw, "Orientation:\t%s\n", d.Orientation)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "Rule\tMethod\tDelta\tExplanation")
	for _, hit := range score.Rationale {
		fmt.Fprintf(tw, "%s\t%s\t%+d\t%s\n", hit.Rule, hit.Method, hit.Delta, hit.Explanation)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Anatomical:\t%d\n", score.Anatomical)
	fmt.Fprintf(tw, "Ultimate:\t%d\n", score.Ultimate)
	fmt.Fprintf(tw, "Decision:\t%s\n", score.Decision())
	return tw.Flush()
}

// RunBatch aligns and evaluates every mesh under the input directory, saves
// the report and prints its summary.
func (a *App) RunBatch(ctx context.Context, out io.Writer) error {
	cfg, err := a.setup()
	if err != nil {
		return err
	}
	jobs, err := align.DiscoverMeshes(a.opts.InputDir)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no PLY meshes found under %s", a.opts.InputDir)
	}
	orch, err := a.buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	if err := a.connectMQTT(cfg, nil, stop); err != nil {
		a.Logger.Warn("MQTT publishing disabled", zap.Error(err))
	}
	var onOutcome align.OutcomeHandler
	if a.Publisher != nil {
		onOutcome = func(o align.Outcome) { _ = a.Publisher.PublishOutcome(o) }
	}

	fmt.Fprintf(out, "Processing %d mesh(es) with %d worker(s)\n\n", len(jobs), cfg.Workers)
	res := align.RunBatch(ctx, orch, jobs, cfg.Workers, onOutcome)

	reportPath := a.opts.ReportFile
	if reportPath == "" {
		reportPath = defaultReportFile
	}
	if err := align.SaveResult(reportPath, &res); err != nil {
		return err
	}
	if a.History != nil {
		// The batch context may already be canceled; the partial run is
		// still recorded.
		if err := a.History.RecordRun(context.WithoutCancel(ctx), res); err != nil {
			a.Logger.Warn("recording run history", zap.Error(err))
		}
	}
	if a.Publisher != nil {
		_ = a.Publisher.PublishReport(res.Report)
	}

	if err := align.WriteSummary(out, res.Report, a.opts.Top); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nReport written to %s\n", reportPath)
	if res.Report.Partial {
		return fmt.Errorf("batch interrupted after %d of %d meshes", len(res.Outcomes), len(jobs))
	}
	return nil
}

// RunReport prints the summary of a saved report.
func (a *App) RunReport(out io.Writer, path string) error {
	res, err := align.LoadResult(path)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("report not found: %s", path)
	}
	return align.WriteSummary(out, res.Report, a.opts.Top)
}

// RunHistory lists recorded runs, or every attempt of one mesh.
func (a *App) RunHistory(ctx context.Context, out io.Writer) error {
	if _, err := a.setup(); err != nil {
		return err
	}
	if a.History == nil {
		return errors.New("no history database configured (set historyDB or --history-db)")
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if a.opts.MeshID == "" {
		runs, err := a.History.Runs(ctx, 20)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "Run\tStarted\tMeshes\tAccepted\tFailed\tMean error\tPartial")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%v\n",
				r.ID, r.StartedAt.Local().Format(time.DateTime), r.Total, r.Accepted, r.Failed,
				formatError(r.MeanError), r.Partial)
		}
		return tw.Flush()
	}

	entries, err := a.History.MeshHistory(ctx, a.opts.MeshID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no recorded attempts for mesh %s", a.opts.MeshID)
	}
	fmt.Fprintln(tw, "Run\tRecorded\tMethod\tError\tTier\tReason\tFinal")
	for _, e := range entries {
		final := ""
		if e.Final {
			final = string(e.State)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.RunID, e.RecordedAt.Local().Format(time.DateTime), e.Method,
			formatError(e.Error), e.Tier, e.Reason, final)
	}
	return tw.Flush()
}

func formatError(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}

// RunServe serves the results over HTTP until ctx is canceled. With --mqtt
// it also aligns meshes requested on <prefix>/request and publishes each
// outcome.
func (a *App) RunServe(ctx context.Context, out io.Writer) error {
	cfg, err := a.setup()
	if err != nil {
		return err
	}
	a.Store = NewResultStoreWithCache(a.opts.ReportFile, cfg.Thresholds, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	if a.opts.MqttMode {
		orch, err := a.buildOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		requests := make(chan align.MeshJob, 64)
		onRequest := func(job align.MeshJob) {
			select {
			case requests <- job:
			default:
				a.Logger.Warn("request queue full, dropping", zap.String("mesh", job.ID))
			}
		}
		if err := a.connectMQTT(cfg, onRequest, gctx.Done()); err != nil {
			return err
		}
		if a.MQTTClient == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		for range cfg.Workers {
			g.Go(func() error {
				a.serveRequests(gctx, orch, requests)
				return nil
			})
		}
		fmt.Fprintf(out, "MQTT: requests on %s, outcomes on %s/outcome/{meshID}\n",
			a.MQTTClient.RequestTopic(), publishPrefix(cfg))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
		Handler:           newHTTPServer(a.Store, a.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.Logger.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(out, "HTTP endpoints (port %d):\n", a.opts.HttpPort)
	fmt.Fprintln(out, "  GET /health              - Health check")
	fmt.Fprintln(out, "  GET /report.json         - Latest batch report")
	fmt.Fprintln(out, "  GET /outcomes            - Outcome summaries")
	fmt.Fprintln(out, "  GET /outcome/{id}        - Full outcome of one mesh")
	fmt.Fprintln(out, "  GET /preview/{id}.png    - Aligned mesh preview (?view=front|profile|top)")
	fmt.Fprintln(out, "  GET /preview/{id}.svg    - Aligned mesh panels")
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	err = g.Wait()
	a.Logger.Info("service stopped")
	return err
}

// serveRequests processes queued requests until ctx is done.
func (a *App) serveRequests(ctx context.Context, orch *align.Orchestrator, requests <-chan align.MeshJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-requests:
			o := orch.Process(ctx, job)
			a.Store.Record(o)
			if a.Publisher != nil {
				_ = a.Publisher.PublishOutcome(o)
			}
		}
	}
}

func publishPrefix(cfg *align.Config) string {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		return env
	}
	if cfg.MQTT.PublishPrefix != "" {
		return cfg.MQTT.PublishPrefix
	}
	return "facealign"
}
