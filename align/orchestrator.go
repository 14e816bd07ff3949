package align

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/facealign/mesh"
	"go.uber.org/zap"
)

// State is a step of the per-mesh alignment state machine.
type State string

const (
	StateUnprocessed    State = "UNPROCESSED"
	StateMethodSelected State = "METHOD_SELECTED"
	StateAligned        State = "ALIGNED"
	StateEvaluated      State = "EVALUATED"
	StateAccepted       State = "ACCEPTED"
	StateRetryAlternate State = "RETRY_ALTERNATE"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateFailed
}

// MeshJob identifies one input mesh. When Mesh is set it is used directly
// and Path is informational.
type MeshJob struct {
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	Category string     `json:"category,omitempty"`
	Mesh     *mesh.Mesh `json:"-"`
}

func (j MeshJob) load() (*mesh.Mesh, error) {
	if j.Mesh != nil {
		return j.Mesh, j.Mesh.Validate()
	}
	return mesh.ReadMesh(j.Path)
}

// Attempt is the immutable record of aligning and evaluating a mesh with one
// method. A retry appends a new Attempt.
type Attempt struct {
	MeshID      string                   `json:"meshId"`
	Method      Method                   `json:"method"`
	Error       float64                  `json:"error"`
	Available   bool                     `json:"available"`
	Tier        Tier                     `json:"tier"`
	Reason      ReasonCode               `json:"reason,omitempty"`
	Detail      string                   `json:"detail,omitempty"`
	Transform   *mesh.AlignmentTransform `json:"transform,omitempty"`
	Diagnostics Diagnostics              `json:"diagnostics"`
	OutputPath  string                   `json:"outputPath,omitempty"`
	Duration    time.Duration            `json:"duration"`
}

// Value returns the error used for ranking; unavailable results rank as +Inf.
func (a Attempt) Value() float64 {
	if !a.Available {
		return math.Inf(1)
	}
	return a.Error
}

// Outcome is the terminal result of processing one mesh.
type Outcome struct {
	MeshID      string       `json:"meshId"`
	Category    string       `json:"category,omitempty"`
	State       State        `json:"state"`
	Reason      ReasonCode   `json:"reason,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Selection   string       `json:"selection,omitempty"` // "scorer" or "override"
	Descriptors *Descriptors `json:"descriptors,omitempty"`
	Score       *MethodScore `json:"score,omitempty"`
	Attempts    []Attempt    `json:"attempts"`
	Final       *Attempt     `json:"final,omitempty"`
	Trace       []State      `json:"trace"`
}

// Retried reports whether the alternate method was attempted.
func (o Outcome) Retried() bool {
	return len(o.Attempts) > 1
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// bestAttempt returns the attempt with the lowest error; earlier attempts
// win ties.
func bestAttempt(attempts []Attempt) Attempt {
	best := attempts[0]
	for _, a := range attempts[1:] {
		if a.Value() < best.Value() {
			best = a
		}
	}
	return best
}

func anyAvailable(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.Available {
			return true
		}
	}
	return false
}

// Orchestrator drives each mesh through method selection, alignment,
// evaluation and at most one retry with the alternate method. It holds no
// per-mesh state, so Process may be called concurrently.
type Orchestrator struct {
	methods    map[Method]AlignmentMethod
	predictor  Predictor
	configs    MethodConfigs
	overrides  Overrides
	thresholds Thresholds
	policy     ScoringPolicy
	outputDir  string
	previews   bool
	logger     *zap.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMethod registers (or replaces) an alignment method.
func WithMethod(m AlignmentMethod) OrchestratorOption {
	return func(o *Orchestrator) {
		o.methods[m.Name()] = m
	}
}

// WithOverrides forces methods for specific mesh IDs.
func WithOverrides(ov Overrides) OrchestratorOption {
	return func(o *Orchestrator) {
		o.overrides = ov
	}
}

// WithThresholds sets the tier and acceptance thresholds.
func WithThresholds(t Thresholds) OrchestratorOption {
	return func(o *Orchestrator) {
		o.thresholds = t
	}
}

// WithScoringPolicy sets the scorer thresholds.
func WithScoringPolicy(p ScoringPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithOutputDir sets where aligned meshes are written.
func WithOutputDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.outputDir = dir
	}
}

// WithPreviews writes an SVG preview next to every aligned mesh.
func WithPreviews(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.previews = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator creates an orchestrator. Without WithMethod only the
// anatomical method is available and the ultimate method reports missing
// configuration.
func NewOrchestrator(predictor Predictor, configs MethodConfigs, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		methods: map[Method]AlignmentMethod{
			MethodAnatomical: NewAnatomicalMethod(mesh.DefaultTargetFaceHeight, true),
		},
		predictor:  predictor,
		configs:    configs,
		thresholds: DefaultThresholds(),
		policy:     DefaultScoringPolicy(),
		outputDir:  filepath.Join(os.TempDir(), "facealign"),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o
}

// Thresholds returns the configured thresholds.
func (o *Orchestrator) Thresholds() Thresholds {
	return o.thresholds
}

// Process runs one mesh to a terminal state. Failures are reported in the
// returned Outcome, never as a panic or error, so one mesh cannot abort a
// batch.
func (o *Orchestrator) Process(ctx context.Context, job MeshJob) Outcome {
	log := o.logger.With(zap.String("mesh", job.ID))
	out := Outcome{
		MeshID:   job.ID,
		Category: job.Category,
		State:    StateUnprocessed,
		Trace:    []State{StateUnprocessed},
		Attempts: []Attempt{},
	}

	// --- Step 1: Load and describe ---
	m, err := job.load()
	if err != nil {
		reason := ReasonInputUnreadable
		if errors.Is(err, mesh.ErrGeometryDegenerate) {
			reason = ReasonGeometryDegenerate
		}
		return o.fail(out, reason, err, log)
	}
	est, err := mesh.DetectOrientation(m)
	if err != nil {
		return o.fail(out, reasonFor(err), err, log)
	}
	if est.Ambiguous {
		log.Info("extent ordering matches no orientation, using default frame",
			zap.String("orientation", string(est.Guess)))
	}
	desc, err := Describe(m, est)
	if err != nil {
		return o.fail(out, reasonFor(err), err, log)
	}
	score := o.policy.Score(desc)
	out.Descriptors, out.Score = &desc, &score

	// --- Step 2: Select method ---
	method, selection := score.Decision(), "scorer"
	if forced, ok := o.overrides.Lookup(job.ID); ok {
		method, selection = forced, "override"
	}
	out.Selection = selection
	log.Debug("method selected",
		zap.String("method", string(method)),
		zap.String("selection", selection),
		zap.Int("anatomicalScore", score.Anatomical),
		zap.Int("ultimateScore", score.Ultimate))

	// --- Step 3: Attempt, retrying once with the alternate ---
	tried := make(map[Method]bool, len(Methods))
	for {
		out.advance(StateMethodSelected)
		tried[method] = true
		att := o.attempt(ctx, &out, job, m, method, log)
		out.Attempts = append(out.Attempts, att)

		if fatalForMesh(att.Reason) {
			if !anyAvailable(out.Attempts) {
				out.Final = &att
				return o.finish(out, StateFailed, att.Reason, att.Detail, log)
			}
			// An earlier attempt was evaluated; let it compete below.
			break
		}
		if att.Available && att.Error < o.thresholds.Good {
			out.Final = &att
			return o.finish(out, StateAccepted, ReasonNone, "", log)
		}

		alt := method.Alternate()
		if tried[alt] || ctx.Err() != nil {
			break
		}
		log.Info("retrying with alternate method",
			zap.String("from", string(method)),
			zap.String("to", string(alt)),
			zap.String("reason", string(att.Reason)),
			zap.Float64("error", att.Error))
		out.advance(StateRetryAlternate)
		method = alt
	}

	// --- Step 4: Decide on the best attempt ---
	best := bestAttempt(out.Attempts)
	out.Final = &best
	if best.Available && best.Error < o.thresholds.Poor {
		return o.finish(out, StateAccepted, ReasonNone, "", log)
	}
	reason := best.Reason
	if reason == ReasonNone {
		reason = ReasonPoorError
	}
	return o.finish(out, StateFailed, reason, best.Detail, log)
}

// attempt aligns m with method, writes the result and evaluates it.
func (o *Orchestrator) attempt(ctx context.Context, out *Outcome, job MeshJob, m *mesh.Mesh, method Method, log *zap.Logger) Attempt {
	start := time.Now()
	att := Attempt{MeshID: job.ID, Method: method}
	done := func(reason ReasonCode, err error) Attempt {
		att.Reason = reason
		if err != nil {
			att.Detail = err.Error()
			log.Warn("attempt failed",
				zap.String("method", string(method)),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
		att.Tier = o.thresholds.Classify(att.Error, att.Available)
		att.Duration = time.Since(start)
		return att
	}

	impl, ok := o.methods[method]
	if !ok {
		return done(ReasonConfigurationMissing, fmt.Errorf("%w: method %s is not registered", ErrConfigurationMissing, method))
	}
	handle, err := o.configs.Lookup(method)
	if err != nil {
		return done(ReasonConfigurationMissing, err)
	}

	t, diag, err := impl.Align(m)
	att.Diagnostics = diag
	if err != nil {
		return done(reasonFor(err), fmt.Errorf("aligning: %w", err))
	}
	aligned, err := mesh.ApplyTransform(m, t)
	if err != nil {
		return done(reasonFor(err), fmt.Errorf("applying transform: %w", err))
	}
	att.Transform = &t

	path := o.outputPath(job, method)
	if err := mesh.WritePLY(path, aligned); err != nil {
		return done(ReasonAlignmentFailed, fmt.Errorf("writing aligned mesh: %w", err))
	}
	att.OutputPath = path
	if o.previews {
		o.writePreview(strings.TrimSuffix(path, ".ply")+".svg", aligned, log)
	}
	out.advance(StateAligned)

	v, err := o.predictor.Evaluate(ctx, path, handle)
	out.advance(StateEvaluated)
	if err != nil {
		reason := ReasonEvaluationUnavailable
		if errors.Is(err, context.Canceled) {
			reason = ReasonCanceled
		}
		return done(reason, err)
	}
	att.Error, att.Available = v, true

	reason := ReasonNone
	if v >= o.thresholds.Poor {
		reason = ReasonPoorError
	}
	log.Debug("attempt evaluated",
		zap.String("method", string(method)),
		zap.Float64("error", v),
		zap.Float64("scale", t.Scale))
	return done(reason, nil)
}

func (o *Orchestrator) outputPath(job MeshJob, method Method) string {
	return filepath.Join(o.outputDir, job.Category, fmt.Sprintf("%s_%s.ply", job.ID, method))
}

func (o *Orchestrator) writePreview(path string, m *mesh.Mesh, log *zap.Logger) {
	f, err := os.Create(path)
	if err != nil {
		log.Warn("creating preview", zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	if err := mesh.NewVectorRenderer(m).RenderToSVG(f); err != nil {
		log.Warn("rendering preview", zap.Error(err))
	}
}

func (o *Orchestrator) fail(out Outcome, reason ReasonCode, err error, log *zap.Logger) Outcome {
	return o.finish(out, StateFailed, reason, err.Error(), log)
}

func (o *Orchestrator) finish(out Outcome, state State, reason ReasonCode, detail string, log *zap.Logger) Outcome {
	out.advance(state)
	out.Reason = reason
	out.Detail = detail

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("attempts", len(out.Attempts)),
	}
	if out.Final != nil {
		fields = append(fields,
			zap.String("method", string(out.Final.Method)),
			zap.Float64("error", out.Final.Error),
			zap.Bool("available", out.Final.Available))
	}
	if reason != ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	log.Info("mesh finished", fields...)
	return out
}
