package align

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPredictorTimeout bounds a single predictor evaluation.
const DefaultPredictorTimeout = 300 * time.Second

// Predictor evaluates an aligned mesh and returns the landmark error. An
// evaluation that cannot produce a value returns an error wrapping
// ErrEvaluationUnavailable; it never returns a made-up value.
type Predictor interface {
	Evaluate(ctx context.Context, meshPath, configHandle string) (float64, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, meshPath, configHandle string) (float64, error)

func (f PredictorFunc) Evaluate(ctx context.Context, meshPath, configHandle string) (float64, error) {
	return f(ctx, meshPath, configHandle)
}

var ransacErrorPattern = regexp.MustCompile(`Ransac average error\s+([\d.]+)`)

// ParsePredictorOutput extracts the RANSAC average error from predictor
// output. The last match wins when the value is printed more than once.
func ParsePredictorOutput(out []byte) (float64, error) {
	matches := ransacErrorPattern.FindAllSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: no error value in predictor output", ErrEvaluationUnavailable)
	}
	raw := string(matches[len(matches)-1][1])
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: unparseable error value %q", ErrEvaluationUnavailable, raw)
	}
	return v, nil
}

// CommandPredictor runs an external prediction command per evaluation.
// Args is an argv template; "{mesh}" and "{config}" are replaced in every
// argument.
type CommandPredictor struct {
	Args    []string
	Dir     string
	Timeout time.Duration
	logger  *zap.Logger
}

// NewCommandPredictor creates a predictor for the argv template. A nil
// logger disables logging.
func NewCommandPredictor(args []string, timeout time.Duration, logger *zap.Logger) (*CommandPredictor, error) {
	if len(args) == 0 {
		return nil, errors.New("predictor command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultPredictorTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPredictor{Args: args, Timeout: timeout, logger: logger.Named("predictor")}, nil
}

func (p *CommandPredictor) argv(meshPath, configHandle string) []string {
	r := strings.NewReplacer("{mesh}", meshPath, "{config}", configHandle)
	out := make([]string, len(p.Args))
	for i, a := range p.Args {
		out[i] = r.Replace(a)
	}
	return out
}

func (p *CommandPredictor) Evaluate(ctx context.Context, meshPath, configHandle string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	argv := p.argv(meshPath, configHandle)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.Dir
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		p.logger.Warn("predictor did not finish",
			zap.String("mesh", meshPath), zap.Duration("elapsed", elapsed), zap.Error(ctxErr))
		return 0, fmt.Errorf("%w: %w", ErrEvaluationUnavailable, ctxErr)
	}
	if err != nil {
		p.logger.Warn("predictor failed",
			zap.String("mesh", meshPath), zap.Error(err), zap.ByteString("output", tail(out, 512)))
		return 0, fmt.Errorf("%w: predictor command: %v", ErrEvaluationUnavailable, err)
	}

	v, err := ParsePredictorOutput(out)
	if err != nil {
		p.logger.Warn("predictor output unparseable", zap.String("mesh", meshPath), zap.ByteString("output", tail(out, 512)))
		return 0, err
	}
	p.logger.Debug("predictor finished",
		zap.String("mesh", meshPath), zap.Float64("error", v), zap.Duration("elapsed", elapsed))
	return v, nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
