package align

import (
	"context"
	"errors"

	"github.com/kwv/facealign/mesh"
)

var (
	// ErrEvaluationUnavailable is returned by a Predictor that timed out,
	// crashed or produced no parseable error value.
	ErrEvaluationUnavailable = errors.New("external evaluation unavailable")

	// ErrConfigurationMissing is returned when a method's configuration
	// handle or reference template is absent.
	ErrConfigurationMissing = errors.New("configuration missing")
)

// ReasonCode records why an attempt or mesh did not succeed.
type ReasonCode string

const (
	ReasonNone                  ReasonCode = ""
	ReasonGeometryDegenerate    ReasonCode = "geometry_degenerate"
	ReasonOrientationAmbiguous  ReasonCode = "orientation_ambiguous"
	ReasonEvaluationUnavailable ReasonCode = "evaluation_unavailable"
	ReasonConfigurationMissing  ReasonCode = "configuration_missing"
	ReasonPoorError             ReasonCode = "poor_error"
	ReasonInputUnreadable       ReasonCode = "input_unreadable"
	ReasonAlignmentFailed       ReasonCode = "alignment_failed"
	ReasonCanceled              ReasonCode = "canceled"
)

// reasonFor maps an error to its reason code. A parallel direction pair
// wraps both geometry sentinels and is reported as orientation_ambiguous.
func reasonFor(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, mesh.ErrOrientationAmbiguous):
		return ReasonOrientationAmbiguous
	case errors.Is(err, mesh.ErrGeometryDegenerate):
		return ReasonGeometryDegenerate
	case errors.Is(err, ErrConfigurationMissing):
		return ReasonConfigurationMissing
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrEvaluationUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonEvaluationUnavailable
	default:
		return ReasonAlignmentFailed
	}
}

// fatalForMesh reports whether a reason ends processing of the mesh without
// trying the alternate method. On a retry it only skips further attempts;
// an earlier evaluated attempt is still considered.
func fatalForMesh(r ReasonCode) bool {
	return r == ReasonGeometryDegenerate || r == ReasonOrientationAmbiguous || r == ReasonInputUnreadable
}
