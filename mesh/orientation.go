package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	axisX = r3.Vec{X: 1}
	axisY = r3.Vec{Y: 1}
	axisZ = r3.Vec{Z: 1}
)

// ClassifyExtents picks the orientation hypothesis from the axis ranges alone.
// Strict orderings only; any tie falls through to OrientationUnknown.
//
//	height > width > depth  standard (nose +Z, up +Y)
//	depth > height > width  z_up     (nose +X, up +Z)
//	width > depth > height  x_up     (nose +Y, up +X)
func ClassifyExtents(e Extents) OrientationGuess {
	w, h, d := e.Width, e.Height, e.Depth
	switch {
	case h > w && w > d:
		return OrientationStandard
	case d > h && h > w:
		return OrientationZUp
	case w > d && d > h:
		return OrientationXUp
	default:
		return OrientationUnknown
	}
}

// DetectOrientation estimates the nose and up directions of a mesh from its
// bounding extents. An unmatched extent ordering is not an error: it yields
// the canonical default (nose +Z, up +Y) with Ambiguous set.
func DetectOrientation(m *Mesh) (OrientationEstimate, error) {
	ext, err := ComputeExtents(m)
	if err != nil {
		return OrientationEstimate{}, err
	}
	if ext.Diagonal <= degenerateDiagonal {
		return OrientationEstimate{}, fmt.Errorf("%w: bounding diagonal %.3g", ErrGeometryDegenerate, ext.Diagonal)
	}

	xt := findExtremes(m.Vertices)
	est := OrientationEstimate{
		Guess:    ClassifyExtents(ext),
		Extremes: xt,
	}

	switch est.Guess {
	case OrientationStandard:
		est.Nose, est.Up = axisZ, axisY
		est.NoseCandidate, est.HeadTopCandidate = xt.ZMax, xt.YMax
	case OrientationZUp:
		est.Nose, est.Up = axisX, axisZ
		est.NoseCandidate, est.HeadTopCandidate = xt.XMax, xt.ZMax
	case OrientationXUp:
		est.Nose, est.Up = axisY, axisX
		est.NoseCandidate, est.HeadTopCandidate = xt.YMax, xt.XMax
	default:
		est.Nose, est.Up = axisZ, axisY
		est.NoseCandidate, est.HeadTopCandidate = xt.ZMax, xt.YMax
		est.Ambiguous = true
	}
	return est, nil
}
