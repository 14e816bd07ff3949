package align

import (
	"fmt"
	"math"

	"github.com/kwv/facealign/mesh"
)

// MaxAspectRatio caps the ratio reported for an axis with zero extent.
const MaxAspectRatio = 1e6

// Descriptors are the structural features the scorer decides on.
type Descriptors struct {
	VertexCount int          `json:"vertexCount"`
	Extents     mesh.Extents `json:"extents"`
	// AspectRatios holds max/min of (width, height), (width, depth) and
	// (height, depth), in that order.
	AspectRatios   [3]float64            `json:"aspectRatios"`
	MaxAspectRatio float64               `json:"maxAspectRatio"`
	Density        float64               `json:"density"` // vertices per squared diagonal
	HasColor       bool                  `json:"hasColor"`
	HasNormal      bool                  `json:"hasNormal"`
	Orientation    mesh.OrientationGuess `json:"orientation"`
}

// Describe computes the scorer descriptors for m.
func Describe(m *mesh.Mesh, est mesh.OrientationEstimate) (Descriptors, error) {
	ext, err := mesh.ComputeExtents(m)
	if err != nil {
		return Descriptors{}, err
	}
	if ext.Diagonal <= 1e-9 {
		return Descriptors{}, fmt.Errorf("%w: zero bounding diagonal", mesh.ErrGeometryDegenerate)
	}
	d := Descriptors{
		VertexCount: len(m.Vertices),
		Extents:     ext,
		AspectRatios: [3]float64{
			aspectRatio(ext.Width, ext.Height),
			aspectRatio(ext.Width, ext.Depth),
			aspectRatio(ext.Height, ext.Depth),
		},
		Density:     float64(len(m.Vertices)) / (ext.Diagonal * ext.Diagonal),
		HasColor:    m.HasColors(),
		HasNormal:   m.HasNormals(),
		Orientation: est.Guess,
	}
	d.MaxAspectRatio = max(d.AspectRatios[0], d.AspectRatios[1], d.AspectRatios[2])
	return d, nil
}

func aspectRatio(a, b float64) float64 {
	hi, lo := math.Max(a, b), math.Min(a, b)
	if lo <= 0 {
		if hi <= 0 {
			return 1
		}
		return MaxAspectRatio
	}
	return math.Min(hi/lo, MaxAspectRatio)
}
