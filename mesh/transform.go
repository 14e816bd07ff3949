package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultTargetFaceHeight is the face height, in mesh units, that normal-mode
// alignment scales to.
const DefaultTargetFaceHeight = 190.0

// rotationTolerance bounds RᵀR - I and det(R) - 1 for a valid transform.
const rotationTolerance = 1e-6

// AlignmentTransform maps p to TargetCenter + Scale * Rotation * (p - Center).
// Equivalently: translate Center to TargetCenter, rotate about it, then scale
// about it.
type AlignmentTransform struct {
	Translation  r3.Vec   `json:"translation"`
	Rotation     Rotation `json:"rotation"`
	Scale        float64  `json:"scale"`
	Method       string   `json:"method"`
	Center       r3.Vec   `json:"center"`
	TargetCenter r3.Vec   `json:"targetCenter"`
}

// NewTransform builds and validates a transform.
func NewTransform(method string, center, target r3.Vec, rot Rotation, scale float64) (AlignmentTransform, error) {
	t := AlignmentTransform{
		Translation:  r3.Sub(target, center),
		Rotation:     rot,
		Scale:        scale,
		Method:       method,
		Center:       center,
		TargetCenter: target,
	}
	if err := t.Validate(); err != nil {
		return AlignmentTransform{}, err
	}
	return t, nil
}

// Validate checks the rotation is proper and the scale positive and finite.
func (t AlignmentTransform) Validate() error {
	if math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) || t.Scale <= 0 {
		return fmt.Errorf("%w: invalid scale %v", ErrGeometryDegenerate, t.Scale)
	}
	if !t.Rotation.IsProper(rotationTolerance) {
		return fmt.Errorf("rotation is not proper: orthonormality error %.3g, det %.6f",
			t.Rotation.OrthonormalityError(), t.Rotation.Det())
	}
	return nil
}

// TransformPoint applies the transform to a single point.
func (t AlignmentTransform) TransformPoint(p r3.Vec) r3.Vec {
	local := r3.Sub(p, t.Center)
	return r3.Add(t.TargetCenter, r3.Scale(t.Scale, t.Rotation.Apply(local)))
}

// TransformPoints applies the transform to multiple points
func (t AlignmentTransform) TransformPoints(points []r3.Vec) []r3.Vec {
	result := make([]r3.Vec, len(points))
	for i, p := range points {
		result[i] = t.TransformPoint(p)
	}
	return result
}

// ComposeInput carries everything ComposeTransform needs.
type ComposeInput struct {
	Method           string
	Estimate         OrientationEstimate
	Frame            AnatomicalFrame
	Extents          Extents
	Center           r3.Vec
	PreserveScale    bool
	TargetFaceHeight float64 // DefaultTargetFaceHeight when zero
}

// ComposeTransform builds the translate, rotate, scale transform that takes
// the estimated orientation onto the frame. In preserve mode the scale is
// exactly 1; otherwise it is TargetFaceHeight over the extent along the
// estimated up axis.
func ComposeTransform(in ComposeInput) (AlignmentTransform, error) {
	rot, err := SolveRotation(in.Estimate.Nose, in.Estimate.Up, in.Frame.Nose, in.Frame.Up)
	if err != nil {
		return AlignmentTransform{}, fmt.Errorf("solving rotation: %w", err)
	}

	scale := 1.0
	if !in.PreserveScale {
		target := in.TargetFaceHeight
		if target == 0 {
			target = DefaultTargetFaceHeight
		}
		height := in.Extents.Along(in.Estimate.Up)
		if height <= degenerateDiagonal {
			return AlignmentTransform{}, fmt.Errorf("%w: face height is zero", ErrGeometryDegenerate)
		}
		scale = target / height
	}

	return NewTransform(in.Method, in.Center, in.Frame.Center, rot, scale)
}

// ApplyTransform returns a new mesh with t applied. Colors and faces are
// carried over unchanged; normals, when present, are regenerated from the
// transformed geometry.
func ApplyTransform(m *Mesh, t AlignmentTransform) (*Mesh, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	out := m.Clone()
	out.Vertices = t.TransformPoints(m.Vertices)
	if m.HasNormals() {
		out.Normals = ComputeNormals(out)
	}
	return out, nil
}
