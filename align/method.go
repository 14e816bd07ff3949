package align

import (
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/kwv/facealign/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Method tags an alignment strategy.
type Method string

const (
	MethodAnatomical Method = "anatomical"
	MethodUltimate   Method = "ultimate"
)

// Methods lists every strategy in preference order.
var Methods = []Method{MethodAnatomical, MethodUltimate}

// Alternate returns the other strategy.
func (m Method) Alternate() Method {
	if m == MethodAnatomical {
		return MethodUltimate
	}
	return MethodAnatomical
}

// Valid reports whether m names a known strategy.
func (m Method) Valid() bool {
	return m == MethodAnatomical || m == MethodUltimate
}

// ParseMethod accepts "anatomical" or "ultimate".
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown method %q (want anatomical or ultimate)", s)
	}
	return m, nil
}

// Diagnostics describes how an alignment was derived. Fields a method does
// not use are left zero.
type Diagnostics struct {
	Orientation          mesh.OrientationGuess `json:"orientation,omitempty"`
	OrientationAmbiguous bool                  `json:"orientationAmbiguous,omitempty"`
	NoseCandidate        *r3.Vec               `json:"noseCandidate,omitempty"`
	HeadTopCandidate     *r3.Vec               `json:"headTopCandidate,omitempty"`
	FaceHeight           float64               `json:"faceHeight,omitempty"`
	// OriginalScale is the scale normal mode would apply; in preserve mode
	// it differs from the applied scale of 1.
	OriginalScale    float64 `json:"originalScale"`
	AppliedScale     float64 `json:"appliedScale"`
	TemplateVertices int     `json:"templateVertices,omitempty"`
}

// AlignmentMethod computes the transform that takes a mesh into the
// canonical frame.
type AlignmentMethod interface {
	Name() Method
	Align(m *mesh.Mesh) (mesh.AlignmentTransform, Diagnostics, error)
}

// AnatomicalMethod aligns by the extent-based orientation estimate:
// translate the centroid to the frame center, rotate the estimated nose and
// up onto the frame axes and scale to the target face height.
type AnatomicalMethod struct {
	Frame            mesh.AnatomicalFrame
	TargetFaceHeight float64
	PreserveScale    bool
}

// NewAnatomicalMethod returns the method targeting the canonical frame.
func NewAnatomicalMethod(targetFaceHeight float64, preserveScale bool) *AnatomicalMethod {
	return &AnatomicalMethod{
		Frame:            mesh.CanonicalFrame(),
		TargetFaceHeight: targetFaceHeight,
		PreserveScale:    preserveScale,
	}
}

func (a *AnatomicalMethod) Name() Method { return MethodAnatomical }

func (a *AnatomicalMethod) Align(m *mesh.Mesh) (mesh.AlignmentTransform, Diagnostics, error) {
	est, err := mesh.DetectOrientation(m)
	if err != nil {
		return mesh.AlignmentTransform{}, Diagnostics{}, err
	}
	ext, err := mesh.ComputeExtents(m)
	if err != nil {
		return mesh.AlignmentTransform{}, Diagnostics{}, err
	}

	target := a.TargetFaceHeight
	if target == 0 {
		target = mesh.DefaultTargetFaceHeight
	}
	diag := Diagnostics{
		Orientation:          est.Guess,
		OrientationAmbiguous: est.Ambiguous,
		NoseCandidate:        &est.NoseCandidate,
		HeadTopCandidate:     &est.HeadTopCandidate,
		FaceHeight:           ext.Along(est.Up),
	}
	if diag.FaceHeight > 0 {
		diag.OriginalScale = target / diag.FaceHeight
	}

	t, err := mesh.ComposeTransform(mesh.ComposeInput{
		Method:           string(MethodAnatomical),
		Estimate:         est,
		Frame:            a.Frame,
		Extents:          ext,
		Center:           m.Centroid(),
		PreserveScale:    a.PreserveScale,
		TargetFaceHeight: target,
	})
	if err != nil {
		return mesh.AlignmentTransform{}, diag, err
	}
	diag.AppliedScale = t.Scale
	return t, diag, nil
}

// ReferenceTemplateMethod moves the centroid of a mesh onto the centroid of
// a reference template without rotating it. In normal mode it also scales
// by the ratio of bounding diagonals.
type ReferenceTemplateMethod struct {
	Template      *mesh.Mesh
	PreserveScale bool
}

// LoadReferenceTemplate reads a template OBJ (or PLY) file. A missing file or
// empty path is reported as ErrConfigurationMissing.
func LoadReferenceTemplate(path string) (*mesh.Mesh, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no reference template configured", ErrConfigurationMissing)
	}
	tpl, err := mesh.ReadMesh(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: reference template %s", ErrConfigurationMissing, path)
		}
		return nil, fmt.Errorf("loading reference template: %w", err)
	}
	return tpl, nil
}

func (r *ReferenceTemplateMethod) Name() Method { return MethodUltimate }

func (r *ReferenceTemplateMethod) Align(m *mesh.Mesh) (mesh.AlignmentTransform, Diagnostics, error) {
	if r.Template == nil || len(r.Template.Vertices) == 0 {
		return mesh.AlignmentTransform{}, Diagnostics{}, fmt.Errorf("%w: reference template not loaded", ErrConfigurationMissing)
	}
	ext, err := mesh.ComputeExtents(m)
	if err != nil {
		return mesh.AlignmentTransform{}, Diagnostics{}, err
	}
	if ext.Diagonal <= 1e-9 {
		return mesh.AlignmentTransform{}, Diagnostics{}, fmt.Errorf("%w: zero bounding diagonal", mesh.ErrGeometryDegenerate)
	}
	tplExt, err := mesh.ComputeExtents(r.Template)
	if err != nil {
		return mesh.AlignmentTransform{}, Diagnostics{}, err
	}

	diag := Diagnostics{
		FaceHeight:       ext.Height,
		OriginalScale:    tplExt.Diagonal / ext.Diagonal,
		TemplateVertices: len(r.Template.Vertices),
	}
	scale := diag.OriginalScale
	if r.PreserveScale {
		scale = 1.0
	}
	if math.IsNaN(scale) || scale <= 0 {
		return mesh.AlignmentTransform{}, diag, fmt.Errorf("%w: template scale %v", mesh.ErrGeometryDegenerate, scale)
	}

	t, err := mesh.NewTransform(string(MethodUltimate), m.Centroid(), r.Template.Centroid(), mesh.IdentityRotation(), scale)
	if err != nil {
		return mesh.AlignmentTransform{}, diag, err
	}
	diag.AppliedScale = t.Scale
	return t, diag, nil
}
