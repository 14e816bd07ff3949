package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a vertex set with optional per-vertex colors and normals and
// optional triangle faces. Pipeline stages never modify a Mesh in place; they
// return a new one.
type Mesh struct {
	Vertices []r3.Vec
	Colors   [][3]uint8 // nil when the source has no color channel
	Normals  []r3.Vec   // nil when the source has no normal channel
	Faces    [][3]int
}

// HasColors reports whether every vertex carries a color.
func (m *Mesh) HasColors() bool {
	return len(m.Colors) > 0 && len(m.Colors) == len(m.Vertices)
}

// HasNormals reports whether every vertex carries a normal.
func (m *Mesh) HasNormals() bool {
	return len(m.Normals) > 0 && len(m.Normals) == len(m.Vertices)
}

// Validate rejects meshes the pipeline cannot process.
func (m *Mesh) Validate() error {
	if m == nil || len(m.Vertices) == 0 {
		return fmt.Errorf("%w: mesh has no vertices", ErrGeometryDegenerate)
	}
	if len(m.Colors) > 0 && len(m.Colors) != len(m.Vertices) {
		return fmt.Errorf("color count %d does not match vertex count %d", len(m.Colors), len(m.Vertices))
	}
	if len(m.Normals) > 0 && len(m.Normals) != len(m.Vertices) {
		return fmt.Errorf("normal count %d does not match vertex count %d", len(m.Normals), len(m.Vertices))
	}
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= len(m.Vertices) {
				return fmt.Errorf("face %d references vertex %d out of range", i, idx)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{Vertices: append([]r3.Vec(nil), m.Vertices...)}
	if m.Colors != nil {
		out.Colors = append([][3]uint8(nil), m.Colors...)
	}
	if m.Normals != nil {
		out.Normals = append([]r3.Vec(nil), m.Normals...)
	}
	if m.Faces != nil {
		out.Faces = append([][3]int(nil), m.Faces...)
	}
	return out
}

// Centroid returns the mean vertex position.
func (m *Mesh) Centroid() r3.Vec {
	var c r3.Vec
	if len(m.Vertices) == 0 {
		return c
	}
	for _, v := range m.Vertices {
		c = r3.Add(c, v)
	}
	return r3.Scale(1/float64(len(m.Vertices)), c)
}

// AnatomicalFrame is the canonical target frame for aligned faces.
type AnatomicalFrame struct {
	Nose   r3.Vec `json:"nose"`
	Up     r3.Vec `json:"up"`
	Right  r3.Vec `json:"right"`
	Center r3.Vec `json:"center"`
}

// CanonicalFrame returns nose +Z, up +Y, right +X, centered at the origin.
func CanonicalFrame() AnatomicalFrame {
	return AnatomicalFrame{
		Nose:  r3.Vec{Z: 1},
		Up:    r3.Vec{Y: 1},
		Right: r3.Vec{X: 1},
	}
}

// OrientationGuess names the hypothesis chosen for the input's up axis.
type OrientationGuess string

const (
	OrientationStandard OrientationGuess = "standard"
	OrientationZUp      OrientationGuess = "z_up"
	OrientationXUp      OrientationGuess = "x_up"
	OrientationUnknown  OrientationGuess = "unknown"
)

// Extremes holds the vertex attaining each axis minimum and maximum.
type Extremes struct {
	XMin, XMax r3.Vec
	YMin, YMax r3.Vec
	ZMin, ZMax r3.Vec
}

// OrientationEstimate is the detector's best guess of where the face points.
type OrientationEstimate struct {
	Guess            OrientationGuess `json:"guess"`
	Nose             r3.Vec           `json:"nose"`
	Up               r3.Vec           `json:"up"`
	Extremes         Extremes         `json:"-"`
	NoseCandidate    r3.Vec           `json:"noseCandidate"`
	HeadTopCandidate r3.Vec           `json:"headTopCandidate"`
	Ambiguous        bool             `json:"ambiguous"`
}
