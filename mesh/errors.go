package mesh

import "errors"

var (
	// ErrGeometryDegenerate is returned for meshes with no vertices, zero
	// extent or a zero face height.
	ErrGeometryDegenerate = errors.New("geometry degenerate")

	// ErrOrientationAmbiguous is returned when a direction pair cannot
	// define a frame (zero length or parallel vectors).
	ErrOrientationAmbiguous = errors.New("orientation ambiguous")
)
