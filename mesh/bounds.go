package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// degenerateDiagonal is the smallest bounding diagonal accepted as geometry.
const degenerateDiagonal = 1e-9

// Extents is the axis-aligned bounding box of a mesh.
type Extents struct {
	Min      r3.Vec  `json:"min"`
	Max      r3.Vec  `json:"max"`
	Width    float64 `json:"width"`  // X range
	Height   float64 `json:"height"` // Y range
	Depth    float64 `json:"depth"`  // Z range
	Diagonal float64 `json:"diagonal"`
}

// Center returns the midpoint of the box.
func (e Extents) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(e.Min, e.Max))
}

// Along returns the extent measured along an axis-aligned unit direction.
func (e Extents) Along(axis r3.Vec) float64 {
	return math.Abs(axis.X)*e.Width + math.Abs(axis.Y)*e.Height + math.Abs(axis.Z)*e.Depth
}

// ComputeExtents returns the bounding extents of the mesh vertices.
func ComputeExtents(m *Mesh) (Extents, error) {
	if m == nil || len(m.Vertices) == 0 {
		return Extents{}, fmt.Errorf("%w: mesh has no vertices", ErrGeometryDegenerate)
	}
	minV, maxV := m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		minV = r3.Vec{X: math.Min(minV.X, v.X), Y: math.Min(minV.Y, v.Y), Z: math.Min(minV.Z, v.Z)}
		maxV = r3.Vec{X: math.Max(maxV.X, v.X), Y: math.Max(maxV.Y, v.Y), Z: math.Max(maxV.Z, v.Z)}
	}
	size := r3.Sub(maxV, minV)
	return Extents{
		Min:      minV,
		Max:      maxV,
		Width:    size.X,
		Height:   size.Y,
		Depth:    size.Z,
		Diagonal: r3.Norm(size),
	}, nil
}

// findExtremes returns the vertex attaining each axis minimum and maximum.
// Ties keep the first vertex in input order.
func findExtremes(vertices []r3.Vec) Extremes {
	e := Extremes{
		XMin: vertices[0], XMax: vertices[0],
		YMin: vertices[0], YMax: vertices[0],
		ZMin: vertices[0], ZMax: vertices[0],
	}
	for _, v := range vertices[1:] {
		if v.X < e.XMin.X {
			e.XMin = v
		}
		if v.X > e.XMax.X {
			e.XMax = v
		}
		if v.Y < e.YMin.Y {
			e.YMin = v
		}
		if v.Y > e.YMax.Y {
			e.YMax = v
		}
		if v.Z < e.ZMin.Z {
			e.ZMin = v
		}
		if v.Z > e.ZMax.Z {
			e.ZMax = v
		}
	}
	return e
}
