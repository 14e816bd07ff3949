package mesh

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// View selects the plane a mesh is projected onto.
type View int

const (
	// ViewFront looks down -Z: horizontal X, vertical Y.
	ViewFront View = iota
	// ViewProfile looks down -X: horizontal Z, vertical Y.
	ViewProfile
	// ViewTop looks down -Y: horizontal X, vertical Z.
	ViewTop
)

func (v View) String() string {
	switch v {
	case ViewFront:
		return "front"
	case ViewProfile:
		return "profile"
	case ViewTop:
		return "top"
	}
	return "unknown"
}

// Project maps a 3D point onto the view plane.
func (v View) Project(p r3.Vec) orb.Point {
	switch v {
	case ViewProfile:
		return orb.Point{p.Z, p.Y}
	case ViewTop:
		return orb.Point{p.X, p.Z}
	default:
		return orb.Point{p.X, p.Y}
	}
}

// depth returns the coordinate along the viewing direction, larger is nearer.
func (v View) depth(p r3.Vec) float64 {
	switch v {
	case ViewProfile:
		return p.X
	case ViewTop:
		return p.Y
	default:
		return p.Z
	}
}

// Silhouette is the convex outline of a mesh projected onto a view plane.
type Silhouette struct {
	View     View
	Hull     orb.Ring
	Bound    orb.Bound
	Area     float64
	Centroid orb.Point
}

// AspectRatio returns the bound's height over its width, or 0 for an empty
// bound.
func (s Silhouette) AspectRatio() float64 {
	w := s.Bound.Max[0] - s.Bound.Min[0]
	if w == 0 {
		return 0
	}
	return (s.Bound.Max[1] - s.Bound.Min[1]) / w
}

// ProjectSilhouette projects the mesh onto the view plane and returns its
// convex hull with area and centroid.
func ProjectSilhouette(m *Mesh, view View) Silhouette {
	pts := make([]orb.Point, len(m.Vertices))
	for i, v := range m.Vertices {
		pts[i] = view.Project(v)
	}
	s := Silhouette{View: view}
	if len(pts) == 0 {
		return s
	}
	s.Bound = orb.MultiPoint(pts).Bound()

	hull := convexHull(pts)
	if len(hull) < 3 {
		s.Hull = orb.Ring(hull)
		s.Centroid = s.Bound.Center()
		return s
	}
	ring := make(orb.Ring, len(hull), len(hull)+1)
	copy(ring, hull)
	ring = append(ring, hull[0])
	s.Hull = ring
	s.Centroid, s.Area = planar.CentroidArea(ring)
	s.Area = math.Abs(s.Area)
	return s
}

// convexHull computes the convex hull of a set of 2D points using the
// Andrew's monotone chain algorithm. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Last point repeats the first.
	return hull[:len(hull)-1]
}
