package align

import (
	"context"
	"math"
	"sync"

	"github.com/kwv/facealign/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// gridMesh returns a 3x3x3 grid spanning w x h x d centered on origin.
func gridMesh(w, h, d float64, origin r3.Vec) *mesh.Mesh {
	var verts []r3.Vec
	for _, i := range []float64{-0.5, 0, 0.5} {
		for _, j := range []float64{-0.5, 0, 0.5} {
			for _, k := range []float64{-0.5, 0, 0.5} {
				verts = append(verts, r3.Add(origin, r3.Vec{X: i * w, Y: j * h, Z: k * d}))
			}
		}
	}
	return &mesh.Mesh{Vertices: verts}
}

// withAttributes adds a grey color and a radial normal to every vertex.
func withAttributes(m *mesh.Mesh) *mesh.Mesh {
	c := m.Centroid()
	m.Colors = make([][3]uint8, len(m.Vertices))
	m.Normals = make([]r3.Vec, len(m.Vertices))
	for i, v := range m.Vertices {
		m.Colors[i] = [3]uint8{128, 128, 128}
		n := r3.Sub(v, c)
		if r3.Norm(n) == 0 {
			n = r3.Vec{Z: 1}
		}
		m.Normals[i] = r3.Unit(n)
	}
	return m
}

// faceMesh is an upright face-sized grid: H > W > D.
func faceMesh() *mesh.Mesh {
	return gridMesh(140, 200, 100, r3.Vec{X: 10, Y: -5, Z: 3})
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// methodPredictor returns a fixed result per config handle and records every
// call.
type methodPredictor struct {
	mu      sync.Mutex
	results map[string]predictResult
	calls   []string
}

type predictResult struct {
	value float64
	err   error
}

func newMethodPredictor(results map[string]predictResult) *methodPredictor {
	return &methodPredictor{results: results}
}

func (p *methodPredictor) Evaluate(_ context.Context, _ string, handle string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, handle)
	r, ok := p.results[handle]
	if !ok {
		return 0, ErrEvaluationUnavailable
	}
	return r.value, r.err
}

func (p *methodPredictor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

var testHandles = MethodConfigs{Handles: map[Method]string{
	MethodAnatomical: "anatomical.json",
	MethodUltimate:   "ultimate.json",
}}
