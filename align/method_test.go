package align

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/facealign/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func alignWith(t *testing.T, method AlignmentMethod, m *mesh.Mesh) (*mesh.Mesh, Diagnostics) {
	t.Helper()
	tr, diag, err := method.Align(m)
	require.NoError(t, err)
	require.True(t, tr.Rotation.IsProper(1e-6), "rotation must be proper")
	out, err := mesh.ApplyTransform(m, tr)
	require.NoError(t, err)
	return out, diag
}

func extentsOf(t *testing.T, m *mesh.Mesh) mesh.Extents {
	t.Helper()
	ext, err := mesh.ComputeExtents(m)
	require.NoError(t, err)
	return ext
}

func TestAnatomicalMethod_ScalesToFaceHeight(t *testing.T) {
	out, diag := alignWith(t, NewAnatomicalMethod(190, false), faceMesh())

	ext := extentsOf(t, out)
	assert.InDelta(t, 190, ext.Height, 1e-6)
	assert.InDelta(t, 133, ext.Width, 1e-6)
	c := out.Centroid()
	assert.InDelta(t, 0, r3.Norm(c), 1e-6)

	assert.Equal(t, mesh.OrientationStandard, diag.Orientation)
	assert.InDelta(t, 0.95, diag.AppliedScale, 1e-12)
	assert.InDelta(t, 0.95, diag.OriginalScale, 1e-12)
	require.NotNil(t, diag.NoseCandidate)
}

func TestAnatomicalMethod_PreserveScale(t *testing.T) {
	m := faceMesh()
	before := extentsOf(t, m)
	out, diag := alignWith(t, NewAnatomicalMethod(190, true), m)

	after := extentsOf(t, out)
	assert.InDelta(t, before.Diagonal, after.Diagonal, 1e-9)
	assert.Equal(t, 1.0, diag.AppliedScale)
	assert.InDelta(t, 0.95, diag.OriginalScale, 1e-12)
}

func TestAnatomicalMethod_ZUpBecomesUpright(t *testing.T) {
	// depth > height > width: the face lies with its top along +Z.
	m := gridMesh(60, 100, 200, r3.Vec{})
	out, diag := alignWith(t, NewAnatomicalMethod(190, true), m)

	assert.Equal(t, mesh.OrientationZUp, diag.Orientation)
	ext := extentsOf(t, out)
	assert.InDelta(t, 200, ext.Height, 1e-9)
	assert.InDelta(t, 60, ext.Depth, 1e-9)
	assert.InDelta(t, 100, ext.Width, 1e-9)
}

func TestAnatomicalMethod_ZUpScalesAlongUpAxis(t *testing.T) {
	m := gridMesh(60, 100, 200, r3.Vec{})
	out, diag := alignWith(t, NewAnatomicalMethod(190, false), m)

	assert.InDelta(t, 200, diag.FaceHeight, 1e-9)
	assert.InDelta(t, 0.95, diag.AppliedScale, 1e-12)
	assert.InDelta(t, 190, extentsOf(t, out).Height, 1e-6)
}

func TestAnatomicalMethod_Degenerate(t *testing.T) {
	m := &mesh.Mesh{Vertices: []r3.Vec{{X: 2}, {X: 2}}}
	_, _, err := NewAnatomicalMethod(190, false).Align(m)
	assert.ErrorIs(t, err, mesh.ErrGeometryDegenerate)
}

func TestReferenceTemplateMethod_MatchesTemplate(t *testing.T) {
	tpl := gridMesh(140, 200, 100, r3.Vec{X: 1, Y: 2, Z: 3})
	// Same shape, shrunk and moved.
	m := gridMesh(70, 100, 50, r3.Vec{X: -40, Y: 12, Z: 90})

	out, diag := alignWith(t, &ReferenceTemplateMethod{Template: tpl}, m)

	ext := extentsOf(t, out)
	assert.InDelta(t, 140, ext.Width, 1e-6)
	assert.InDelta(t, 200, ext.Height, 1e-6)
	assert.InDelta(t, 100, ext.Depth, 1e-6)
	c := out.Centroid()
	assert.InDelta(t, 1, c.X, 1e-6)
	assert.InDelta(t, 2, c.Y, 1e-6)
	assert.InDelta(t, 3, c.Z, 1e-6)
	assert.InDelta(t, 2.0, diag.AppliedScale, 1e-9)
	assert.Equal(t, 27, diag.TemplateVertices)
}

func TestReferenceTemplateMethod_KeepsOrientation(t *testing.T) {
	tpl := faceMesh()
	// Wider than tall, so its dominant axis differs from the template's.
	m := gridMesh(210, 200, 100, r3.Vec{X: 5})

	tr, _, err := (&ReferenceTemplateMethod{Template: tpl}).Align(m)
	require.NoError(t, err)
	assert.Equal(t, mesh.IdentityRotation(), tr.Rotation)

	out, _ := alignWith(t, &ReferenceTemplateMethod{Template: tpl}, m)
	ext := extentsOf(t, out)
	assert.Greater(t, ext.Width, ext.Height)
	assert.InDelta(t, tr.Scale*200, ext.Height, 1e-6)
}

func TestReferenceTemplateMethod_DegenerateTemplate(t *testing.T) {
	point := &mesh.Mesh{Vertices: []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}}
	_, _, err := (&ReferenceTemplateMethod{Template: point}).Align(faceMesh())
	assert.ErrorIs(t, err, mesh.ErrGeometryDegenerate)
}

func TestReferenceTemplateMethod_PreserveScale(t *testing.T) {
	tpl := gridMesh(140, 200, 100, r3.Vec{})
	m := gridMesh(70, 100, 50, r3.Vec{})

	out, diag := alignWith(t, &ReferenceTemplateMethod{Template: tpl, PreserveScale: true}, m)

	assert.InDelta(t, 100, extentsOf(t, out).Height, 1e-6)
	assert.Equal(t, 1.0, diag.AppliedScale)
	assert.InDelta(t, 2.0, diag.OriginalScale, 1e-9)
}

func TestReferenceTemplateMethod_NoTemplate(t *testing.T) {
	_, _, err := (&ReferenceTemplateMethod{}).Align(faceMesh())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestLoadReferenceTemplate(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadReferenceTemplate("")
	assert.ErrorIs(t, err, ErrConfigurationMissing)

	_, err = LoadReferenceTemplate(filepath.Join(dir, "missing.obj"))
	assert.ErrorIs(t, err, ErrConfigurationMissing)

	obj := filepath.Join(dir, "tpl.obj")
	require.NoError(t, os.WriteFile(obj, []byte("v 0 0 0\nv 1 0 0\nv 0 2 0\nv 0 0 3\nf 1 2 3\n"), 0644))
	tpl, err := LoadReferenceTemplate(obj)
	require.NoError(t, err)
	assert.Len(t, tpl.Vertices, 4)

	ply := filepath.Join(dir, "tpl.ply")
	require.NoError(t, mesh.WritePLY(ply, faceMesh()))
	tpl, err = LoadReferenceTemplate(ply)
	require.NoError(t, err)
	assert.Len(t, tpl.Vertices, 27)
}
