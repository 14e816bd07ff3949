package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

const asciiPLY = `ply
format ascii 1.0
comment scanner export
element vertex 4
property float x
property float y
property float z
property float nx
property float ny
property float nz
property uchar red
property uchar green
property uchar blue
property uchar alpha
element face 1
property list uchar int vertex_indices
end_header
0 0 0 0 0 1 255 0 0 255
1 0 0 0 0 1 0 255 0 255
1 1 0 0 0 1 0 0 255 255
0 1 0.5 0 0 1 10 20 30 255
4 0 1 2 3
`

func TestDecodePLY_ASCII(t *testing.T) {
	m, err := DecodePLY(strings.NewReader(asciiPLY))
	require.NoError(t, err)

	require.Len(t, m.Vertices, 4)
	assert.Equal(t, r3.Vec{X: 0, Y: 1, Z: 0.5}, m.Vertices[3])
	assert.True(t, m.HasNormals())
	assert.True(t, m.HasColors())
	assert.Equal(t, [3]uint8{10, 20, 30}, m.Colors[3])
	// Quad is split into a triangle fan.
	assert.Equal(t, [][3]int{{0, 1, 2}, {0, 2, 3}}, m.Faces)
}

func TestPLY_RoundTrip(t *testing.T) {
	m := &Mesh{
		Vertices: []r3.Vec{{X: 1.25, Y: -3.5, Z: 100.125}, {X: 0.1, Y: 0.2, Z: 0.3}, {X: -7, Y: 8, Z: 9}},
		Normals:  []r3.Vec{{Z: 1}, {Y: -1}, {X: 0.5, Y: 0.5}},
		Colors:   [][3]uint8{{1, 2, 3}, {4, 5, 6}, {255, 0, 128}},
		Faces:    [][3]int{{0, 1, 2}},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodePLY(&buf, m))
	got, err := DecodePLY(&buf)
	require.NoError(t, err)

	// Positions are doubles, so order and values survive exactly.
	assert.Equal(t, m.Vertices, got.Vertices)
	assert.Equal(t, m.Colors, got.Colors)
	assert.Equal(t, m.Faces, got.Faces)
	require.Len(t, got.Normals, 3)
	for i := range m.Normals {
		assert.InDelta(t, m.Normals[i].X, got.Normals[i].X, 1e-6)
		assert.InDelta(t, m.Normals[i].Y, got.Normals[i].Y, 1e-6)
		assert.InDelta(t, m.Normals[i].Z, got.Normals[i].Z, 1e-6)
	}
}

func TestPLY_RoundTripPositionsOnly(t *testing.T) {
	m := boxMesh(3, 4, 5, r3.Vec{X: 1})
	path := filepath.Join(t.TempDir(), "nested", "box.ply")
	require.NoError(t, WritePLY(path, m))

	got, err := ReadPLY(path)
	require.NoError(t, err)
	assert.Equal(t, m.Vertices, got.Vertices)
	assert.Nil(t, got.Normals)
	assert.Nil(t, got.Colors)
	assert.Empty(t, got.Faces)
}

func TestDecodePLY_BigEndianFloat(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_big_endian 1.0\nelement vertex 1\nproperty float x\nproperty float y\nproperty float z\nend_header\n")
	// 1.0, 2.0, -0.5 as big-endian float32
	buf.Write([]byte{0x3f, 0x80, 0, 0, 0x40, 0, 0, 0, 0xbf, 0, 0, 0})

	m, err := DecodePLY(&buf)
	require.NoError(t, err)
	assert.Equal(t, []r3.Vec{{X: 1, Y: 2, Z: -0.5}}, m.Vertices)
}

func TestDecodePLY_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not a ply", "solid cube\n"},
		{"unknown format", "ply\nformat utf8 1.0\nend_header\n"},
		{"missing coordinates", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n1\n"},
		{"truncated body", "ply\nformat ascii 1.0\nelement vertex 2\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePLY(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestDecodePLY_MalformedCounts(t *testing.T) {
	const vertexHeader = "element vertex 3\nproperty float x\nproperty float y\nproperty float z\n"
	const faceHeader = "element face 1\nproperty list %s int vertex_indices\nend_header\n"
	ascii := func(face string) string {
		return "ply\nformat ascii 1.0\n" + vertexHeader + fmt.Sprintf(faceHeader, "int") +
			"0 0 0\n1 0 0\n0 1 0\n" + face + "\n"
	}
	binaryFace := func() string {
		var buf bytes.Buffer
		buf.WriteString("ply\nformat binary_little_endian 1.0\n" + vertexHeader + fmt.Sprintf(faceHeader, "char"))
		for _, v := range []float32{0, 0, 0, 1, 0, 0, 0, 1, 0} {
			_ = binary.Write(&buf, binary.LittleEndian, v)
		}
		buf.WriteByte(0xFF)
		return buf.String()
	}

	tests := []struct {
		name  string
		input string
	}{
		{"negative list length", ascii("-1 0 1 2")},
		{"NaN list length", ascii("nan 0 1 2")},
		{"fractional list length", ascii("2.5 0 1 2")},
		{"huge list length", ascii("100000000 0 1 2")},
		{"negative binary char length", binaryFace()},
		{"fractional vertex index", ascii("3 0 1 1.5")},
		{"element count beyond int32", "ply\nformat ascii 1.0\nelement vertex 4000000000\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2 3\n"},
		{"element count larger than body", "ply\nformat binary_little_endian 1.0\nelement vertex 2000000000\nproperty float x\nproperty float y\nproperty float z\nend_header\n\x00\x00\x00\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = DecodePLY(strings.NewReader(tt.input))
			})
			assert.Error(t, err)
		})
	}
}

func TestDecodePLY_NoVertices(t *testing.T) {
	_, err := DecodePLY(strings.NewReader("ply\nformat ascii 1.0\nelement vertex 0\nproperty float x\nproperty float y\nproperty float z\nend_header\n"))
	assert.True(t, errors.Is(err, ErrGeometryDegenerate), "got %v", err)
}

func TestDecodeOBJ(t *testing.T) {
	input := `# template
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
f 1/1 2/1 3/1 4/1
f -4 -3 -2
`
	m, err := DecodeOBJ(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 4)
	assert.Equal(t, [][3]int{{0, 1, 2}, {0, 2, 3}, {0, 1, 2}}, m.Faces)
}
