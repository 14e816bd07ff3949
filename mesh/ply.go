package mesh

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

type plyFormat int

const (
	// maxPLYElementCount bounds a declared element count.
	maxPLYElementCount = math.MaxInt32
	// maxPLYListLength bounds a single list property, such as one polygon.
	maxPLYListLength = 1 << 16
	// preallocLimit caps slice capacity taken from untrusted counts.
	preallocLimit = 1 << 16
)

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyProperty struct {
	name      string
	typ       string
	isList    bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyHeader struct {
	format   plyFormat
	elements []plyElement
}

// ReadPLY loads a mesh from a PLY file.
func ReadPLY(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PLY: %w", err)
	}
	defer f.Close()

	m, err := DecodePLY(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// DecodePLY parses ascii and binary PLY data. Vertex order and the position,
// normal and color channels are preserved; polygon faces are triangulated as
// fans. Unknown elements and properties are skipped.
func DecodePLY(r io.Reader) (*Mesh, error) {
	br := bufio.NewReader(r)
	hdr, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	var src valueSource
	switch hdr.format {
	case plyASCII:
		src = &asciiSource{r: br}
	case plyBinaryLE:
		src = &binarySource{r: br, order: binary.LittleEndian}
	case plyBinaryBE:
		src = &binarySource{r: br, order: binary.BigEndian}
	}

	m := &Mesh{}
	for _, el := range hdr.elements {
		switch el.name {
		case "vertex":
			if err := readVertices(src, el, m); err != nil {
				return nil, err
			}
		case "face":
			if err := readFaces(src, el, m); err != nil {
				return nil, err
			}
		default:
			if err := skipElement(src, el); err != nil {
				return nil, err
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readPLYHeader(br *bufio.Reader) (plyHeader, error) {
	var hdr plyHeader
	line, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return hdr, errors.New("missing ply magic")
	}
	formatSeen := false
	for {
		line, err = br.ReadString('\n')
		if err != nil {
			return hdr, fmt.Errorf("reading PLY header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return hdr, errors.New("malformed format line")
			}
			switch fields[1] {
			case "ascii":
				hdr.format = plyASCII
			case "binary_little_endian":
				hdr.format = plyBinaryLE
			case "binary_big_endian":
				hdr.format = plyBinaryBE
			default:
				return hdr, fmt.Errorf("unsupported PLY format %q", fields[1])
			}
			formatSeen = true
		case "element":
			if len(fields) != 3 {
				return hdr, fmt.Errorf("malformed element line %q", strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 || n > maxPLYElementCount {
				return hdr, fmt.Errorf("invalid element count %q", fields[2])
			}
			hdr.elements = append(hdr.elements, plyElement{name: fields[1], count: n})
		case "property":
			if len(hdr.elements) == 0 {
				return hdr, errors.New("property before element")
			}
			el := &hdr.elements[len(hdr.elements)-1]
			switch {
			case len(fields) == 5 && fields[1] == "list":
				el.props = append(el.props, plyProperty{name: fields[4], typ: fields[3], isList: true, countType: fields[2]})
			case len(fields) == 3:
				el.props = append(el.props, plyProperty{name: fields[2], typ: fields[1]})
			default:
				return hdr, fmt.Errorf("malformed property line %q", strings.TrimSpace(line))
			}
		case "end_header":
			if !formatSeen {
				return hdr, errors.New("PLY header has no format line")
			}
			return hdr, nil
		}
	}
}

func readVertices(src valueSource, el plyElement, m *Mesh) error {
	index := make(map[string]int, len(el.props))
	for i, p := range el.props {
		index[p.name] = i
	}
	ix, okX := index["x"]
	iy, okY := index["y"]
	iz, okZ := index["z"]
	if !okX || !okY || !okZ {
		return errors.New("vertex element lacks x, y or z")
	}
	inx, okNX := index["nx"]
	iny, okNY := index["ny"]
	inz, okNZ := index["nz"]
	hasNormals := okNX && okNY && okNZ
	ir, okR := index["red"]
	ig, okG := index["green"]
	ib, okB := index["blue"]
	hasColors := okR && okG && okB

	capacity := min(el.count, preallocLimit)
	m.Vertices = make([]r3.Vec, 0, capacity)
	if hasNormals {
		m.Normals = make([]r3.Vec, 0, capacity)
	}
	if hasColors {
		m.Colors = make([][3]uint8, 0, capacity)
	}

	vals := make([]float64, len(el.props))
	for v := range el.count {
		for i, p := range el.props {
			if p.isList {
				if err := skipList(src, p); err != nil {
					return err
				}
				continue
			}
			x, err := src.next(p.typ)
			if err != nil {
				return fmt.Errorf("vertex %d: %w", v, err)
			}
			vals[i] = x
		}
		m.Vertices = append(m.Vertices, r3.Vec{X: vals[ix], Y: vals[iy], Z: vals[iz]})
		if hasNormals {
			m.Normals = append(m.Normals, r3.Vec{X: vals[inx], Y: vals[iny], Z: vals[inz]})
		}
		if hasColors {
			m.Colors = append(m.Colors, [3]uint8{
				colorByte(vals[ir], el.props[ir].typ),
				colorByte(vals[ig], el.props[ig].typ),
				colorByte(vals[ib], el.props[ib].typ),
			})
		}
	}
	return nil
}

// colorByte converts a color channel to 8 bits. Float channels are in [0, 1].
func colorByte(v float64, typ string) uint8 {
	if typ == "float" || typ == "float32" || typ == "double" || typ == "float64" {
		v *= 255
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

func readFaces(src valueSource, el plyElement, m *Mesh) error {
	for f := range el.count {
		for _, p := range el.props {
			if !p.isList {
				if _, err := src.next(p.typ); err != nil {
					return fmt.Errorf("face %d: %w", f, err)
				}
				continue
			}
			n, err := listLength(src, p)
			if err != nil {
				return fmt.Errorf("face %d: %w", f, err)
			}
			idx := make([]int, 0, n)
			for range n {
				x, err := src.next(p.typ)
				if err != nil {
					return fmt.Errorf("face %d: %w", f, err)
				}
				if x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
					return fmt.Errorf("face %d: invalid vertex index %v", f, x)
				}
				idx = append(idx, int(x))
			}
			if p.name != "vertex_indices" && p.name != "vertex_index" {
				continue
			}
			for i := 1; i+1 < len(idx); i++ {
				m.Faces = append(m.Faces, [3]int{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	return nil
}

func skipElement(src valueSource, el plyElement) error {
	for range el.count {
		for _, p := range el.props {
			if p.isList {
				if err := skipList(src, p); err != nil {
					return err
				}
				continue
			}
			if _, err := src.next(p.typ); err != nil {
				return fmt.Errorf("skipping %s: %w", el.name, err)
			}
		}
	}
	return nil
}

// listLength reads the count prefix of a list property.
func listLength(src valueSource, p plyProperty) (int, error) {
	n, err := src.next(p.countType)
	if err != nil {
		return 0, err
	}
	if n < 0 || n != math.Trunc(n) || n > maxPLYListLength {
		return 0, fmt.Errorf("invalid list length %v for %s", n, p.name)
	}
	return int(n), nil
}

func skipList(src valueSource, p plyProperty) error {
	n, err := listLength(src, p)
	if err != nil {
		return err
	}
	for range n {
		if _, err := src.next(p.typ); err != nil {
			return err
		}
	}
	return nil
}

// valueSource yields successive scalar values of the declared PLY type.
type valueSource interface {
	next(typ string) (float64, error)
}

type asciiSource struct {
	r      *bufio.Reader
	fields []string
}

func (s *asciiSource) next(string) (float64, error) {
	for len(s.fields) == 0 {
		line, err := s.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return 0, fmt.Errorf("unexpected end of PLY data: %w", err)
		}
		s.fields = strings.Fields(line)
	}
	tok := s.fields[0]
	s.fields = s.fields[1:]
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing value %q: %w", tok, err)
	}
	return v, nil
}

type binarySource struct {
	r     *bufio.Reader
	order binary.ByteOrder
	buf   [8]byte
}

func (s *binarySource) next(typ string) (float64, error) {
	size := plyTypeSize(typ)
	if size == 0 {
		return 0, fmt.Errorf("unknown PLY type %q", typ)
	}
	b := s.buf[:size]
	if _, err := io.ReadFull(s.r, b); err != nil {
		return 0, fmt.Errorf("unexpected end of PLY data: %w", err)
	}
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(s.order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(s.order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(s.order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(s.order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(s.order.Uint32(b))), nil
	default:
		return math.Float64frombits(s.order.Uint64(b)), nil
	}
}

func plyTypeSize(typ string) int {
	switch typ {
	case "char", "int8", "uchar", "uint8":
		return 1
	case "short", "int16", "ushort", "uint16":
		return 2
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

// WritePLY saves the mesh as binary little-endian PLY, creating parent
// directories as needed.
func WritePLY(path string, m *Mesh) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating PLY: %w", err)
	}
	if err := EncodePLY(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodePLY writes binary little-endian PLY. Positions are stored as double,
// normals as float and colors as uchar.
func EncodePLY(w io.Writer, m *Mesh) error {
	if err := m.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)

	var hdr strings.Builder
	hdr.WriteString("ply\nformat binary_little_endian 1.0\ncomment facealign\n")
	fmt.Fprintf(&hdr, "element vertex %d\n", len(m.Vertices))
	hdr.WriteString("property double x\nproperty double y\nproperty double z\n")
	if m.HasNormals() {
		hdr.WriteString("property float nx\nproperty float ny\nproperty float nz\n")
	}
	if m.HasColors() {
		hdr.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	if len(m.Faces) > 0 {
		fmt.Fprintf(&hdr, "element face %d\n", len(m.Faces))
		hdr.WriteString("property list uchar int vertex_indices\n")
	}
	hdr.WriteString("end_header\n")
	if _, err := bw.WriteString(hdr.String()); err != nil {
		return fmt.Errorf("writing PLY header: %w", err)
	}

	le := binary.LittleEndian
	var buf [8]byte
	for i, v := range m.Vertices {
		for _, c := range []float64{v.X, v.Y, v.Z} {
			le.PutUint64(buf[:], math.Float64bits(c))
			bw.Write(buf[:8])
		}
		if m.HasNormals() {
			n := m.Normals[i]
			for _, c := range []float64{n.X, n.Y, n.Z} {
				le.PutUint32(buf[:], math.Float32bits(float32(c)))
				bw.Write(buf[:4])
			}
		}
		if m.HasColors() {
			bw.Write(m.Colors[i][:])
		}
	}
	for _, f := range m.Faces {
		bw.WriteByte(3)
		for _, idx := range f {
			le.PutUint32(buf[:], uint32(int32(idx)))
			bw.Write(buf[:4])
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing PLY body: %w", err)
	}
	return nil
}
