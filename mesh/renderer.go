package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PreviewRenderer rasterizes a single view of a mesh as a depth-sorted point
// splat with the convex silhouette outline and a text label.
type PreviewRenderer struct {
	Width, Height int
	Padding       int
	DotRadius     int
	Colors        PreviewColors
	Label         string
}

// NewPreviewRenderer creates a 512x512 renderer.
func NewPreviewRenderer(label string) *PreviewRenderer {
	return &PreviewRenderer{
		Width:     512,
		Height:    512,
		Padding:   24,
		DotRadius: 1,
		Colors:    DefaultPreviewColors(),
		Label:     label,
	}
}

// Render draws the mesh as seen from view. Vertices with colors are drawn in
// their own color; otherwise they are shaded by depth.
func (r *PreviewRenderer) Render(m *Mesh, view View) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	if m == nil || len(m.Vertices) == 0 {
		return img
	}

	sil := ProjectSilhouette(m, view)
	b := sil.Bound
	spanX := math.Max(b.Max[0]-b.Min[0], 1e-9)
	spanY := math.Max(b.Max[1]-b.Min[1], 1e-9)
	scale := math.Min(
		float64(r.Width-2*r.Padding)/spanX,
		float64(r.Height-2*r.Padding)/spanY,
	)
	toPixel := func(x, y float64) (int, int) {
		px := float64(r.Padding) + (x-b.Min[0])*scale
		py := float64(r.Height-r.Padding) - (y-b.Min[1])*scale
		return int(math.Round(px)), int(math.Round(py))
	}

	// Far vertices first so near ones overwrite them.
	order := make([]int, len(m.Vertices))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return view.depth(m.Vertices[order[a]]) < view.depth(m.Vertices[order[c]])
	})
	dMin, dMax := view.depth(m.Vertices[order[0]]), view.depth(m.Vertices[order[len(order)-1]])

	for _, idx := range order {
		v := m.Vertices[idx]
		p := view.Project(v)
		x, y := toPixel(p[0], p[1])
		var c color.RGBA
		if m.HasColors() {
			rgb := m.Colors[idx]
			c = color.RGBA{rgb[0], rgb[1], rgb[2], 255}
		} else {
			c = depthShade(view.depth(v), dMin, dMax)
		}
		drawCircle(img, x, y, r.DotRadius, c)
	}

	outline := nrgbaToRGBA(r.Colors.Outline)
	for i := 0; i+1 < len(sil.Hull); i++ {
		x0, y0 := toPixel(sil.Hull[i][0], sil.Hull[i][1])
		x1, y1 := toPixel(sil.Hull[i+1][0], sil.Hull[i+1][1])
		drawLine(img, x0, y0, x1, y1, outline)
	}

	if r.Label != "" {
		drawText(img, 8, 16, fmt.Sprintf("%s [%s]", r.Label, view), color.RGBA{0, 0, 0, 255})
	}
	return img
}

// SavePNG renders the view and writes it to path.
func (r *PreviewRenderer) SavePNG(path string, m *Mesh, view View) error {
	img := r.Render(m, view)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// depthShade maps depth to a grey level, nearer is darker.
func depthShade(d, dMin, dMax float64) color.RGBA {
	t := 0.0
	if dMax > dMin {
		t = (d - dMin) / (dMax - dMin)
	}
	g := uint8(200 - 160*t)
	return color.RGBA{g, g, g, 255}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawLine draws a one pixel Bresenham line.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if (image.Point{x0, y0}).In(img.Bounds()) {
			img.Set(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
