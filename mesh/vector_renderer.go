package mesh

import (
	"fmt"
	"image/color"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// PreviewColors are the colors used by both preview renderers.
type PreviewColors struct {
	Silhouette color.NRGBA
	Outline    color.NRGBA
	Points     color.NRGBA
	Axes       color.NRGBA
}

// DefaultPreviewColors returns a light blue silhouette with dark points.
func DefaultPreviewColors() PreviewColors {
	return PreviewColors{
		Silhouette: color.NRGBA{R: 70, G: 130, B: 180, A: 60},
		Outline:    color.NRGBA{R: 70, G: 130, B: 180, A: 255},
		Points:     color.NRGBA{R: 40, G: 40, B: 40, A: 200},
		Axes:       color.NRGBA{R: 200, G: 60, B: 60, A: 255},
	}
}

// VectorRenderer draws an aligned mesh as side-by-side view panels: the
// convex silhouette, a subsample of vertices and the canonical axes through
// the origin.
type VectorRenderer struct {
	Mesh       *Mesh
	Views      []View
	Colors     PreviewColors
	Padding    float64           // in mesh units
	PointSize  float64           // vertex dot radius in mesh units
	MaxPoints  int               // vertex dots per panel; 0 draws none
	Resolution canvas.Resolution // Resolution for PNG output (default: 300 DPI)
}

// NewVectorRenderer creates a vector renderer with front and profile panels.
func NewVectorRenderer(m *Mesh) *VectorRenderer {
	return &VectorRenderer{
		Mesh:       m,
		Views:      []View{ViewFront, ViewProfile},
		Colors:     DefaultPreviewColors(),
		Padding:    20.0,
		PointSize:  0.6,
		MaxPoints:  4000,
		Resolution: canvas.DPI(300),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type panel struct {
	sil     Silhouette
	offsetX float64
}

// layout computes each panel's horizontal offset and the total canvas size.
func (r *VectorRenderer) layout() ([]panel, float64, float64, error) {
	if r.Mesh == nil || len(r.Mesh.Vertices) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: nothing to render", ErrGeometryDegenerate)
	}
	if len(r.Views) == 0 {
		return nil, 0, 0, fmt.Errorf("no views configured")
	}
	panels := make([]panel, len(r.Views))
	x, height := 0.0, 0.0
	for i, v := range r.Views {
		sil := ProjectSilhouette(r.Mesh, v)
		panels[i] = panel{sil: sil, offsetX: x}
		x += sil.Bound.Max[0] - sil.Bound.Min[0] + 2*r.Padding
		height = max(height, sil.Bound.Max[1]-sil.Bound.Min[1]+2*r.Padding)
	}
	return panels, x, height, nil
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	panels, width, height, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, panels, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	panels, width, height, err := r.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, panels, width, height)
	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, panels []panel, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	fillStyle := canvas.DefaultStyle
	fillStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Silhouette)}
	fillStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Outline)}
	fillStyle.StrokeWidth = 0.8

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Points)}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	axisStyle := canvas.DefaultStyle
	axisStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	axisStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Axes)}
	axisStyle.StrokeWidth = 0.5
	axisStyle.Dashes = []float64{3.0, 2.0}

	for _, p := range panels {
		b := p.sil.Bound
		toCanvas := func(pt orb.Point) (float64, float64) {
			return p.offsetX + (pt[0] - b.Min[0]) + r.Padding, (pt[1] - b.Min[1]) + r.Padding
		}

		if len(p.sil.Hull) >= 3 {
			hp := &canvas.Path{}
			for i, pt := range p.sil.Hull {
				cx, cy := toCanvas(pt)
				if i == 0 {
					hp.MoveTo(cx, cy)
				} else {
					hp.LineTo(cx, cy)
				}
			}
			hp.Close()
			renderer.RenderPath(hp, fillStyle, canvas.Identity)
		}

		if r.MaxPoints > 0 {
			step := max(1, len(r.Mesh.Vertices)/r.MaxPoints)
			for i := 0; i < len(r.Mesh.Vertices); i += step {
				cx, cy := toCanvas(p.sil.View.Project(r.Mesh.Vertices[i]))
				renderer.RenderPath(canvas.Circle(r.PointSize).Translate(cx, cy), pointStyle, canvas.Identity)
			}
		}

		// Axes through the origin when it falls inside the panel.
		if b.Min[0] <= 0 && b.Max[0] >= 0 {
			ap := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{0, b.Min[1]})
			x2, y2 := toCanvas(orb.Point{0, b.Max[1]})
			ap.MoveTo(x1, y1)
			ap.LineTo(x2, y2)
			renderer.RenderPath(ap, axisStyle, canvas.Identity)
		}
		if b.Min[1] <= 0 && b.Max[1] >= 0 {
			ap := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{b.Min[0], 0})
			x2, y2 := toCanvas(orb.Point{b.Max[0], 0})
			ap.MoveTo(x1, y1)
			ap.LineTo(x2, y2)
			renderer.RenderPath(ap, axisStyle, canvas.Identity)
		}
	}
}
