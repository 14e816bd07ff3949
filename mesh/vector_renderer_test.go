package mesh

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"testing"

	"github.com/tdewolff/canvas"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer(sphereMesh(90, 8, 12))

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer(boxMesh(40, 80, 30, r3.Vec{X: -20, Y: -40, Z: -15}))
	r.Resolution = canvas.DPMM(1)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	// Two panels side by side: (40+40) + (30+40) wide, 80+40 tall, at 1 px/mm.
	b := img.Bounds()
	if b.Dx() != 150 || b.Dy() != 120 {
		t.Errorf("PNG size = %dx%d, want 150x120", b.Dx(), b.Dy())
	}
}

func TestVectorRenderer_EmptyMesh(t *testing.T) {
	r := NewVectorRenderer(&Mesh{})
	err := r.RenderToSVG(&bytes.Buffer{})
	if !errors.Is(err, ErrGeometryDegenerate) {
		t.Errorf("error = %v, want ErrGeometryDegenerate", err)
	}
}

func TestNrgbaToRGBA(t *testing.T) {
	tests := []struct {
		in   color.NRGBA
		want color.RGBA
	}{
		{color.NRGBA{255, 128, 0, 255}, color.RGBA{255, 128, 0, 255}},
		{color.NRGBA{255, 255, 255, 0}, color.RGBA{0, 0, 0, 0}},
		{color.NRGBA{200, 100, 50, 127}, color.RGBA{99, 49, 24, 127}},
	}
	for _, tt := range tests {
		if got := nrgbaToRGBA(tt.in); got != tt.want {
			t.Errorf("nrgbaToRGBA(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
