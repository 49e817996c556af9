package align

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay palette.
var (
	InlierColor   = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	OutlierColor  = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	TargetColor   = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
	ResidualColor = color.RGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff}
)

// OverlayRenderer draws a top-down view of a fit: transformed source points
// coloured by inlier status, target points, and the residual segment joining
// each pair.
type OverlayRenderer struct {
	Source     PointSet
	Target     PointSet
	Fit        FitResult
	Size       float64           // longest canvas side in millimetres
	Margin     float64           // canvas margin in millimetres
	Radius     float64           // point marker radius in millimetres
	Resolution canvas.Resolution // PNG resolution
	Caption    bool              // draw the summary line on PNG output
}

// NewOverlayRenderer creates a renderer with default settings.
func NewOverlayRenderer(x, y PointSet, res FitResult) *OverlayRenderer {
	return &OverlayRenderer{
		Source:     x,
		Target:     y,
		Fit:        res,
		Size:       200.0,
		Margin:     10.0,
		Radius:     1.2,
		Resolution: canvas.DPI(150),
		Caption:    true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps world XY into canvas millimetres.
type layout struct {
	bound         orb.Bound
	scale         float64
	margin        float64
	width, height float64
}

func (l layout) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-l.bound.Min[0])*l.scale + l.margin, (p[1]-l.bound.Min[1])*l.scale + l.margin
}

func (r *OverlayRenderer) layout(moved PointSet) layout {
	b := projectedBound(moved, r.Target)
	spanX := b.Max[0] - b.Min[0]
	spanY := b.Max[1] - b.Min[1]
	span := math.Max(spanX, spanY)
	if span == 0 {
		span = 1
	}
	scale := r.Size / span
	return layout{
		bound:  b,
		scale:  scale,
		margin: r.Margin,
		width:  spanX*scale + 2*r.Margin,
		height: spanY*scale + 2*r.Margin,
	}
}

func (r *OverlayRenderer) prepare() (PointSet, layout, error) {
	if len(r.Source) != len(r.Target) {
		return nil, layout{}, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(r.Source), len(r.Target))
	}
	if len(r.Fit.Inliers) != 0 && len(r.Fit.Inliers) != len(r.Source) {
		return nil, layout{}, fmt.Errorf("%w: inlier mask has %d entries for %d points", ErrShapeMismatch, len(r.Fit.Inliers), len(r.Source))
	}
	moved := r.Fit.Similarity().Apply(r.Source)
	return moved, r.layout(moved), nil
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	moved, l, err := r.prepare()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, moved, l)

	// Close writes the closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG to the provided writer
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	moved, l, err := r.prepare()
	if err != nil {
		return err
	}

	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, moved, l)
	if r.Caption {
		drawText(rast, 6, 16, r.CaptionText(), color.RGBA{0, 0, 0, 255})
	}

	return png.Encode(w, rast)
}

// CaptionText summarises the fit in one line.
func (r *OverlayRenderer) CaptionText() string {
	return fmt.Sprintf("inliers %d/%d  rmse %.4g  scale %.4g", r.Fit.NumInliers, len(r.Source), r.Fit.RMSE, r.Fit.Scale)
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, moved PointSet, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	// Residual segments underneath the markers
	segStyle := canvas.DefaultStyle
	segStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	segStyle.Stroke = canvas.Paint{Color: ResidualColor}
	segStyle.StrokeWidth = 0.3

	for i := range moved {
		x0, y0 := l.toCanvas(projectXY(moved[i]))
		x1, y1 := l.toCanvas(projectXY(r.Target[i]))
		seg := &canvas.Path{}
		seg.MoveTo(x0, y0)
		seg.LineTo(x1, y1)
		renderer.RenderPath(seg, segStyle, canvas.Identity)
	}

	// Targets as hollow rings
	targetStyle := canvas.DefaultStyle
	targetStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	targetStyle.Stroke = canvas.Paint{Color: TargetColor}
	targetStyle.StrokeWidth = 0.4

	for _, p := range r.Target {
		cx, cy := l.toCanvas(projectXY(p))
		renderer.RenderPath(canvas.Circle(r.Radius).Translate(cx, cy), targetStyle, canvas.Identity)
	}

	// Transformed source as filled dots
	for i, p := range moved {
		c := OutlierColor
		if len(r.Fit.Inliers) > 0 && r.Fit.Inliers[i] {
			c = InlierColor
		}
		dotStyle := canvas.DefaultStyle
		dotStyle.Fill = canvas.Paint{Color: c}
		dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		cx, cy := l.toCanvas(projectXY(p))
		renderer.RenderPath(canvas.Circle(r.Radius*0.6).Translate(cx, cy), dotStyle, canvas.Identity)
	}
}

// drawText renders text onto an image at the specified pixel position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
