package report

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/menta2k/debris-scan/pkg/types"
)

var labelFont *truetype.Font

// init sets up the font used for box labels.
func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// ColorMap assigns box colors per class name. Classes without an entry
// get a deterministic color from the default palette.
type ColorMap map[string]color.RGBA

var defaultPalette = []color.RGBA{
	{R: 230, G: 57, B: 70, A: 255},
	{R: 29, G: 131, B: 72, A: 255},
	{R: 31, G: 97, B: 141, A: 255},
	{R: 241, G: 196, B: 15, A: 255},
	{R: 142, G: 68, B: 173, A: 255},
	{R: 230, G: 126, B: 34, A: 255},
	{R: 23, G: 165, B: 137, A: 255},
	{R: 203, G: 67, B: 53, A: 255},
}

// ColorFor returns the color for a class.
func (c ColorMap) ColorFor(class string) color.RGBA {
	if col, ok := c[class]; ok {
		return col
	}
	h := fnv.New32a()
	h.Write([]byte(class))
	return defaultPalette[int(h.Sum32())%len(defaultPalette)]
}

// Annotate renders a copy of img with a labeled, class-colored box for
// every detection. Box coordinates are expected in the image's native
// pixel space.
func Annotate(img image.Image, dets []types.Detection, colors ColorMap) image.Image {
	dc := gg.NewContextForImage(img)

	bounds := img.Bounds()
	longSide := bounds.Dx()
	if bounds.Dy() > longSide {
		longSide = bounds.Dy()
	}
	stroke := math.Max(2, float64(longSide)/500)
	fontSize := math.Max(12, stroke*5)

	for _, d := range dets {
		col := colors.ColorFor(d.Class)
		rect := image.Rect(int(d.Box.X0), int(d.Box.Y0), int(d.Box.X1), int(d.Box.Y1))
		drawRectangleEmpty(dc, rect, col, stroke)

		label := fmt.Sprintf("%s %.0f%%", d.Class, d.Score*100)
		labelY := float64(rect.Min.Y) - stroke
		if labelY < fontSize {
			labelY = float64(rect.Min.Y) + fontSize + stroke
		}
		drawString(dc, label, float64(rect.Min.X), labelY, col, fontSize)
	}

	return dc.Image()
}

// drawRectangleEmpty strokes the four edges of a rectangle.
func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Min.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Min.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Max.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Max.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()
}

// drawString writes text at the given baseline position.
func drawString(dc *gg.Context, text string, x, y float64, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawString(text, x, y)
}
