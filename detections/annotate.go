package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/human-detection-service/models"
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 0, G: 24, B: 236, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
	{R: 82, G: 0, B: 133, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
	{R: 255, G: 55, B: 199, A: 255},
}

// ClassColor returns the fixed drawing color for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate draws every detection with a "<label> <confidence>" caption.
func Annotate(img image.Image, dets []models.Detection) *image.RGBA {
	return draw(img, dets, func(d models.Detection) string {
		return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
	})
}

// AnnotateLabels draws boxes captioned with the class name only, for ground
// truth annotations that carry no score.
func AnnotateLabels(img image.Image, dets []models.Detection) *image.RGBA {
	return draw(img, dets, func(d models.Detection) string {
		return d.ClassName
	})
}

func draw(img image.Image, dets []models.Detection, caption func(models.Detection) string) *image.RGBA {
	dc := gg.NewContextForImage(img)
	b := img.Bounds()
	lineWidth := math.Max(math.Round(float64(b.Dx()+b.Dy())/2*0.003), 2)
	fontSize := math.Max(lineWidth*5, 11)
	// Faces cache glyphs and are not safe to share between goroutines.
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: fontSize}))

	for _, d := range dets {
		c := ClassColor(d.ClassID)
		x1 := d.BBox.X1 - float64(b.Min.X)
		y1 := d.BBox.Y1 - float64(b.Min.Y)

		dc.SetColor(c)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(x1, y1, d.BBox.Width(), d.BBox.Height())
		dc.Stroke()

		text := caption(d)
		tw, th := dc.MeasureString(text)
		boxH := th + lineWidth*2
		ty := y1 - boxH
		if ty < 0 {
			ty = y1
		}
		dc.DrawRectangle(x1, ty, tw+lineWidth*2, boxH)
		dc.Fill()

		dc.SetColor(color.White)
		dc.DrawStringAnchored(text, x1+lineWidth, ty+lineWidth, 0, 1)
	}

	return toRGBA(dc.Image())
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			rgba.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return rgba
}
