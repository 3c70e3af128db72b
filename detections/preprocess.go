package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox records how a frame was fitted into the model input so boxes can be
// mapped back to frame pixels.
type letterbox struct {
	scale float64
	padX  int
	padY  int
}

// Letterbox scales img to fit width x height keeping its aspect ratio and pads
// the rest with gray.
func Letterbox(img image.Image, width, height int) (*image.NRGBA, letterbox) {
	b := img.Bounds()
	scale := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	newW := max(1, int(math.Round(float64(b.Dx())*scale)))
	newH := max(1, int(math.Round(float64(b.Dy())*scale)))

	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	canvas := imaging.New(width, height, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	lb := letterbox{scale: scale, padX: (width - newW) / 2, padY: (height - newH) / 2}
	return imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY)), lb
}

// toCHW writes img into buffer as planar RGB scaled to [0,1]. Rows are split
// across workers.
func toCHW(img *image.NRGBA, buffer []float32) {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	channelSize := width * height
	numWorkers := min(runtime.GOMAXPROCS(0), height)
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					p := src[x*4 : x*4+3]
					buffer[i] = float32(p[0]) / 255.0
					buffer[channelSize+i] = float32(p[1]) / 255.0
					buffer[channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

var bufferPool sync.Pool

func getBuffer(n int) []float32 {
	if v, ok := bufferPool.Get().(*[]float32); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]float32, n)
}

func putBuffer(buf []float32) {
	bufferPool.Put(&buf)
}
