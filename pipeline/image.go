package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/human-detection-service/models"
)

// ImageProcessor runs one detection pass over a still image and saves the
// annotated copy.
type ImageProcessor struct {
	detector Detector
	outDir   string
	opts     options
}

func NewImageProcessor(detector Detector, outDir string, opts ...Option) *ImageProcessor {
	return &ImageProcessor{detector: detector, outDir: outDir, opts: newOptions(opts)}
}

// Process detects objects in the image at path. The annotated copy is written
// to the output directory using the input's extension for its encoding.
func (p *ImageProcessor) Process(ctx context.Context, path string, threshold float64) (models.ImageResult, error) {
	if !p.detector.Available() {
		return models.ImageResult{}, models.NewProcessingError("cannot process image", models.ErrModelUnavailable)
	}
	start := time.Now()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return models.ImageResult{}, models.NewProcessingError("cannot read image", err)
	}
	decoded := time.Since(start)

	frame, err := p.detector.Detect(ctx, img, threshold)
	if err != nil {
		return models.ImageResult{}, models.NewProcessingError("detection failed", err)
	}

	outName := p.opts.name(filepath.Base(path))
	if err := imaging.Save(frame.Annotated, filepath.Join(p.outDir, outName)); err != nil {
		return models.ImageResult{}, models.NewProcessingError("cannot save processed image", err)
	}

	p.opts.recorder.DetectionsFound(models.MediaImage, len(frame.Detections))
	p.opts.logger.Infow("image processed",
		"file", filepath.Base(path),
		"output", outName,
		"detections", len(frame.Detections),
		"decode", decoded,
		"total", time.Since(start),
	)
	return models.NewImageResult(frame.Detections, outName), nil
}
