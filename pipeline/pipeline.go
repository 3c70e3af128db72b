// Package pipeline turns stored media into annotated output and detection
// summaries. One processor call handles one file synchronously.
package pipeline

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/Tutortoise/human-detection-service/models"
	"github.com/Tutortoise/human-detection-service/storage"
)

// ProgressInterval is how many video frames pass between progress log lines.
const ProgressInterval = 30

// Detector is the model as the pipelines see it.
type Detector interface {
	Detect(ctx context.Context, img image.Image, threshold float64) (models.Frame, error)
	Available() bool
}

// Recorder receives processing counts. metrics.Metrics implements it.
type Recorder interface {
	FramesProcessed(n int)
	DetectionsFound(kind models.MediaKind, n int)
}

type nopRecorder struct{}

func (nopRecorder) FramesProcessed(int)                    {}
func (nopRecorder) DetectionsFound(models.MediaKind, int) {}

type options struct {
	logger   *zap.SugaredLogger
	recorder Recorder
	name     func(string) string
}

type Option func(*options)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithOutputName overrides how the output file is named from the input file
// name. The default appends the processed suffix.
func WithOutputName(fn func(string) string) Option {
	return func(o *options) { o.name = fn }
}

func newOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop().Sugar(),
		recorder: nopRecorder{},
		name:     storage.ProcessedName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
