package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/Tutortoise/human-detection-service/models"
	"github.com/Tutortoise/human-detection-service/video"
)

// VideoProcessor runs detection on every frame of a video and re-encodes the
// annotated frames at the source geometry and frame rate.
type VideoProcessor struct {
	detector Detector
	codec    video.Codec
	outDir   string
	opts     options
}

func NewVideoProcessor(detector Detector, codec video.Codec, outDir string, opts ...Option) *VideoProcessor {
	return &VideoProcessor{detector: detector, codec: codec, outDir: outDir, opts: newOptions(opts)}
}

// Process reads frames lazily, one at a time, and writes each annotated frame
// before reading the next. Any failure aborts the run and removes the partial
// output.
func (p *VideoProcessor) Process(ctx context.Context, path string, threshold float64) (result models.VideoResult, err error) {
	if !p.detector.Available() {
		return models.VideoResult{}, models.NewProcessingError("cannot process video", models.ErrModelUnavailable)
	}
	start := time.Now()

	src, err := p.codec.Open(path)
	if err != nil {
		return models.VideoResult{}, models.NewProcessingError("cannot open video", err)
	}
	defer func() {
		err = multierr.Append(err, src.Close())
	}()
	info := src.Info()

	outName := p.opts.name(filepath.Base(path))
	sink, err := p.codec.Create(filepath.Join(p.outDir, outName), info)
	if err != nil {
		return models.VideoResult{}, models.NewProcessingError("cannot create output video", err)
	}

	logger := p.opts.logger.With("file", filepath.Base(path))
	logger.Infow("processing video",
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS(),
		"frames", info.Frames,
	)

	frames, detections, err := p.run(ctx, src, sink, threshold, info)
	if err != nil {
		if abortErr := sink.Abort(); abortErr != nil {
			logger.Warnw("failed to remove partial output", "error", abortErr)
		}
		return models.VideoResult{}, models.NewProcessingError("video processing failed", err)
	}
	if err := sink.Close(); err != nil {
		if abortErr := sink.Abort(); abortErr != nil {
			logger.Warnw("failed to remove partial output", "error", abortErr)
		}
		return models.VideoResult{}, models.NewProcessingError("cannot finalize output video", err)
	}

	result = models.NewVideoResult(outName, frames, detections)
	logger.Infow("video processed",
		"output", outName,
		"frames", result.TotalFrames,
		"detections", result.TotalDetections,
		"avg_per_frame", result.AvgDetectionsPerFrame,
		"elapsed", time.Since(start),
	)
	return result, nil
}

func (p *VideoProcessor) run(
	ctx context.Context, src video.Source, sink video.Sink, threshold float64, info video.Info,
) (frames, detections int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return frames, detections, err
		}
		img, err := src.Next()
		if err == io.EOF {
			return frames, detections, nil
		}
		if err != nil {
			return frames, detections, err
		}

		frame, err := p.detector.Detect(ctx, img, threshold)
		if err != nil {
			return frames, detections, err
		}
		if err := sink.Write(frame.Annotated); err != nil {
			return frames, detections, err
		}

		frames++
		detections += len(frame.Detections)
		p.opts.recorder.FramesProcessed(1)
		p.opts.recorder.DetectionsFound(models.MediaVideo, len(frame.Detections))

		if frames%ProgressInterval == 0 {
			p.opts.logger.Infow("video progress", "frame", frames, "of", info.Frames, "detections", detections)
		}
	}
}
