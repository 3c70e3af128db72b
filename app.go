package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tutortoise/human-detection-service/config"
	"github.com/Tutortoise/human-detection-service/detections"
	"github.com/Tutortoise/human-detection-service/metrics"
	"github.com/Tutortoise/human-detection-service/pipeline"
	"github.com/Tutortoise/human-detection-service/storage"
	"github.com/Tutortoise/human-detection-service/video"
)

// AppState is everything the HTTP handlers share. It is built once at startup.
type AppState struct {
	Config   config.Config
	Store    *storage.Store
	Detector pipeline.Detector
	Images   *pipeline.ImageProcessor
	Videos   *pipeline.VideoProcessor
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

func newAppState(
	cfg config.Config,
	store *storage.Store,
	detector pipeline.Detector,
	codec video.Codec,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *AppState {
	return &AppState{
		Config:   cfg,
		Store:    store,
		Detector: detector,
		Images: pipeline.NewImageProcessor(detector, store.ProcessedRoot(),
			pipeline.WithLogger(logger.Named("image")), pipeline.WithRecorder(m)),
		Videos: pipeline.NewVideoProcessor(detector, codec, store.ProcessedRoot(),
			pipeline.WithLogger(logger.Named("video")), pipeline.WithRecorder(m)),
		Metrics: m,
		Logger:  logger,
	}
}

// loadDetector loads the model. A failure is logged and leaves the service
// running with an adapter that reports the model as not loaded.
func loadDetector(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts ...detections.AdapterOption) *detections.Adapter {
	adapter, err := detections.Load(ctx, detections.LoadOptions{
		ModelPath:      cfg.ModelPath,
		LibraryPath:    cfg.LibraryPath,
		PoolSize:       cfg.PoolSize,
		IntraOpThreads: cfg.IntraOpThreads,
		Labels:         detections.Labels(cfg.ClassNames),
	}, logger.Named("detector"), opts...)
	if err != nil {
		logger.Errorw("model unavailable, detection requests will fail", "model", cfg.ModelPath, "error", err)
		return detections.NewUnavailableAdapter(err)
	}
	return adapter
}

// loadClassNames applies the data config, when one is set, on top of the
// configured class names.
func loadClassNames(cfg *config.Config) error {
	if cfg.DataConfig == "" {
		return nil
	}
	names, err := config.LoadClassNames(cfg.DataConfig)
	if err != nil {
		return err
	}
	cfg.ClassNames = names
	return nil
}
