package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/human-detection-service/config"
	"github.com/Tutortoise/human-detection-service/dataset"
	"github.com/Tutortoise/human-detection-service/detections"
	"github.com/Tutortoise/human-detection-service/logging"
	"github.com/Tutortoise/human-detection-service/metrics"
	"github.com/Tutortoise/human-detection-service/models"
	"github.com/Tutortoise/human-detection-service/pipeline"
	"github.com/Tutortoise/human-detection-service/storage"
	"github.com/Tutortoise/human-detection-service/video"
)

const (
	flagAddr         = "addr"
	flagModel        = "model"
	flagLibrary      = "onnx-lib"
	flagUploads      = "uploads"
	flagProcessed    = "processed"
	flagStatic       = "static"
	flagPoolSize     = "pool-size"
	flagThreads      = "threads"
	flagMaxUpload    = "max-upload"
	flagThreshold    = "threshold"
	flagClasses      = "classes"
	flagData         = "data"
	flagLogLevel     = "log-level"
	flagLogFile      = "log-file"
	flagLogJSON      = "log-json"
	flagDebug        = "debug"
	flagReadTimeout  = "read-timeout"
	flagWriteTimeout = "write-timeout"

	flagWorkers = "workers"
	flagSplit   = "split"
	flagSamples = "samples"
	flagSeed    = "seed"
)

func main() {
	var (
		cfg    config.Config
		logger *zap.SugaredLogger
	)
	defaults := config.Default()

	app := &cli.App{
		Name:  "human-detection-service",
		Usage: "detect people in disaster imagery over HTTP or from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagAddr, Value: defaults.Addr, EnvVars: []string{"HD_ADDR"}, Usage: "listen `ADDRESS`"},
			&cli.StringFlag{Name: flagModel, Value: defaults.ModelPath, EnvVars: []string{"HD_MODEL"}, Usage: "ONNX model `FILE`"},
			&cli.StringFlag{Name: flagLibrary, EnvVars: []string{"HD_ONNX_LIB"}, Usage: "ONNX Runtime shared library `FILE` (default per platform under lib/)"},
			&cli.StringFlag{Name: flagUploads, Value: defaults.UploadDir, EnvVars: []string{"HD_UPLOAD_DIR"}, Usage: "upload `DIR`"},
			&cli.StringFlag{Name: flagProcessed, Value: defaults.ProcessedDir, EnvVars: []string{"HD_PROCESSED_DIR"}, Usage: "processed output `DIR`"},
			&cli.StringFlag{Name: flagStatic, EnvVars: []string{"HD_STATIC_DIR"}, Usage: "`DIR` holding index.html"},
			&cli.IntFlag{Name: flagPoolSize, Value: defaults.PoolSize, EnvVars: []string{"HD_POOL_SIZE"}, Usage: "inference sessions"},
			&cli.IntFlag{Name: flagThreads, EnvVars: []string{"HD_INTRA_OP_THREADS"}, Usage: "intra-op threads per session (0 splits the CPUs across the pool)"},
			&cli.StringFlag{Name: flagMaxUpload, Value: defaults.MaxUploadSize, EnvVars: []string{"HD_MAX_UPLOAD"}, Usage: "upload size limit, e.g. 100MiB"},
			&cli.Float64Flag{Name: flagThreshold, Value: defaults.Threshold, EnvVars: []string{"HD_THRESHOLD"}, Usage: "default confidence threshold"},
			&cli.StringSliceFlag{Name: flagClasses, Value: cli.NewStringSlice(defaults.ClassNames...), EnvVars: []string{"HD_CLASSES"}, Usage: "class names by id"},
			&cli.StringFlag{Name: flagData, EnvVars: []string{"HD_DATA_CONFIG"}, Usage: "YOLO data.yaml `FILE` to read class names from"},
			&cli.StringFlag{Name: flagLogLevel, Value: defaults.LogLevel, EnvVars: []string{"HD_LOG_LEVEL"}, Usage: "log level"},
			&cli.StringFlag{Name: flagLogFile, EnvVars: []string{"HD_LOG_FILE"}, Usage: "also write rotated JSON logs to `FILE`"},
			&cli.BoolFlag{Name: flagLogJSON, EnvVars: []string{"HD_LOG_JSON"}, Usage: "log JSON to stdout"},
			&cli.BoolFlag{Name: flagDebug, EnvVars: []string{"DEBUG"}, Usage: "enable debug logging"},
			&cli.DurationFlag{Name: flagReadTimeout, Value: defaults.ReadTimeout, EnvVars: []string{"HD_READ_TIMEOUT"}},
			&cli.DurationFlag{Name: flagWriteTimeout, Value: defaults.WriteTimeout, EnvVars: []string{"HD_WRITE_TIMEOUT"}},
		},
		Before: func(c *cli.Context) error {
			var err error
			if cfg, err = configFromFlags(c); err != nil {
				return err
			}
			logger, err = logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON})
			return err
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return serve(c.Context, cfg, logger)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Action: func(c *cli.Context) error {
					return serve(c.Context, cfg, logger)
				},
			},
			{
				Name:      "detect",
				Usage:     "detect people in one image or video and print the result",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("detect takes exactly one path")
					}
					return detect(c.Context, cfg, logger, c.Args().First())
				},
			},
			{
				Name:      "batch",
				Usage:     "detect people in every image of a folder",
				ArgsUsage: "<folder>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagWorkers, Usage: "images processed at once (default: pool size)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("batch takes exactly one folder")
					}
					workers := c.Int(flagWorkers)
					if workers <= 0 {
						workers = cfg.PoolSize
					}
					return batch(c.Context, cfg, logger, c.Args().First(), workers)
				},
			},
			{
				Name:      "visualize",
				Usage:     "draw ground-truth labels of a YOLO dataset split",
				ArgsUsage: "<dataset>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSplit, Value: "train"},
					&cli.IntFlag{Name: flagSamples, Value: 9},
					&cli.Uint64Flag{Name: flagSeed, Usage: "sampling seed (default: time based)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("visualize takes exactly one dataset folder")
					}
					seed := c.Uint64(flagSeed)
					if !c.IsSet(flagSeed) {
						seed = uint64(time.Now().UnixNano())
					}
					return visualize(cfg, c.Args().First(), c.String(flagSplit), c.Int(flagSamples), seed)
				},
			},
			{
				Name:      "stats",
				Usage:     "summarize images and labels per dataset split",
				ArgsUsage: "<dataset>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("stats takes exactly one dataset folder")
					}
					return stats(c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configFromFlags(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	cfg.Addr = c.String(flagAddr)
	cfg.ModelPath = c.String(flagModel)
	cfg.LibraryPath = c.String(flagLibrary)
	cfg.UploadDir = c.String(flagUploads)
	cfg.ProcessedDir = c.String(flagProcessed)
	cfg.StaticDir = c.String(flagStatic)
	cfg.PoolSize = c.Int(flagPoolSize)
	cfg.IntraOpThreads = c.Int(flagThreads)
	cfg.MaxUploadSize = c.String(flagMaxUpload)
	cfg.Threshold = c.Float64(flagThreshold)
	cfg.ClassNames = c.StringSlice(flagClasses)
	cfg.DataConfig = c.String(flagData)
	cfg.LogLevel = c.String(flagLogLevel)
	cfg.LogFile = c.String(flagLogFile)
	cfg.LogJSON = c.Bool(flagLogJSON)
	cfg.ReadTimeout = c.Duration(flagReadTimeout)
	cfg.WriteTimeout = c.Duration(flagWriteTimeout)
	if c.Bool(flagDebug) {
		cfg.LogLevel = "debug"
	}

	if err := loadClassNames(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.UploadDir, cfg.ProcessedDir)
	if err != nil {
		return err
	}

	var adapter *detections.Adapter
	m := metrics.New(func() detections.PoolStats { return adapter.Stats() })
	adapter = loadDetector(ctx, cfg, logger, detections.WithInferenceObserver(m.ObserveInference))
	defer func() {
		adapter.Close()
		err = multierr.Append(err, detections.Shutdown())
	}()

	codec := video.NewFFmpeg(logger.Named("ffmpeg"))
	if err := codec.Check(); err != nil {
		logger.Warnw("video processing will fail until ffmpeg is installed", "error", err)
	}

	state := newAppState(cfg, store, adapter, codec, m, logger)
	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infow("starting server",
		"addr", srv.Addr,
		"model_loaded", adapter.Available(),
		"uploads", store.UploadsRoot(),
		"processed", store.ProcessedRoot(),
		"max_upload", cfg.MaxUploadSize,
	)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http")
	}
	return nil
}

func loadForCLI(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*detections.Adapter, error) {
	adapter := loadDetector(ctx, cfg, logger)
	if !adapter.Available() {
		return nil, multierr.Append(adapter.LoadError(), detections.Shutdown())
	}
	return adapter, nil
}

func closeAdapter(adapter *detections.Adapter, err *error) {
	adapter.Close()
	*err = multierr.Append(*err, detections.Shutdown())
}

func detect(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, path string) (err error) {
	kind, ok := models.KindFromFilename(path)
	if !ok {
		return models.Validationf("unsupported file type: %s", path)
	}
	adapter, err := loadForCLI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAdapter(adapter, &err)

	outDir := filepath.Dir(path)
	var result interface{}
	switch kind {
	case models.MediaImage:
		result, err = pipeline.NewImageProcessor(adapter, outDir, pipeline.WithLogger(logger)).
			Process(ctx, path, cfg.Threshold)
	case models.MediaVideo:
		result, err = pipeline.NewVideoProcessor(adapter, video.NewFFmpeg(logger.Named("ffmpeg")), outDir, pipeline.WithLogger(logger)).
			Process(ctx, path, cfg.Threshold)
	}
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(ProcessResponse{Status: "success", Type: kind, Result: result}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func batch(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, folder string, workers int) (err error) {
	adapter, err := loadForCLI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAdapter(adapter, &err)

	summary, err := pipeline.ProcessFolder(ctx, adapter, folder, cfg.Threshold, workers, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d images: %d succeeded, %d failed, %d detections. Output in %s\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Detections, summary.OutputDir)
	return nil
}

func visualize(cfg config.Config, root, split string, samples int, seed uint64) error {
	labels := dataset.LoadCategoryNames(root, detections.Labels(cfg.ClassNames))
	rnd := rand.New(rand.NewPCG(seed, seed>>1|1))
	out, err := dataset.Visualize(root, split, samples, labels, rnd)
	if err != nil {
		return err
	}
	for _, s := range out {
		fmt.Printf("Image: %s\n  Dimensions: %dx%d\n  Objects: %d\n", s.File, s.Width, s.Height, len(s.Boxes))
		for i, b := range s.Boxes {
			fmt.Printf("    %d. %s at [%d, %d, %d, %d]\n",
				i+1, b.ClassName, int(b.BBox.X1), int(b.BBox.Y1), int(b.BBox.X2), int(b.BBox.Y2))
		}
	}
	fmt.Printf("%d samples written to %s\n", len(out), filepath.Join(root, dataset.VisualizedDir, split))
	return nil
}

func stats(root string) error {
	splits, err := dataset.Stats(root)
	if err != nil {
		return err
	}
	for _, s := range splits {
		fmt.Printf("%s set:\n  Images: %d\n  Label files: %d\n  Total objects: %d\n  Avg objects per image: %.2f\n",
			s.Split, s.Images, s.LabelFiles, s.Objects, s.AvgObjects())
	}
	return nil
}
