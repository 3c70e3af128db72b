package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/human-detection-service/models"
)

// BatchDir is the folder, inside the input folder, that receives batch output.
const BatchDir = "detected"

type BatchSummary struct {
	Total      int
	Succeeded  int
	Failed     int
	Detections int
	OutputDir  string
}

// ProcessFolder runs the image pipeline over every image directly inside
// folder and writes the annotated copies under folder/detected with their
// original names. A file that fails is logged and skipped. At most workers
// images are in flight at once.
func ProcessFolder(ctx context.Context, detector Detector, folder string, threshold float64, workers int, opts ...Option) (BatchSummary, error) {
	if !detector.Available() {
		return BatchSummary{}, models.NewProcessingError("cannot process folder", models.ErrModelUnavailable)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return BatchSummary{}, errors.Wrapf(models.ErrNotFound, "image folder %s: %v", folder, err)
	}
	var files []string
	for _, e := range entries {
		if kind, ok := models.KindFromFilename(e.Name()); ok && kind == models.MediaImage && e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	outDir := filepath.Join(folder, BatchDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return BatchSummary{}, errors.Wrap(err, "create output folder")
	}

	o := newOptions(opts)
	keepName := WithOutputName(func(name string) string { return name })
	proc := NewImageProcessor(detector, outDir, append(append([]Option{}, opts...), keepName)...)

	if workers < 1 {
		workers = 1
	}
	var (
		mu      sync.Mutex
		summary = BatchSummary{Total: len(files), OutputDir: outDir}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			o.logger.Infow("processing image", "index", i+1, "total", len(files), "file", name)
			res, err := proc.Process(gctx, filepath.Join(folder, name), threshold)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				o.logger.Warnw("skipping image", "file", name, "error", err)
				return nil
			}
			summary.Succeeded++
			summary.Detections += res.Count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	o.logger.Infow("batch processing completed",
		"images", summary.Total, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}
