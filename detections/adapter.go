package detections

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/human-detection-service/models"
)

// Adapter exposes the detection model behind Detect. It is built once at
// startup; if loading failed it stays unavailable for the life of the process.
type Adapter struct {
	pool      *SessionPool
	info      ModelInfo
	labels    Labels
	logger    *zap.SugaredLogger
	observe   func(time.Duration)
	loadError error
}

type AdapterOption func(*Adapter)

func WithLogger(logger *zap.SugaredLogger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// WithInferenceObserver registers a callback fed with each forward pass duration.
func WithInferenceObserver(fn func(time.Duration)) AdapterOption {
	return func(a *Adapter) { a.observe = fn }
}

func NewAdapter(pool *SessionPool, info ModelInfo, labels Labels, opts ...AdapterOption) *Adapter {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	a := &Adapter{
		pool:    pool,
		info:    info,
		labels:  labels,
		logger:  zap.NewNop().Sugar(),
		observe: func(time.Duration) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewUnavailableAdapter returns an adapter that fails every call with
// models.ErrModelUnavailable.
func NewUnavailableAdapter(cause error) *Adapter {
	if cause == nil {
		cause = models.ErrModelUnavailable
	}
	return &Adapter{loadError: cause, logger: zap.NewNop().Sugar(), observe: func(time.Duration) {}}
}

func (a *Adapter) Available() bool {
	return a.loadError == nil && a.pool != nil
}

// LoadError is why the model is unavailable, or nil.
func (a *Adapter) LoadError() error {
	return a.loadError
}

func (a *Adapter) Labels() Labels {
	return a.labels
}

func (a *Adapter) Stats() PoolStats {
	if a.pool == nil {
		return PoolStats{}
	}
	return a.pool.Stats()
}

func (a *Adapter) Close() {
	if a.pool != nil {
		a.pool.Destroy()
	}
}

// Detect runs the model on img and returns the detections scoring at least
// threshold together with an annotated copy of img.
func (a *Adapter) Detect(ctx context.Context, img image.Image, threshold float64) (models.Frame, error) {
	if !a.Available() {
		return models.Frame{}, models.ErrModelUnavailable
	}
	if threshold < 0 || threshold > 1 {
		return models.Frame{}, models.Validationf("confidence threshold %v outside [0,1]", threshold)
	}
	if img.Bounds().Empty() {
		return models.Frame{}, models.Validationf("empty frame")
	}

	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	prepStart := time.Now()
	input, lb := Letterbox(img, a.info.InputWidth, a.info.InputHeight)
	buffer := getBuffer(3 * a.info.InputWidth * a.info.InputHeight)
	defer putBuffer(buffer)
	toCHW(input, buffer)
	timings.Preprocess = time.Since(prepStart)

	session, err := a.pool.Acquire(ctx)
	if err != nil {
		return models.Frame{}, errors.Wrap(err, "acquire session")
	}
	inferStart := time.Now()
	output, err := session.Run(buffer)
	a.pool.Release(session)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return models.Frame{}, err
	}
	a.observe(timings.Inference)

	if want := a.info.Channels * a.info.Anchors; len(output) != want {
		return models.Frame{}, errors.Errorf("unexpected predictions length: got %d, want %d", len(output), want)
	}

	postStart := time.Now()
	b := img.Bounds()
	candidates := decodePredictions(output, a.info.Channels, a.info.Anchors, threshold, lb, b.Dx(), b.Dy())
	kept := nonMaxSuppression(candidates, NMSThreshold, MaxDetections)
	dets := make([]models.Detection, len(kept))
	for i, c := range kept {
		box := c.box
		box.X1 += float64(b.Min.X)
		box.X2 += float64(b.Min.X)
		box.Y1 += float64(b.Min.Y)
		box.Y2 += float64(b.Min.Y)
		dets[i] = models.Detection{
			BBox:       box,
			Confidence: c.score,
			ClassID:    c.classID,
			ClassName:  a.labels.Name(c.classID),
		}
	}
	timings.Postprocess = time.Since(postStart)

	annotateStart := time.Now()
	annotated := Annotate(img, dets)
	timings.Annotate = time.Since(annotateStart)
	timings.Total = time.Since(startTotal)
	a.logTimings(timings, len(dets))

	return models.Frame{Detections: dets, Annotated: annotated}, nil
}

// Warmup runs one blank inference per pooled session.
func (a *Adapter) Warmup(ctx context.Context) error {
	if !a.Available() {
		return models.ErrModelUnavailable
	}
	blank := make([]float32, 3*a.info.InputWidth*a.info.InputHeight)
	held := make([]Session, 0, a.pool.Size())
	defer func() {
		for _, s := range held {
			a.pool.Release(s)
		}
	}()
	for i := 0; i < a.pool.Size(); i++ {
		s, err := a.pool.Acquire(ctx)
		if err != nil {
			return errors.Wrap(err, "acquire session for warmup")
		}
		held = append(held, s)
		if _, err := s.Run(blank); err != nil {
			return errors.Wrapf(err, "warm up session %d", i)
		}
	}
	return nil
}

func (a *Adapter) logTimings(t *models.ProcessingTimings, count int) {
	a.logger.Debugw("processing times",
		"request_id", t.RequestID,
		"detections", count,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"annotate", t.Annotate,
		"total", t.Total,
	)
}
