package detections

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// LoadOptions configures the runtime, the model file and the session pool.
type LoadOptions struct {
	ModelPath      string
	LibraryPath    string
	PoolSize       int
	IntraOpThreads int
	Labels         Labels
}

// DefaultLibraryPath picks the ONNX Runtime shared library name for this platform.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join("lib", "onnxruntime.dll")
	case "darwin":
		return filepath.Join("lib", "libonnxruntime.dylib")
	default:
		return filepath.Join("lib", "libonnxruntime.so")
	}
}

// Load initializes ONNX Runtime, builds the session pool and warms it up.
// Callers keep the service running with NewUnavailableAdapter when it fails.
func Load(ctx context.Context, opts LoadOptions, logger *zap.SugaredLogger, adapterOpts ...AdapterOption) (*Adapter, error) {
	modelPath, err := filepath.Abs(filepath.Clean(opts.ModelPath))
	if err != nil {
		return nil, errors.Wrap(err, "resolve model path")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrapf(err, "model file not found: %s", modelPath)
	}

	libPath := opts.LibraryPath
	if libPath == "" {
		libPath = DefaultLibraryPath()
	}
	if _, err := os.Stat(libPath); err != nil {
		return nil, errors.Wrapf(err, "onnxruntime library not found: %s", libPath)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initialize onnxruntime environment")
		}
	}

	info, err := InspectModel(modelPath)
	if err != nil {
		return nil, err
	}
	logger.Infow("model metadata",
		"input", info.InputName,
		"output", info.OutputName,
		"input_size", []int{info.InputWidth, info.InputHeight},
		"classes", info.NumClasses(),
		"anchors", info.Anchors,
	)

	pool, err := NewSessionPool(opts.PoolSize, func() (Session, error) {
		return NewModelSession(modelPath, info, opts.IntraOpThreads, opts.PoolSize)
	})
	if err != nil {
		return nil, err
	}

	adapter := NewAdapter(pool, info, opts.Labels, append([]AdapterOption{WithLogger(logger)}, adapterOpts...)...)
	if err := adapter.Warmup(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	logger.Infow("model loaded", "path", modelPath, "sessions", pool.Size())
	return adapter, nil
}

// Shutdown releases the ONNX Runtime environment if it was initialized.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
