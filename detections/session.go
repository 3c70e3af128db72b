package detections

import (
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ModelInfo describes the tensors of a YOLO detection export: one NCHW image
// input and one [1, 4+classes, anchors] output.
type ModelInfo struct {
	InputName   string
	OutputName  string
	InputWidth  int
	InputHeight int
	Channels    int
	Anchors     int
}

func (m ModelInfo) NumClasses() int {
	return m.Channels - 4
}

// InspectModel reads tensor names and shapes from the model file.
func InspectModel(modelPath string) (ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return ModelInfo{}, errors.Wrap(err, "read model metadata")
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return ModelInfo{}, errors.Errorf("expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	return modelInfoFromShapes(inputs[0].Name, inputs[0].Dimensions, outputs[0].Name, outputs[0].Dimensions)
}

func modelInfoFromShapes(inName string, in []int64, outName string, out []int64) (ModelInfo, error) {
	if len(in) != 4 || in[1] != 3 {
		return ModelInfo{}, errors.Errorf("unsupported input shape %v", in)
	}
	if len(out) != 3 || out[1] <= 4 {
		return ModelInfo{}, errors.Errorf("unsupported output shape %v", out)
	}

	info := ModelInfo{
		InputName:   inName,
		OutputName:  outName,
		InputHeight: int(in[2]),
		InputWidth:  int(in[3]),
		Channels:    int(out[1]),
		Anchors:     int(out[2]),
	}
	// Dynamic axes come back as -1; fall back to the usual export size.
	if info.InputHeight <= 0 {
		info.InputHeight = DefaultInputSize
	}
	if info.InputWidth <= 0 {
		info.InputWidth = DefaultInputSize
	}
	if info.Anchors <= 0 {
		return ModelInfo{}, errors.Errorf("output shape %v has no fixed anchor count", out)
	}
	return info, nil
}

// ModelSession owns an ONNX Runtime session and its bound tensors.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

// NewModelSession creates a session for modelPath. threads <= 0 splits the CPUs
// evenly across poolSize sessions.
func NewModelSession(modelPath string, info ModelInfo, threads, poolSize int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU() / max(poolSize, 1)
		if threads < 1 {
			threads = 1
		}
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, errors.Wrap(err, "set inter-op threads")
	}

	inputShape := ort.NewShape(1, 3, int64(info.InputHeight), int64(info.InputWidth))
	outputShape := ort.NewShape(1, int64(info.Channels), int64(info.Anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{info.InputName},
		[]string{info.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "create session")
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// Run copies input into the bound tensor, runs the model and returns a copy of
// the output so the session can go back to the pool.
func (m *ModelSession) Run(input []float32) ([]float32, error) {
	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := m.Session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}
	out := m.Output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
