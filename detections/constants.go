package detections

const (
	DefaultInputSize = 640
	NMSThreshold     = 0.45
	MaxDetections    = 300
	PadValue         = 114

	DefaultPoolSize = 4
)
