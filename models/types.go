package models

import (
	"image"
	"path/filepath"
	"strings"
	"time"
)

// MediaKind tells the image and video pipelines apart. It is decided once from the
// file extension and carried through instead of re-parsing the name.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

var (
	ImageExtensions = map[string]struct{}{"png": {}, "jpg": {}, "jpeg": {}, "bmp": {}}
	VideoExtensions = map[string]struct{}{"mp4": {}, "avi": {}, "mov": {}, "mkv": {}}
)

// KindFromFilename reports the media kind for name based on its extension,
// compared case-insensitively.
func KindFromFilename(name string) (MediaKind, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "", false
	}
	if _, ok := ImageExtensions[ext]; ok {
		return MediaImage, true
	}
	if _, ok := VideoExtensions[ext]; ok {
		return MediaVideo, true
	}
	return "", false
}

type UploadedMedia struct {
	Filename string    `json:"filename"`
	Path     string    `json:"filepath"`
	Kind     MediaKind `json:"type"`
}

// BBox is a box in pixel coordinates with X1 < X2 and Y1 < Y2.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Valid reports whether the box has positive width and height.
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// Frame is what the detector returns for one image: the detections above the
// requested threshold and a copy of the image with them drawn on.
type Frame struct {
	Detections []Detection
	Annotated  image.Image
}

type ImageResult struct {
	Detections     []Detection `json:"detections"`
	ProcessedImage string      `json:"processed_image"`
	Count          int         `json:"count"`
}

// NewImageResult keeps Count in step with the detection list.
func NewImageResult(detections []Detection, processed string) ImageResult {
	if detections == nil {
		detections = []Detection{}
	}
	return ImageResult{
		Detections:     detections,
		ProcessedImage: processed,
		Count:          len(detections),
	}
}

type VideoResult struct {
	ProcessedVideo        string  `json:"processed_video"`
	TotalFrames           int     `json:"total_frames"`
	TotalDetections       int     `json:"total_detections"`
	AvgDetectionsPerFrame float64 `json:"avg_detections_per_frame"`
}

func NewVideoResult(processed string, frames, detections int) VideoResult {
	var avg float64
	if frames > 0 {
		avg = float64(detections) / float64(frames)
	}
	return VideoResult{
		ProcessedVideo:        processed,
		TotalFrames:           frames,
		TotalDetections:       detections,
		AvgDetectionsPerFrame: avg,
	}
}

// ProcessingTimings is logged once per Detect call. RequestID is a random UUID.
type ProcessingTimings struct {
	RequestID   string
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Annotate    time.Duration
	Total       time.Duration
}
