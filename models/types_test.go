package models

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestKindFromFilename(t *testing.T) {
	cases := []struct {
		name string
		kind MediaKind
		ok   bool
	}{
		{"a.jpg", MediaImage, true},
		{"A.JPEG", MediaImage, true},
		{"shot.Png", MediaImage, true},
		{"scan.bmp", MediaImage, true},
		{"scene.mp4", MediaVideo, true},
		{"clip.MKV", MediaVideo, true},
		{"clip.mov", MediaVideo, true},
		{"clip.avi", MediaVideo, true},
		{"notes.txt", "", false},
		{"noext", "", false},
		{"trailingdot.", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := KindFromFilename(tc.name)
			test.That(t, ok, test.ShouldEqual, tc.ok)
			test.That(t, kind, test.ShouldEqual, tc.kind)
		})
	}
}

func TestNewImageResultCount(t *testing.T) {
	res := NewImageResult(nil, "a_detected.jpg")
	test.That(t, res.Count, test.ShouldEqual, 0)
	test.That(t, res.Detections, test.ShouldNotBeNil)

	dets := []Detection{{Confidence: 0.9}, {Confidence: 0.7}, {Confidence: 0.6}}
	res = NewImageResult(dets, "a_detected.jpg")
	test.That(t, res.Count, test.ShouldEqual, len(res.Detections))
	test.That(t, res.Count, test.ShouldEqual, 3)
}

func TestNewVideoResultAverage(t *testing.T) {
	res := NewVideoResult("v_detected.mp4", 0, 0)
	test.That(t, res.AvgDetectionsPerFrame, test.ShouldEqual, 0.0)

	res = NewVideoResult("v_detected.mp4", 0, 12)
	test.That(t, res.AvgDetectionsPerFrame, test.ShouldEqual, 0.0)

	res = NewVideoResult("v_detected.mp4", 10, 25)
	test.That(t, res.TotalFrames, test.ShouldEqual, 10)
	test.That(t, res.TotalDetections, test.ShouldEqual, 25)
	test.That(t, res.AvgDetectionsPerFrame, test.ShouldAlmostEqual, 2.5)
}

func TestBBox(t *testing.T) {
	b := BBox{X1: 10, Y1: 20, X2: 30, Y2: 60}
	test.That(t, b.Valid(), test.ShouldBeTrue)
	test.That(t, b.Area(), test.ShouldEqual, 800.0)
	test.That(t, b.Rect().Dx(), test.ShouldEqual, 20)
	test.That(t, BBox{X1: 5, Y1: 5, X2: 5, Y2: 9}.Valid(), test.ShouldBeFalse)
}

func TestHTTPStatus(t *testing.T) {
	test.That(t, HTTPStatus(nil), test.ShouldEqual, http.StatusOK)
	test.That(t, HTTPStatus(Validationf("bad %s", "input")), test.ShouldEqual, http.StatusBadRequest)
	test.That(t, HTTPStatus(errors.Wrap(ErrNotFound, "x.jpg")), test.ShouldEqual, http.StatusNotFound)
	test.That(t, HTTPStatus(ErrTooLarge), test.ShouldEqual, http.StatusRequestEntityTooLarge)
	test.That(t, HTTPStatus(ErrModelUnavailable), test.ShouldEqual, http.StatusInternalServerError)

	perr := NewProcessingError("inference failed", ErrModelUnavailable)
	test.That(t, perr.Error(), test.ShouldEqual, "inference failed: model not loaded")
	test.That(t, errors.Is(perr, ErrModelUnavailable), test.ShouldBeTrue)
	test.That(t, HTTPStatus(perr), test.ShouldEqual, http.StatusInternalServerError)
}
