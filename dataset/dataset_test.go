package dataset

import (
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"

	"github.com/Tutortoise/human-detection-service/detections"
	"github.com/Tutortoise/human-detection-service/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)
}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	test.That(t, imaging.Save(img, path), test.ShouldBeNil)
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "0 0.5 0.5 0.5 0.25\n\n1 0.25 0.25 0.1 0.1 0.9\n2 0.1 0.1 0.2 0.2\n")

	dets, err := LoadLabels(path, 200, 100, detections.Labels{"Human"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].BBox, test.ShouldResemble, models.BBox{X1: 50, Y1: 37, X2: 150, Y2: 62})
	test.That(t, dets[0].ClassName, test.ShouldEqual, "Human")
	test.That(t, dets[1].ClassID, test.ShouldEqual, 2)
	test.That(t, dets[1].ClassName, test.ShouldEqual, "Class 2")

	dets, err = LoadLabels(filepath.Join(dir, "missing.txt"), 10, 10, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldBeEmpty)

	bad := filepath.Join(dir, "bad.txt")
	writeFile(t, bad, "0 x 0.5 0.5 0.5\n")
	_, err = LoadLabels(bad, 10, 10, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad.txt:1")
}

func TestLoadCategoryNames(t *testing.T) {
	dir := t.TempDir()
	fallback := detections.Labels{"Human"}
	test.That(t, LoadCategoryNames(dir, fallback), test.ShouldResemble, fallback)

	writeFile(t, filepath.Join(dir, notesFile), `{"categories":[{"id":0,"name":"Person"},{"id":2,"name":"Dog"}]}`)
	labels := LoadCategoryNames(dir, fallback)
	test.That(t, labels.Name(0), test.ShouldEqual, "Person")
	test.That(t, labels.Name(1), test.ShouldEqual, "Class 1")
	test.That(t, labels.Name(2), test.ShouldEqual, "Dog")

	writeFile(t, filepath.Join(dir, notesFile), `{"info":{}}`)
	test.That(t, LoadCategoryNames(dir, fallback), test.ShouldResemble, fallback)
}

func newDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "train", imagesDir, "one.jpg"), 100, 100)
	writeImage(t, filepath.Join(root, "train", imagesDir, "two.png"), 80, 40)
	writeImage(t, filepath.Join(root, "train", imagesDir, "three.png"), 50, 50)
	writeFile(t, filepath.Join(root, "train", imagesDir, "readme.md"), "ignored")
	writeFile(t, filepath.Join(root, "train", labelsDir, "one.txt"), "0 0.5 0.5 0.4 0.4\n0 0.2 0.2 0.1 0.1\n")
	writeFile(t, filepath.Join(root, "train", labelsDir, "two.txt"), "0 0.5 0.5 0.5 0.5\n")
	writeImage(t, filepath.Join(root, "val", imagesDir, "v.jpg"), 30, 30)
	return root
}

func TestVisualize(t *testing.T) {
	root := newDataset(t)
	rnd := rand.New(rand.NewPCG(1, 2))

	samples, err := Visualize(root, "train", 10, detections.DefaultLabels, rnd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, samples, test.ShouldHaveLength, 3)
	test.That(t, samples[0].File, test.ShouldEqual, "one.jpg")
	test.That(t, samples[0].Boxes, test.ShouldHaveLength, 2)
	test.That(t, samples[1].File, test.ShouldEqual, "three.png")
	test.That(t, samples[1].Boxes, test.ShouldBeEmpty)
	test.That(t, samples[2].Width, test.ShouldEqual, 80)
	test.That(t, samples[2].Height, test.ShouldEqual, 40)

	for _, s := range samples {
		test.That(t, s.Output, test.ShouldEqual, filepath.Join(root, VisualizedDir, "train", s.File))
		_, err := os.Stat(s.Output)
		test.That(t, err, test.ShouldBeNil)
	}

	// The box edge on the first image is drawn in the class color.
	out, err := imaging.Open(samples[0].Output)
	test.That(t, err, test.ShouldBeNil)
	r, g, b, _ := out.At(30, 50).RGBA()
	test.That(t, r == 0xffff && g == 0xffff && b == 0xffff, test.ShouldBeFalse)

	samples, err = Visualize(root, "train", 1, detections.DefaultLabels, rnd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, samples, test.ShouldHaveLength, 1)

	_, err = Visualize(root, "test", 5, detections.DefaultLabels, rnd)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStats(t *testing.T) {
	root := newDataset(t)
	stats, err := Stats(root)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats, test.ShouldHaveLength, 2)

	test.That(t, stats[0], test.ShouldResemble, SplitStats{Split: "train", Images: 3, LabelFiles: 2, Objects: 3})
	test.That(t, stats[0].AvgObjects(), test.ShouldAlmostEqual, 1.0)
	test.That(t, stats[1], test.ShouldResemble, SplitStats{Split: "val", Images: 1})
	test.That(t, stats[1].AvgObjects(), test.ShouldEqual, 0.0)
	test.That(t, SplitStats{}.AvgObjects(), test.ShouldEqual, 0.0)
}
