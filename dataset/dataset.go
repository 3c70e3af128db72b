// Package dataset inspects YOLO-format training data: it reads label files,
// draws ground-truth boxes on sample images and summarizes each split.
package dataset

import (
	"bufio"
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/Tutortoise/human-detection-service/detections"
	"github.com/Tutortoise/human-detection-service/models"
)

const (
	imagesDir     = "images"
	labelsDir     = "labels"
	VisualizedDir = "visualized"
	notesFile     = "notes.json"
)

// Splits are the partitions summarized by Stats.
var Splits = []string{"train", "val", "test"}

var imageExts = map[string]struct{}{".png": {}, ".jpg": {}, ".jpeg": {}}

// LoadLabels reads a YOLO label file and converts the normalized
// "class cx cy w h" lines to pixel boxes for a width x height image.
// A missing file means the image has no objects. Lines without exactly five
// fields are ignored.
func LoadLabels(path string, width, height int, labels detections.Labels) ([]models.Detection, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open label file")
	}
	defer f.Close()

	var dets []models.Detection
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 {
			continue
		}
		var v [5]float64
		for i, field := range fields {
			if v[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", filepath.Base(path), line)
			}
		}
		cx, cy := v[1]*float64(width), v[2]*float64(height)
		w, h := v[3]*float64(width), v[4]*float64(height)
		classID := int(v[0])
		dets = append(dets, models.Detection{
			BBox: models.BBox{
				X1: float64(int(cx - w/2)),
				Y1: float64(int(cy - h/2)),
				X2: float64(int(cx + w/2)),
				Y2: float64(int(cy + h/2)),
			},
			Confidence: 1,
			ClassID:    classID,
			ClassName:  labels.Name(classID),
		})
	}
	return dets, errors.Wrap(scanner.Err(), "read label file")
}

type notes struct {
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// LoadCategoryNames reads class names from the dataset's notes.json. It
// returns fallback when the file is absent or has no categories.
func LoadCategoryNames(root string, fallback detections.Labels) detections.Labels {
	data, err := os.ReadFile(filepath.Join(root, notesFile))
	if err != nil {
		return fallback
	}
	var n notes
	if err := json.Unmarshal(data, &n); err != nil || len(n.Categories) == 0 {
		return fallback
	}
	maxID := 0
	for _, c := range n.Categories {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	labels := make(detections.Labels, maxID+1)
	for _, c := range n.Categories {
		if c.ID >= 0 {
			labels[c.ID] = c.Name
		}
	}
	return labels
}

// Sample is one visualized image.
type Sample struct {
	File   string
	Width  int
	Height int
	Boxes  []models.Detection
	Output string
}

// Visualize draws the ground-truth boxes of up to samples randomly chosen
// images of split and writes them to root/visualized/split.
func Visualize(root, split string, samples int, labels detections.Labels, rnd *rand.Rand) ([]Sample, error) {
	files, err := listImages(filepath.Join(root, split, imagesDir))
	if err != nil {
		return nil, err
	}
	rnd.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
	if samples >= 0 && samples < len(files) {
		files = files[:samples]
	}
	sort.Strings(files)

	outDir := filepath.Join(root, VisualizedDir, split)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output folder")
	}

	out := make([]Sample, 0, len(files))
	for _, name := range files {
		img, err := imaging.Open(filepath.Join(root, split, imagesDir, name))
		if err != nil {
			return out, errors.Wrapf(err, "read %s", name)
		}
		b := img.Bounds()
		labelPath := filepath.Join(root, split, labelsDir, strings.TrimSuffix(name, filepath.Ext(name))+".txt")
		boxes, err := LoadLabels(labelPath, b.Dx(), b.Dy(), labels)
		if err != nil {
			return out, err
		}
		dst := filepath.Join(outDir, name)
		if err := imaging.Save(detections.AnnotateLabels(img, boxes), dst); err != nil {
			return out, errors.Wrapf(err, "save %s", name)
		}
		out = append(out, Sample{File: name, Width: b.Dx(), Height: b.Dy(), Boxes: boxes, Output: dst})
	}
	return out, nil
}

type SplitStats struct {
	Split      string
	Images     int
	LabelFiles int
	Objects    int
}

func (s SplitStats) AvgObjects() float64 {
	if s.Images == 0 {
		return 0
	}
	return float64(s.Objects) / float64(s.Images)
}

// Stats counts images, label files and labeled objects for each split that
// exists under root.
func Stats(root string) ([]SplitStats, error) {
	var out []SplitStats
	for _, split := range Splits {
		images, err := listImages(filepath.Join(root, split, imagesDir))
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st := SplitStats{Split: split, Images: len(images)}

		entries, err := os.ReadDir(filepath.Join(root, split, labelsDir))
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "list labels")
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
				continue
			}
			st.LabelFiles++
			n, err := countObjects(filepath.Join(root, split, labelsDir, e.Name()))
			if err != nil {
				return nil, err
			}
			st.Objects += n
		}
		out = append(out, st)
	}
	return out, nil
}

func countObjects(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read label file")
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(models.ErrNotFound, dir)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
