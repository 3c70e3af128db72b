package detections

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/Tutortoise/human-detection-service/models"
)

type candidate struct {
	box     models.BBox
	score   float64
	classID int
}

// decodePredictions reads a [channels, anchors] YOLO output laid out row-major:
// rows 0..3 hold cx, cy, w, h in input pixels and the remaining rows the class
// scores. Anchors whose best score is below threshold are dropped.
func decodePredictions(predictions []float32, channels, anchors int, threshold float64, lb letterbox, frameW, frameH int) []candidate {
	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]candidate, 0, 16)

			for start := range jobs {
				end := min(start+chunkSize, anchors)
				for i := start; i < end; i++ {
					bestClass, bestScore := -1, float32(-1)
					for c := 4; c < channels; c++ {
						if s := predictions[c*anchors+i]; s > bestScore {
							bestClass, bestScore = c-4, s
						}
					}
					if float64(bestScore) < threshold {
						continue
					}
					box := toFrameBox(
						predictions[i],
						predictions[anchors+i],
						predictions[2*anchors+i],
						predictions[3*anchors+i],
						lb, frameW, frameH,
					)
					if !box.Valid() {
						continue
					}
					local = append(local, candidate{box: box, score: float64(bestScore), classID: bestClass})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < anchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var candidates []candidate
	for chunk := range results {
		candidates = append(candidates, chunk...)
	}
	return candidates
}

// toFrameBox converts a center-format box in letterboxed input pixels to a
// corner-format box in frame pixels, clipped to the frame.
func toFrameBox(cx, cy, w, h float32, lb letterbox, frameW, frameH int) models.BBox {
	x1 := (float64(cx-w/2) - float64(lb.padX)) / lb.scale
	y1 := (float64(cy-h/2) - float64(lb.padY)) / lb.scale
	x2 := (float64(cx+w/2) - float64(lb.padX)) / lb.scale
	y2 := (float64(cy+h/2) - float64(lb.padY)) / lb.scale

	return models.BBox{
		X1: clamp(x1, 0, float64(frameW)),
		Y1: clamp(y1, 0, float64(frameH)),
		X2: clamp(x2, 0, float64(frameW)),
		Y2: clamp(y2, 0, float64(frameH)),
	}
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group of
// the same class, up to limit boxes, ordered by score.
func nonMaxSuppression(candidates []candidate, iouThreshold float64, limit int) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	kept := make([]candidate, 0, min(len(candidates), limit))
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])
		if len(kept) == limit {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].classID != candidates[i].classID {
				continue
			}
			if calculateIOU(candidates[i].box, candidates[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 models.BBox) float64 {
	x1 := math.Max(box1.X1, box2.X1)
	y1 := math.Max(box1.Y1, box2.Y1)
	x2 := math.Min(box1.X2, box2.X2)
	y2 := math.Min(box1.Y2, box2.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := box1.Area() + box2.Area() - intersection
	if union <= 0 {
		return 0.0
	}
	return intersection / union
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
