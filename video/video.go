// Package video decodes and re-encodes video files through ffmpeg, exchanging
// raw RGB frames with Go over pipes.
package video

import (
	"encoding/json"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Info is the stream metadata the encoder needs to reproduce the input geometry
// and timing.
type Info struct {
	Width     int
	Height    int
	FrameRate string // rational, e.g. "30/1" or "30000/1001"
	Frames    int    // from container metadata; 0 when unknown
}

// FPS returns the frame rate as a float.
func (i Info) FPS() float64 {
	fps, _ := parseRate(i.FrameRate)
	return fps
}

// Source yields decoded frames in capture order. Next returns io.EOF after the
// last frame. Frames are handed out once and never replayed.
type Source interface {
	Info() Info
	Next() (image.Image, error)
	Close() error
}

// Sink encodes frames in the order they are written.
type Sink interface {
	Write(img image.Image) error
	// Close flushes and finalizes the output file.
	Close() error
	// Abort stops encoding and removes the partial output.
	Abort() error
}

// Codec opens sources and creates sinks.
type Codec interface {
	Open(path string) (Source, error)
	Create(path string, info Info) (Sink, error)
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// parseProbe extracts Info from ffprobe's JSON output using the first video stream.
// Width and Height are the displayed size: ffmpeg applies the stream rotation
// while decoding, so a quarter turn swaps the coded dimensions.
func parseProbe(raw string) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Info{}, errors.Wrap(err, "decode ffprobe output")
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return Info{}, errors.Errorf("video stream has invalid size %dx%d", s.Width, s.Height)
		}
		rate := s.RFrameRate
		if fps, err := parseRate(rate); err != nil || fps <= 0 {
			rate = s.AvgFrameRate
			if fps, err := parseRate(rate); err != nil || fps <= 0 {
				return Info{}, errors.Errorf("video stream has no usable frame rate (%q, %q)", s.RFrameRate, s.AvgFrameRate)
			}
		}
		frames, _ := strconv.Atoi(s.NbFrames)
		width, height := s.Width, s.Height
		rotation := 0.0
		for _, sd := range s.SideDataList {
			if sd.Rotation != 0 {
				rotation = sd.Rotation
				break
			}
		}
		if rotation == 0 && s.Tags.Rotate != "" {
			rotation, _ = strconv.ParseFloat(s.Tags.Rotate, 64)
		}
		if quarterTurn(rotation) {
			width, height = height, width
		}
		return Info{Width: width, Height: height, FrameRate: rate, Frames: frames}, nil
	}
	return Info{}, errors.New("no video stream found")
}

func quarterTurn(degrees float64) bool {
	return int(math.Abs(math.Round(degrees)))%180 == 90
}

func parseRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse frame rate %q", rate)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse frame rate %q", rate)
	}
	if d == 0 {
		return 0, errors.Errorf("frame rate %q has zero denominator", rate)
	}
	return n / d, nil
}

// frameToRGB24 packs img into buf as tightly packed RGB rows.
func frameToRGB24(img image.Image, buf []byte, width, height int) error {
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return errors.Errorf("frame is %dx%d, stream is %dx%d", b.Dx(), b.Dy(), width, height)
	}
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < height; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[start : start+width*4]
			dst := buf[y*width*3:]
			for x := 0; x < width; x++ {
				dst[x*3] = row[x*4]
				dst[x*3+1] = row[x*4+1]
				dst[x*3+2] = row[x*4+2]
			}
		}
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				buf[i] = uint8(r >> 8)
				buf[i+1] = uint8(g >> 8)
				buf[i+2] = uint8(bl >> 8)
				i += 3
			}
		}
	}
	return nil
}

// rgb24ToFrame unpacks a raw frame into a new RGBA image.
func rgb24ToFrame(buf []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for p, i := 0, 0; p < width*height; p, i = p+1, i+3 {
		img.Pix[p*4] = buf[i]
		img.Pix[p*4+1] = buf[i+1]
		img.Pix[p*4+2] = buf[i+2]
		img.Pix[p*4+3] = 0xff
	}
	return img
}
