package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/human-detection-service/models"
)

var errAborted = errors.New("encoding aborted")

// FFmpeg implements Codec with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	logger *zap.SugaredLogger
}

func NewFFmpeg(logger *zap.SugaredLogger) *FFmpeg {
	return &FFmpeg{logger: logger}
}

// Check reports whether ffmpeg and ffprobe are on the PATH.
func (f *FFmpeg) Check() error {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return errors.Wrapf(err, "%s not found", bin)
		}
	}
	return nil
}

// Probe reads stream metadata. Any failure is reported as models.ErrIO.
func (f *FFmpeg) Probe(path string) (Info, error) {
	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return Info{}, errors.Wrapf(models.ErrIO, "cannot open video %s: %v", path, err)
	}
	info, err := parseProbe(raw)
	if err != nil {
		return Info{}, errors.Wrapf(models.ErrIO, "cannot open video %s: %v", path, err)
	}
	return info, nil
}

func (f *FFmpeg) Open(path string) (Source, error) {
	info, err := f.Probe(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	stderr := &bytes.Buffer{}

	stream := ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24", "vsync": "passthrough"}).
		WithOutput(pw).
		WithErrorOutput(stderr)
	stream.Context = ctx

	src := &ffmpegSource{
		info:   info,
		reader: pr,
		buf:    make([]byte, info.Width*info.Height*3),
		cancel: cancel,
	}
	src.group.Go(func() error {
		err := stream.Run()
		if err != nil {
			err = errors.Wrapf(err, "ffmpeg decode: %s", lastLine(stderr))
		}
		// A nil error closes the pipe with io.EOF.
		pw.CloseWithError(err)
		return err
	})

	f.logger.Debugw("opened video", "path", path, "width", info.Width, "height", info.Height,
		"frame_rate", info.FrameRate, "frames", info.Frames)
	return src, nil
}

func (f *FFmpeg) Create(path string, info Info) (Sink, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Errorf("invalid output size %dx%d", info.Width, info.Height)
	}
	if _, err := parseRate(info.FrameRate); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	stderr := &bytes.Buffer{}

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgb24",
		"s":         fmt.Sprintf("%dx%d", info.Width, info.Height),
		"framerate": info.FrameRate,
	}).
		Output(path, encodeArgs(info)).
		OverWriteOutput().
		WithInput(pr).
		WithErrorOutput(stderr)
	stream.Context = ctx

	sink := &ffmpegSink{
		path:   path,
		info:   info,
		writer: pw,
		buf:    make([]byte, info.Width*info.Height*3),
		cancel: cancel,
	}
	sink.group.Go(func() error {
		err := stream.Run()
		if err != nil {
			err = errors.Wrapf(err, "ffmpeg encode: %s", lastLine(stderr))
			pr.CloseWithError(err)
		} else {
			pr.CloseWithError(io.ErrClosedPipe)
		}
		return err
	})
	return sink, nil
}

// encodeArgs selects the output encoding. yuv420p needs even dimensions, so an
// odd-sized frame gets one black row or column of padding.
func encodeArgs(info Info) ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{"c:v": "mpeg4", "q:v": 3, "pix_fmt": "yuv420p", "r": info.FrameRate}
	if info.Width%2 != 0 || info.Height%2 != 0 {
		args["vf"] = fmt.Sprintf("pad=%d:%d:0:0:black", info.Width+info.Width%2, info.Height+info.Height%2)
	}
	return args
}

type ffmpegSource struct {
	info   Info
	reader *io.PipeReader
	buf    []byte
	cancel context.CancelFunc
	group  errgroup.Group

	closeOnce sync.Once
	done      bool
}

func (s *ffmpegSource) Info() Info {
	return s.info
}

func (s *ffmpegSource) Next() (image.Image, error) {
	if s.done {
		return nil, io.EOF
	}
	_, err := io.ReadFull(s.reader, s.buf)
	switch {
	case err == nil:
		return rgb24ToFrame(s.buf, s.info.Width, s.info.Height), nil
	case errors.Is(err, io.EOF):
		s.done = true
		if werr := s.group.Wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		return nil, errors.Wrap(models.ErrIO, "truncated frame at end of stream")
	default:
		s.done = true
		return nil, err
	}
}

// Close stops the decoder. Errors from a decoder stopped before the end of the
// stream are expected and dropped.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.reader.Close()
		_ = s.group.Wait()
	})
	return nil
}

type ffmpegSink struct {
	path   string
	info   Info
	writer *io.PipeWriter
	buf    []byte
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool
}

func (s *ffmpegSink) Write(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("write to closed sink")
	}
	if err := frameToRGB24(img, s.buf, s.info.Width, s.info.Height); err != nil {
		return err
	}
	if _, err := s.writer.Write(s.buf); err != nil {
		return errors.Wrap(err, "write frame to encoder")
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := multierr.Append(s.writer.Close(), s.group.Wait())
	s.cancel()
	return err
}

func (s *ffmpegSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
		s.writer.CloseWithError(errAborted)
		_ = s.group.Wait()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove partial output")
	}
	return nil
}

func lastLine(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
