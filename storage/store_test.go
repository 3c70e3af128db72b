package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/Tutortoise/human-detection-service/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "uploads"), filepath.Join(dir, "processed"))
	test.That(t, err, test.ShouldBeNil)
	return s
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	return len(entries)
}

func TestSanitizeFilename(t *testing.T) {
	test.That(t, SanitizeFilename("My cool movie.mov"), test.ShouldEqual, "My_cool_movie.mov")
	test.That(t, SanitizeFilename("../../../etc/passwd"), test.ShouldEqual, "etc_passwd")
	test.That(t, SanitizeFilename(`C:\Users\x\pic.jpg`), test.ShouldEqual, "C_Users_x_pic.jpg")
	test.That(t, SanitizeFilename("..."), test.ShouldEqual, "")
	test.That(t, SanitizeFilename("i$m@ge!.png"), test.ShouldEqual, "imge.png")
}

func TestSaveUniqueNames(t *testing.T) {
	s := newTestStore(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		media, err := s.Save(bytes.NewReader([]byte("data")), "a.jpg")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, media.Kind, test.ShouldEqual, models.MediaImage)
		test.That(t, media.Filename, test.ShouldStartWith, "a_")
		test.That(t, media.Filename, test.ShouldEndWith, ".jpg")
		test.That(t, seen[media.Filename], test.ShouldBeFalse)
		seen[media.Filename] = true
		test.That(t, media.Path, test.ShouldEqual, filepath.Join("uploads", media.Filename))
	}
	test.That(t, countFiles(t, s.UploadsRoot()), test.ShouldEqual, 20)
}

func TestSaveRejectsDisallowedExtension(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"notes.txt", "script.sh", "noext", "archive.tar.gz"} {
		_, err := s.Save(bytes.NewReader([]byte("data")), name)
		test.That(t, errors.Is(err, models.ErrValidation), test.ShouldBeTrue)
	}
	test.That(t, countFiles(t, s.UploadsRoot()), test.ShouldEqual, 0)
}

func TestSaveFallbackName(t *testing.T) {
	s := newTestStore(t)
	media, err := s.Save(strings.NewReader("frames"), "....mp4")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, media.Kind, test.ShouldEqual, models.MediaVideo)
	test.That(t, media.Filename, test.ShouldStartWith, "mp4_")

	media, err = s.Save(strings.NewReader("frames"), "фото.MP4")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, media.Filename, test.ShouldEndWith, ".mp4")
}

func TestRetrieve(t *testing.T) {
	s := newTestStore(t)
	media, err := s.Save(strings.NewReader("pixels"), "scene.png")
	test.That(t, err, test.ShouldBeNil)

	data, err := s.Retrieve(media.Filename)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "pixels")

	_, err = s.Retrieve("missing.png")
	test.That(t, errors.Is(err, models.ErrNotFound), test.ShouldBeTrue)
}

func TestPathTraversal(t *testing.T) {
	s := newTestStore(t)
	outside := filepath.Join(filepath.Dir(s.UploadsRoot()), "secret.jpg")
	test.That(t, os.WriteFile(outside, []byte("x"), 0o644), test.ShouldBeNil)

	for _, name := range []string{"../secret.jpg", "..", ".", "", "a/b.jpg", `..\secret.jpg`} {
		_, err := s.UploadPath(name)
		test.That(t, errors.Is(err, models.ErrNotFound), test.ShouldBeTrue)
		_, err = s.Retrieve(name)
		test.That(t, errors.Is(err, models.ErrNotFound), test.ShouldBeTrue)
		_, _, err = s.OpenProcessed(name)
		test.That(t, errors.Is(err, models.ErrNotFound), test.ShouldBeTrue)
	}

	path, err := s.UploadPath("ok.jpg")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, filepath.Join(s.UploadsRoot(), "ok.jpg"))
}

func TestOpenProcessed(t *testing.T) {
	s := newTestStore(t)
	path, err := s.ProcessedPath("a_detected.jpg")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, []byte("annotated"), 0o644), test.ShouldBeNil)

	f, info, err := s.OpenProcessed("a_detected.jpg")
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, info.Size(), test.ShouldEqual, int64(len("annotated")))

	_, _, err = s.OpenProcessed("b_detected.jpg")
	test.That(t, errors.Is(err, models.ErrNotFound), test.ShouldBeTrue)
}

func TestProcessedName(t *testing.T) {
	test.That(t, ProcessedName("a_123.jpg"), test.ShouldEqual, "a_123_detected.jpg")
	test.That(t, ProcessedName("scene_abc.mp4"), test.ShouldEqual, "scene_abc_detected.mp4")
	test.That(t, ProcessedName("noext"), test.ShouldEqual, "noext_detected")
}
