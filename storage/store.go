// Package storage keeps uploaded originals and processed outputs on disk under two
// fixed roots.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Tutortoise/human-detection-service/models"
)

const (
	ProcessedSuffix = "_detected"
	fallbackName    = "uploaded_file"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

type Store struct {
	uploads   string
	processed string
}

// New creates the upload and processed roots if they do not exist.
func New(uploadsRoot, processedRoot string) (*Store, error) {
	s := &Store{}
	for dst, dir := range map[*string]string{&s.uploads: uploadsRoot, &s.processed: processedRoot} {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", dir)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", abs)
		}
		*dst = abs
	}
	return s, nil
}

func (s *Store) UploadsRoot() string   { return s.uploads }
func (s *Store) ProcessedRoot() string { return s.processed }

// SanitizeFilename reduces name to a safe base name in the manner of werkzeug's
// secure_filename. It returns "" when nothing usable is left.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = strings.Join(strings.Fields(p), "_")
	}
	joined := strings.Join(parts, "_")
	cleaned := unsafeChars.ReplaceAllString(joined, "")
	return strings.TrimLeft(cleaned, "._")
}

// Save writes the content of r under a collision-resistant name derived from
// originalName and returns where it went.
func (s *Store) Save(r io.Reader, originalName string) (models.UploadedMedia, error) {
	kind, ok := models.KindFromFilename(originalName)
	if !ok {
		return models.UploadedMedia{}, models.Validationf("file type not allowed: %q", originalName)
	}

	safe := SanitizeFilename(originalName)
	ext := filepath.Ext(safe)
	stem := strings.TrimSuffix(safe, ext)
	if stem == "" {
		stem = fallbackName
	}
	if ext == "" {
		// The sanitizer can strip a unicode-only extension; fall back to the original one.
		ext = strings.ToLower(filepath.Ext(originalName))
	}
	unique := stem + "_" + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	dst := filepath.Join(s.uploads, unique)

	tmp, err := os.CreateTemp(s.uploads, ".upload-*")
	if err != nil {
		return models.UploadedMedia{}, errors.Wrap(err, "create temp upload")
	}
	if _, err := io.Copy(tmp, r); err != nil {
		return models.UploadedMedia{}, multierr.Combine(
			errors.Wrap(err, "write upload"), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return models.UploadedMedia{}, multierr.Combine(errors.Wrap(err, "close upload"), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return models.UploadedMedia{}, multierr.Combine(errors.Wrap(err, "store upload"), os.Remove(tmp.Name()))
	}

	return models.UploadedMedia{
		Filename: unique,
		Path:     filepath.Join(filepath.Base(s.uploads), unique),
		Kind:     kind,
	}, nil
}

// UploadPath resolves name inside the uploads root without checking existence.
func (s *Store) UploadPath(name string) (string, error) {
	return resolve(s.uploads, name)
}

// ProcessedPath resolves name inside the processed root without checking existence.
func (s *Store) ProcessedPath(name string) (string, error) {
	return resolve(s.processed, name)
}

// ExistingUpload resolves name and checks the file is a regular file.
func (s *Store) ExistingUpload(name string) (string, error) {
	path, err := s.UploadPath(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", errors.Wrap(models.ErrNotFound, name)
	}
	return path, nil
}

func (s *Store) Retrieve(name string) ([]byte, error) {
	path, err := s.ExistingUpload(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return data, nil
}

// OpenProcessed opens a processed artifact for streaming back to a client.
func (s *Store) OpenProcessed(name string) (*os.File, os.FileInfo, error) {
	path, err := s.ProcessedPath(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(models.ErrNotFound, name)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, errors.Wrap(models.ErrNotFound, name)
	}
	return f, info, nil
}

// ProcessedName inserts the fixed suffix before the extension: a_1.jpg -> a_1_detected.jpg.
func ProcessedName(uploadName string) string {
	base := filepath.Base(uploadName)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ProcessedSuffix + ext
}

func resolve(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", errors.Wrap(models.ErrNotFound, name)
	}
	full := filepath.Join(root, name)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel != name || strings.HasPrefix(rel, "..") {
		return "", errors.Wrap(models.ErrNotFound, name)
	}
	return full, nil
}
