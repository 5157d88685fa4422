// Package imagestore writes violation frames to local disk as JPEG files
// named after their capture time.
package imagestore

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/redlight/internal/fsutil"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/security"
)

const (
	DefaultDir     = "violations"
	DefaultQuality = 90

	// maxCollisions bounds the -N suffix search for frames captured in the
	// same millisecond.
	maxCollisions = 100
)

// Store persists frames under a single directory.
type Store struct {
	fs      fsutil.FileSystem
	dir     string
	quality int
}

// New returns a Store writing into dir. A nil fsys selects the OS
// filesystem.
func New(fsys fsutil.FileSystem, dir string, quality int) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if dir == "" {
		dir = DefaultDir
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Store{fs: fsys, dir: filepath.Clean(dir), quality: quality}
}

// Dir returns the directory frames are written to.
func (s *Store) Dir() string { return s.dir }

// Name returns the base file name for a frame captured at t, before any
// collision suffix.
func Name(t time.Time) string {
	return fmt.Sprintf("violation_%s_%03d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}

// Save encodes img and writes it to a new file derived from at. The
// returned path is the image reference recorded with the violation. No
// existing file is overwritten.
func (s *Store) Save(img image.Image, at time.Time) (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	base := Name(at)
	for n := 0; n < maxCollisions; n++ {
		name := base + ".jpg"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.jpg", base, n)
		}
		path := filepath.Join(s.dir, name)

		w, err := s.fs.CreateExclusive(path)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}

		encErr := jpeg.Encode(w, img, &jpeg.Options{Quality: s.quality})
		closeErr := w.Close()
		if err := errors.Join(encErr, closeErr); err != nil {
			if rmErr := s.fs.Remove(path); rmErr != nil {
				monitoring.Logf("imagestore: remove partial %s: %v", path, rmErr)
			}
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", base, maxCollisions)
}

// ErrOutsideStore is returned by Read for references that do not resolve to
// a file directly inside the store directory.
var ErrOutsideStore = errors.New("image reference outside store")

// Read returns the stored bytes for an image reference previously returned
// by Save.
func (s *Store) Read(ref string) ([]byte, error) {
	path := filepath.Clean(ref)
	if filepath.Dir(path) != s.dir || !strings.HasSuffix(path, ".jpg") {
		return nil, fmt.Errorf("%q: %w", ref, ErrOutsideStore)
	}
	if _, onDisk := s.fs.(fsutil.OSFileSystem); onDisk {
		if err := security.ValidatePathWithinDirectory(path, s.dir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutsideStore, err)
		}
	}
	return s.fs.ReadFile(path)
}
