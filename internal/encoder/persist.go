package encoder

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Supported output formats
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// maxNameAttempts bounds retries when a generated name already exists
const maxNameAttempts = 16

// ErrNameExhausted is returned when the namer keeps producing taken names
var ErrNameExhausted = errors.New("could not find a free file name")

// Policy selects the on-disk encoding for one capture mode
type Policy struct {
	Format  string `json:"format" yaml:"format"`
	Quality int    `json:"quality" yaml:"quality"`
}

// Extension returns the file extension for the policy's format, with dot
func (p Policy) Extension() string {
	switch normalizeFormat(p.Format) {
	case FormatJPEG:
		return ".jpg"
	case FormatBMP:
		return ".bmp"
	case FormatTIFF:
		return ".tiff"
	default:
		return ".png"
	}
}

// Validate checks that the policy names a supported format
func (p Policy) Validate() error {
	switch normalizeFormat(p.Format) {
	case FormatJPEG, FormatPNG, FormatBMP, FormatTIFF:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, p.Format)
	}
	if p.Quality < 0 || p.Quality > 100 {
		return fmt.Errorf("quality %d out of range 0-100", p.Quality)
	}
	return nil
}

// Encode writes img to w according to the policy
func (p Policy) Encode(w io.Writer, img image.Image) error {
	switch normalizeFormat(p.Format) {
	case FormatJPEG:
		q := p.Quality
		if q <= 0 {
			q = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if p.Quality > 0 && p.Quality < 50 {
			enc.CompressionLevel = png.BestSpeed
		}
		return enc.Encode(w, img)
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, p.Format)
	}
}

func normalizeFormat(f string) string {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "jpg", "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	default:
		return f
	}
}

// Namer produces a candidate file name (no directory) on each call
type Namer func() string

// UUIDNamer names files <prefix><uuid><ext>, e.g. screenshot_<uuid>.jpg
func UUIDNamer(prefix, ext string) Namer {
	return func() string {
		return prefix + uuid.NewString() + ext
	}
}

// CounterNamer names files <prefix><n><ext> with n taken from counter and
// advanced on every call, e.g. myscreen_0.png, myscreen_1.png
func CounterNamer(prefix, ext string, counter *atomic.Uint64) Namer {
	return func() string {
		n := counter.Add(1) - 1
		return fmt.Sprintf("%s%d%s", prefix, n, ext)
	}
}

// SeedCounter advances counter past the highest <prefix><n> file already in
// dir, so a CounterNamer continues after names left by earlier runs.
func (e *Encoder) SeedCounter(dir, prefix string, counter *atomic.Uint64) error {
	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var next uint64
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		digits := strings.TrimPrefix(name, prefix)
		if dot := strings.IndexByte(digits, '.'); dot >= 0 {
			digits = digits[:dot]
		}
		n, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			continue
		}
		if !found || n >= next {
			next = n + 1
			found = true
		}
	}

	for {
		cur := counter.Load()
		if cur >= next || counter.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Encoder persists images to a filesystem
type Encoder struct {
	fs afero.Fs
}

// New returns an Encoder writing to the real filesystem
func New() *Encoder {
	return NewWithFs(afero.NewOsFs())
}

// NewWithFs returns an Encoder writing to fs
func NewWithFs(fs afero.Fs) *Encoder {
	return &Encoder{fs: fs}
}

// Fs returns the filesystem the encoder writes to
func (e *Encoder) Fs() afero.Fs {
	return e.fs
}

// Persist encodes img into dir under a fresh name from namer and returns the
// full path. The image is written to a temporary file and renamed into place
// only after a successful encode and close, so a failed write never leaves a
// file at the returned name or any temporary behind.
func (e *Encoder) Persist(img image.Image, dir string, policy Policy, namer Namer) (string, error) {
	if img == nil {
		return "", fmt.Errorf("%w: nil image", ErrInvalidBuffer)
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	target, err := e.freeName(dir, namer)
	if err != nil {
		return "", err
	}

	tmp, err := afero.TempFile(e.fs, dir, ".capture-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := policy.Encode(tmp, img); err != nil {
		tmp.Close()
		e.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to encode %s: %w", policy.Format, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		e.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		e.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to close image: %w", err)
	}
	if err := e.fs.Rename(tmpName, target); err != nil {
		e.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to move image into place: %w", err)
	}

	return target, nil
}

func (e *Encoder) freeName(dir string, namer Namer) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := filepath.Join(dir, namer())
		exists, err := afero.Exists(e.fs, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrNameExhausted
}
