// Package filesource implements contracts.FrameSource (C1) by replaying
// a directory of sequentially-numbered JPEG images as a frame stream,
// used for the file protocol and for deterministic pipeline testing.
package filesource

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
)

// Config bounds a file-backed source's replay behaviour.
type Config struct {
	Loop bool
}

// DefaultConfig loops playback, matching VOD-style testing usage.
func DefaultConfig() Config { return Config{Loop: true} }

// Source implements contracts.FrameSource over a directory of images.
type Source struct {
	cfg Config
}

// New constructs a Source.
func New(cfg Config) *Source { return &Source{cfg: cfg} }

type handle struct {
	mu     sync.Mutex
	cfg    contracts.SourceConfig
	files  []string
	idx    int
	seq    uint64
	closed bool
}

// Open lists and sorts the directory's image files; cfg.URL is the
// directory path.
func (s *Source) Open(ctx context.Context, cfg contracts.SourceConfig) (contracts.SourceHandle, error) {
	entries, err := os.ReadDir(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("filesource: read dir %s: %w", cfg.URL, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(cfg.URL, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("filesource: no jpeg frames found in %s", cfg.URL)
	}
	sort.Strings(files)

	return &handle{cfg: cfg, files: files}, nil
}

// Next decodes and returns the next frame in sequence, looping or
// returning ErrConnectionLost at end-of-stream per s.cfg.Loop.
func (s *Source) Next(ctx context.Context, sh contracts.SourceHandle, deadline time.Time) (contracts.Frame, error) {
	h, ok := sh.(*handle)
	if !ok {
		return contracts.Frame{}, fmt.Errorf("filesource: invalid handle type %T", sh)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return contracts.Frame{}, contracts.ErrConnectionLost
	}
	if h.idx >= len(h.files) {
		if !s.cfg.Loop {
			return contracts.Frame{}, contracts.ErrConnectionLost
		}
		h.idx = 0
	}

	path := h.files[h.idx]
	h.idx++

	f, err := os.Open(path)
	if err != nil {
		return contracts.Frame{}, fmt.Errorf("filesource: open %s: %w", path, err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return contracts.Frame{}, fmt.Errorf("filesource: decode %s: %w", path, err)
	}

	pixels := toRGB(img)
	h.seq++
	bounds := img.Bounds()
	return contracts.Frame{
		CameraID:    h.cfg.CameraID,
		SequenceNo:  h.seq,
		CaptureTSNs: time.Now().UnixNano(),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Pixels:      pixels,
	}, nil
}

// Close releases handle state. File handles are opened/closed per-frame,
// so there is nothing further to release here.
func (s *Source) Close(sh contracts.SourceHandle) error {
	h, ok := sh.(*handle)
	if !ok {
		return fmt.Errorf("filesource: invalid handle type %T", sh)
	}
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// TestConnection verifies the directory contains at least one decodable frame.
func (s *Source) TestConnection(ctx context.Context, cfg contracts.SourceConfig, timeout time.Duration) error {
	h, err := s.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close(h)
	_, err = s.Next(ctx, h, time.Now().Add(timeout))
	return err
}

func toRGB(img image.Image) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]byte, w*h*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = byte(r >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return out
}
