package filesource

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/contracts"
)

func writeTestJPEG(t *testing.T, dir, name string, w, h int, fill color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func TestOpenListsSortedFrames(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "002.jpg", 4, 4, color.RGBA{G: 255, A: 255})
	writeTestJPEG(t, dir, "001.jpg", 4, 4, color.RGBA{R: 255, A: 255})

	src := New(DefaultConfig())
	h, err := src.Open(context.Background(), contracts.SourceConfig{CameraID: "cam-1", URL: dir})
	require.NoError(t, err)
	defer src.Close(h)

	frame, err := src.Next(context.Background(), h, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Width)
	assert.Equal(t, 4, frame.Height)
	assert.Equal(t, byte(255), frame.Pixels[0]) // red channel of 001.jpg read first
}

func TestNextLoopsWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "001.jpg", 2, 2, color.RGBA{B: 255, A: 255})

	cfg := DefaultConfig()
	cfg.Loop = true
	src := New(cfg)
	h, err := src.Open(context.Background(), contracts.SourceConfig{CameraID: "cam-1", URL: dir})
	require.NoError(t, err)
	defer src.Close(h)

	f1, err := src.Next(context.Background(), h, time.Now().Add(time.Second))
	require.NoError(t, err)
	f2, err := src.Next(context.Background(), h, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.SequenceNo)
	assert.Equal(t, uint64(2), f2.SequenceNo)
}

func TestNextReturnsConnectionLostWithoutLoop(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "001.jpg", 2, 2, color.RGBA{A: 255})

	src := New(Config{Loop: false})
	h, err := src.Open(context.Background(), contracts.SourceConfig{CameraID: "cam-1", URL: dir})
	require.NoError(t, err)
	defer src.Close(h)

	_, err = src.Next(context.Background(), h, time.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = src.Next(context.Background(), h, time.Now().Add(time.Second))
	assert.Equal(t, contracts.ErrConnectionLost, err)
}

func TestOpenFailsOnEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	src := New(DefaultConfig())
	_, err := src.Open(context.Background(), contracts.SourceConfig{CameraID: "cam-1", URL: dir})
	assert.Error(t, err)
}

func TestCloseMarksHandleClosed(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, dir, "001.jpg", 2, 2, color.RGBA{A: 255})

	src := New(DefaultConfig())
	h, err := src.Open(context.Background(), contracts.SourceConfig{CameraID: "cam-1", URL: dir})
	require.NoError(t, err)
	require.NoError(t, src.Close(h))

	_, err = src.Next(context.Background(), h, time.Now().Add(time.Second))
	assert.Equal(t, contracts.ErrConnectionLost, err)
}
