// Package rtspsource implements contracts.FrameSource (C1) over an
// ffmpeg subprocess that decodes an RTSP/HTTP stream to raw RGB24
// frames on stdout.
package rtspsource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
)

// Config bounds the ffmpeg subprocess this adapter manages.
type Config struct {
	BinPath         string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	PreferTCP       bool
}

// DefaultConfig mirrors sensible ffmpeg defaults.
func DefaultConfig() Config {
	return Config{BinPath: "ffmpeg", ConnectTimeout: 10 * time.Second, ReadTimeout: 5 * time.Second, PreferTCP: true}
}

// Source implements contracts.FrameSource by decoding rawvideo frames
// from an ffmpeg child process per open handle.
type Source struct {
	cfg Config
}

// New constructs a Source.
func New(cfg Config) *Source {
	if cfg.BinPath == "" {
		cfg.BinPath = "ffmpeg"
	}
	return &Source{cfg: cfg}
}

type handle struct {
	mu       sync.Mutex
	cfg      contracts.SourceConfig
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	frameBuf []byte
	seq      uint64
	closed   bool
}

// Open spawns the decoding subprocess for one camera source.
func (s *Source) Open(ctx context.Context, cfg contracts.SourceConfig) (contracts.SourceHandle, error) {
	if cfg.TargetW <= 0 || cfg.TargetH <= 0 {
		return nil, fmt.Errorf("rtspsource: target width/height must be positive")
	}

	args := s.buildArgs(cfg)
	cmd := exec.CommandContext(ctx, s.cfg.BinPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rtspsource: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rtspsource: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rtspsource: start ffmpeg: %w", err)
	}

	go drainStderr(stderr, cfg.CameraID)

	h := &handle{
		cfg:      cfg,
		cmd:      cmd,
		stdout:   stdout,
		frameBuf: make([]byte, cfg.TargetW*cfg.TargetH*3),
	}
	return h, nil
}

func drainStderr(r io.ReadCloser, camID contracts.CameraID) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("rtspsource[%s]: ffmpeg: %s", camID, scanner.Text())
	}
}

// Next blocks for one decoded frame, or returns ErrNoFrameYet/ErrConnectionLost.
func (s *Source) Next(ctx context.Context, sh contracts.SourceHandle, deadline time.Time) (contracts.Frame, error) {
	h, ok := sh.(*handle)
	if !ok {
		return contracts.Frame{}, fmt.Errorf("rtspsource: invalid handle type %T", sh)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return contracts.Frame{}, contracts.ErrConnectionLost
	}

	type readResult struct {
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		_, err := io.ReadFull(h.stdout, h.frameBuf)
		done <- readResult{err: err}
	}()

	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = 0
	}
	select {
	case <-ctx.Done():
		return contracts.Frame{}, ctx.Err()
	case <-time.After(timeout):
		return contracts.Frame{}, contracts.ErrNoFrameYet
	case res := <-done:
		if res.err != nil {
			if res.err == io.EOF || res.err == io.ErrUnexpectedEOF {
				return contracts.Frame{}, contracts.ErrConnectionLost
			}
			return contracts.Frame{}, fmt.Errorf("rtspsource: read frame: %w", res.err)
		}
		h.seq++
		pixels := make([]byte, len(h.frameBuf))
		copy(pixels, h.frameBuf)
		return contracts.Frame{
			CameraID:    h.cfg.CameraID,
			SequenceNo:  h.seq,
			CaptureTSNs: time.Now().UnixNano(),
			Width:       h.cfg.TargetW,
			Height:      h.cfg.TargetH,
			Pixels:      pixels,
		}, nil
	}
}

// Close terminates the ffmpeg subprocess and releases its resources.
func (s *Source) Close(sh contracts.SourceHandle) error {
	h, ok := sh.(*handle)
	if !ok {
		return fmt.Errorf("rtspsource: invalid handle type %T", sh)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
	return nil
}

// TestConnection opens, reads one frame, and tears everything down
// without affecting any already-open handle.
func (s *Source) TestConnection(ctx context.Context, cfg contracts.SourceConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := s.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close(h)

	_, err = s.Next(ctx, h, time.Now().Add(timeout))
	return err
}

func (s *Source) buildArgs(cfg contracts.SourceConfig) []string {
	var args []string
	if cfg.Protocol == contracts.ProtocolRTSP {
		transport := "udp"
		if s.cfg.PreferTCP {
			transport = "tcp"
		}
		args = append(args, "-rtsp_transport", transport)
	}
	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-i", cfg.URL,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.TargetW, cfg.TargetH),
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
	)
	if cfg.TargetFPS > 0 {
		args = append(args, "-r", strconv.FormatFloat(cfg.TargetFPS, 'f', -1, 64))
	}
	args = append(args, "pipe:1")
	return args
}
