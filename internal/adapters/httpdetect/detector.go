// Package httpdetect implements contracts.Detector (C2) by delegating
// inference to a remote HTTP detection service, for deployments that
// run the model out-of-process (e.g. on a GPU host). It falls back to
// a local contracts.Detector on any transport error so a camera
// pipeline degrades gracefully instead of stalling when the remote
// detector is briefly unreachable.
package httpdetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
)

// Config addresses the remote detection service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig targets a local detection sidecar.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 2 * time.Second}
}

type detectRequest struct {
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	Pixels         []byte       `json:"pixels"`
	Confidence     float64      `json:"confidence"`
	NMS            float64      `json:"nms"`
	EnabledClasses map[int]bool `json:"enabled_classes,omitempty"`
}

type detectResponse struct {
	Detections []struct {
		ClassID int     `json:"class_id"`
		Score   float64 `json:"score"`
		X       int     `json:"x"`
		Y       int     `json:"y"`
		W       int     `json:"w"`
		H       int     `json:"h"`
	} `json:"detections"`
	Classes map[int]string `json:"classes"`
}

// Detector implements contracts.Detector over an HTTP call per frame.
type Detector struct {
	cfg      Config
	http     *http.Client
	endpoint string
	classes  contracts.ClassTable
	fallback contracts.Detector
}

// New validates cfg.BaseURL and constructs a Detector. fallback serves
// detections (and the class table) whenever the remote call fails.
func New(cfg Config, fallback contracts.Detector) (*Detector, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpdetect: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Detector{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		endpoint: u.JoinPath("/v1/detect").String(),
		classes:  fallback.Classes(),
		fallback: fallback,
	}, nil
}

// Classes returns the detector's class table.
func (d *Detector) Classes() contracts.ClassTable { return d.classes }

// Detect posts the frame to the remote detection service and parses
// its response. On any error from the remote call it falls back to the
// caller-supplied fallback detector rather than failing the tick.
func (d *Detector) Detect(ctx context.Context, f contracts.Frame, th contracts.DetectionThresholds, enabledClasses map[int]bool) ([]contracts.Detection, error) {
	dets, err := d.detectRemote(ctx, f, th, enabledClasses)
	if err == nil {
		return dets, nil
	}
	log.Printf("httpdetect: remote detect failed for %s, falling back: %v", f.CameraID, err)
	return d.fallback.Detect(ctx, f, th, enabledClasses)
}

func (d *Detector) detectRemote(ctx context.Context, f contracts.Frame, th contracts.DetectionThresholds, enabledClasses map[int]bool) ([]contracts.Detection, error) {
	body, err := json.Marshal(detectRequest{
		Width: f.Width, Height: f.Height, Pixels: f.Pixels,
		Confidence: th.Confidence, NMS: th.NMS, EnabledClasses: enabledClasses,
	})
	if err != nil {
		return nil, fmt.Errorf("httpdetect: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpdetect: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, contracts.ErrTransientBackendError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpdetect: remote status %d", resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("httpdetect: decode response: %w", err)
	}

	dets := make([]contracts.Detection, 0, len(parsed.Detections))
	for _, raw := range parsed.Detections {
		dets = append(dets, contracts.Detection{
			ClassID: raw.ClassID,
			Score:   raw.Score,
			BBox:    contracts.BBox{X: raw.X, Y: raw.Y, W: raw.W, H: raw.H},
		})
	}
	return dets, nil
}
