// Package onnxdetect implements contracts.Detector (C2) over an ONNX
// Runtime session. Construction fails with contracts.ErrModelUnavailable
// when no model file is present at the configured path; there is no
// mock or synthetic fallback in this adapter.
package onnxdetect

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/technosupport/videocore/internal/adapters/ortruntime"
	"github.com/technosupport/videocore/internal/contracts"
)

// cocoClasses holds ten class ids of the COCO label table used by common
// SSD/YOLO object-detection checkpoints; it is not the full 80-class table.
var cocoClasses = contracts.ClassTable{
	1: "person", 2: "bicycle", 3: "car", 4: "motorcycle", 6: "bus",
	8: "truck", 10: "traffic_light", 16: "dog", 17: "cat", 18: "horse",
}

// Config locates the model bundle and bounds ONNX Runtime session options.
type Config struct {
	ModelDir          string
	ModelFile         string
	SharedLibraryPath string
	IntraOpThreads    int
	InterOpThreads    int
	InputW, InputH    int
}

// DefaultConfig matches the teacher's mobilenet-ssd bundle naming.
func DefaultConfig(modelDir string) Config {
	return Config{
		ModelDir:  modelDir,
		ModelFile: "ssd_mobilenet_v2.onnx",
		InputW:    300,
		InputH:    300,
	}
}

// Detector implements contracts.Detector over a loaded ONNX Runtime session.
type Detector struct {
	cfg     Config
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	classes contracts.ClassTable
}

// New locates the model bundle under cfg.ModelDir and initialises an
// ONNX Runtime session over it. It returns contracts.ErrModelUnavailable
// when no model file exists at the configured path.
func New(cfg Config) (*Detector, error) {
	d := &Detector{cfg: cfg, classes: cocoClasses}

	path := filepath.Join(cfg.ModelDir, cfg.ModelFile)
	if _, err := os.Stat(path); err != nil {
		return nil, contracts.ErrModelUnavailable
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ortruntime.EnsureInitialized(); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnxdetect: set intra_op_threads: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := opts.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, fmt.Errorf("onnxdetect: set inter_op_threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{"input_tensor"}, []string{"detection_boxes", "detection_classes", "detection_scores", "num_detections"},
		opts)
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: load session %s: %w", path, err)
	}
	d.session = session
	log.Printf("onnxdetect: loaded model %s", path)
	return d, nil
}

// Classes returns the detector's class table.
func (d *Detector) Classes() contracts.ClassTable { return d.classes }

// Close releases the underlying ONNX Runtime session, if any.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return d.session.Destroy()
	}
	return nil
}

// Detect runs inference on f and returns detections above th.Confidence,
// restricted to enabledClasses when non-empty.
func (d *Detector) Detect(ctx context.Context, f contracts.Frame, th contracts.DetectionThresholds, enabledClasses map[int]bool) ([]contracts.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	input, err := preprocess(f, d.cfg.InputW, d.cfg.InputH)
	if err != nil {
		return nil, contracts.ErrInputTooLarge
	}
	defer input.Destroy()

	boxesOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100, 4))
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: alloc boxes tensor: %w", err)
	}
	defer boxesOut.Destroy()
	classesOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100))
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: alloc classes tensor: %w", err)
	}
	defer classesOut.Destroy()
	scoresOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100))
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: alloc scores tensor: %w", err)
	}
	defer scoresOut.Destroy()
	numOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1))
	if err != nil {
		return nil, fmt.Errorf("onnxdetect: alloc num tensor: %w", err)
	}
	defer numOut.Destroy()

	if err := d.session.Run([]ort.Value{input}, []ort.Value{boxesOut, classesOut, scoresOut, numOut}); err != nil {
		return nil, contracts.ErrTransientBackendError
	}

	n := int(numOut.GetData()[0])
	boxes := boxesOut.GetData()
	classes := classesOut.GetData()
	scores := scoresOut.GetData()

	dets := make([]contracts.Detection, 0, n)
	for i := 0; i < n && i < 100; i++ {
		score := float64(scores[i])
		if score < th.Confidence {
			continue
		}
		classID := int(classes[i])
		y0, x0, y1, x1 := boxes[i*4], boxes[i*4+1], boxes[i*4+2], boxes[i*4+3]
		bb := contracts.BBox{
			X: int(float64(x0) * float64(f.Width)),
			Y: int(float64(y0) * float64(f.Height)),
			W: int(float64(x1-x0) * float64(f.Width)),
			H: int(float64(y1-y0) * float64(f.Height)),
		}
		dets = append(dets, contracts.Detection{ClassID: classID, Score: score, BBox: bb})
	}
	return filterDetections(nmsSuppress(dets, th.NMS), th, enabledClasses), nil
}

func preprocess(f contracts.Frame, targetW, targetH int) (*ort.Tensor[float32], error) {
	if targetW <= 0 || targetH <= 0 {
		targetW, targetH = f.Width, f.Height
	}
	data := make([]float32, 3*targetH*targetW)
	planeSize := targetH * targetW
	for y := 0; y < targetH; y++ {
		srcY := y * f.Height / targetH
		for x := 0; x < targetW; x++ {
			srcX := x * f.Width / targetW
			off := (srcY*f.Width + srcX) * 3
			if off+2 >= len(f.Pixels) {
				continue
			}
			idx := y*targetW + x
			data[idx] = float32(f.Pixels[off]) / 255.0
			data[planeSize+idx] = float32(f.Pixels[off+1]) / 255.0
			data[2*planeSize+idx] = float32(f.Pixels[off+2]) / 255.0
		}
	}
	return ort.NewTensor(ort.NewShape(1, 3, int64(targetH), int64(targetW)), data)
}

// nmsSuppress runs greedy non-max suppression per class.
func nmsSuppress(dets []contracts.Detection, iouThresh float64) []contracts.Detection {
	if iouThresh <= 0 {
		return dets
	}
	kept := make([]contracts.Detection, 0, len(dets))
	used := make([]bool, len(dets))
	for i := range dets {
		if used[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if used[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if iou(dets[i].BBox, dets[j].BBox) > iouThresh {
				used[j] = true
			}
		}
	}
	return kept
}

func iou(a, b contracts.BBox) float64 {
	ax1, ay1, ax2, ay2 := a.X, a.Y, a.X+a.W, a.Y+a.H
	bx1, by1, bx2, by2 := b.X, b.Y, b.X+b.W, b.Y+b.H
	ix1, iy1 := max(ax1, bx1), max(ay1, by1)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func filterDetections(dets []contracts.Detection, th contracts.DetectionThresholds, enabledClasses map[int]bool) []contracts.Detection {
	out := make([]contracts.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Score < th.Confidence {
			continue
		}
		if len(enabledClasses) > 0 && !enabledClasses[d.ClassID] {
			continue
		}
		out = append(out, d)
	}
	return out
}
