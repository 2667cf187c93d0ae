// Command detectord is a standalone detection worker: it polls a
// camera-management API for active cameras, pulls a JPEG snapshot per
// camera, runs detection, and publishes the results to NATS. It is the
// polling counterpart to analyticsd's always-on per-camera pipelines,
// useful for low-rate or overlay-only detection fleets.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/videocore/internal/adapters/httpdetect"
	"github.com/technosupport/videocore/internal/adapters/onnxdetect"
	"github.com/technosupport/videocore/internal/contracts"
)

var (
	baseURL      string
	serviceToken string
	natsURL      string
	maxCameras   int

	inferenceTotal     int64
	framesDroppedTotal int64
	serviceUp          int64 = 1
)

func main() {
	baseURL = getEnv("API_BASE_URL", "http://localhost:8080")
	serviceToken = getEnv("DETECTOR_SERVICE_TOKEN", "dev_detector_secret")
	natsURL = getEnv("NATS_URL", "nats://localhost:4222")
	maxCameras = getEnvInt("MAX_POLLED_CAMERAS", 8)
	modelDir := getEnv("MODEL_DIR", "./models")
	detectURL := getEnv("HTTP_DETECT_URL", "")

	log.Printf("[detectord] starting, api=%s nats=%s max_cameras=%d", baseURL, natsURL, maxCameras)

	det, err := onnxdetect.New(onnxdetect.DefaultConfig(modelDir))
	if err != nil {
		log.Fatalf("[detectord] detector init: %v", err)
	}
	var detector contracts.Detector = det
	if detectURL != "" {
		hd, err := httpdetect.New(httpdetect.DefaultConfig(detectURL), det)
		if err != nil {
			log.Fatalf("[detectord] http detector init: %v", err)
		}
		detector = hd
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Printf("[detectord] nats connection failed: %v (publishing disabled)", err)
		nc = nil
	} else {
		defer nc.Close()
		log.Printf("[detectord] nats connected")
	}

	go startHealthServer()

	client := &http.Client{Timeout: 5 * time.Second}

	for {
		loopStart := time.Now()

		if err := runLoop(client, nc, detector); err != nil {
			log.Printf("[detectord] loop error: %v", err)
		}

		elapsed := time.Since(loopStart)
		if elapsed < 2*time.Second {
			time.Sleep(2*time.Second - elapsed)
		}
	}
}

func startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":               "ok",
			"inference_total":      atomic.LoadInt64(&inferenceTotal),
			"frames_dropped_total": atomic.LoadInt64(&framesDroppedTotal),
			"service_up":           atomic.LoadInt64(&serviceUp),
		})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP detectord_inference_total Total inference runs\n")
		fmt.Fprintf(w, "# TYPE detectord_inference_total counter\n")
		fmt.Fprintf(w, "detectord_inference_total %d\n", atomic.LoadInt64(&inferenceTotal))
		fmt.Fprintf(w, "# HELP detectord_frames_dropped_total Frames dropped due to overload\n")
		fmt.Fprintf(w, "# TYPE detectord_frames_dropped_total counter\n")
		fmt.Fprintf(w, "detectord_frames_dropped_total %d\n", atomic.LoadInt64(&framesDroppedTotal))
		fmt.Fprintf(w, "# HELP detectord_up Service health\n")
		fmt.Fprintf(w, "# TYPE detectord_up gauge\n")
		fmt.Fprintf(w, "detectord_up 1\n")
	})

	port := getEnv("HEALTH_PORT", "8091")
	log.Printf("[detectord] health server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Printf("[detectord] health server failed: %v", err)
	}
}

type activeCam struct {
	CameraID string `json:"camera_id"`
}

type detectionPayload struct {
	CameraID string                `json:"camera_id"`
	TSUnixMS int64                 `json:"ts_unix_ms"`
	Objects  []contracts.Detection `json:"objects"`
}

func runLoop(client *http.Client, nc *nats.Conn, detector contracts.Detector) error {
	cams, err := getActiveCameras(client)
	if err != nil {
		return err
	}
	if len(cams) == 0 {
		return nil
	}

	if len(cams) > maxCameras {
		atomic.AddInt64(&framesDroppedTotal, int64(len(cams)-maxCameras))
		cams = cams[:maxCameras]
	}

	for _, c := range cams {
		processCamera(client, nc, detector, c.CameraID)
	}
	return nil
}

func getActiveCameras(client *http.Client) ([]activeCam, error) {
	req, err := http.NewRequest("GET", baseURL+"/api/v1/internal/cameras/active", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+serviceToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("active cameras error: %d", resp.StatusCode)
	}

	var list []activeCam
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

func processCamera(client *http.Client, nc *nats.Conn, detector contracts.Detector, camID string) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/v1/internal/cameras/%s/snapshot", baseURL, camID), nil)
	if err != nil {
		log.Printf("[%s] request build failed: %v", camID, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+serviceToken)

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[%s] snapshot fetch failed: %v", camID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return
	}

	jpegData, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[%s] snapshot read failed: %v", camID, err)
		return
	}

	frame, err := decodeFrame(camID, jpegData)
	if err != nil {
		log.Printf("[%s] snapshot decode failed: %v", camID, err)
		return
	}

	dets, err := detector.Detect(req.Context(), frame, contracts.DetectionThresholds{Confidence: 0.5, NMS: 0.45}, nil)
	if err != nil {
		log.Printf("[%s] detect failed: %v", camID, err)
		return
	}
	atomic.AddInt64(&inferenceTotal, 1)

	publishDetection(nc, "detections.basic."+camID, detectionPayload{
		CameraID: camID,
		TSUnixMS: time.Now().UnixMilli(),
		Objects:  dets,
	})
}

// decodeFrame turns a JPEG snapshot into a contracts.Frame with a
// packed-RGB pixel buffer, the format the bundled Detector adapters expect.
func decodeFrame(camID string, jpegData []byte) (contracts.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return contracts.Frame{}, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	pixels := make([]byte, 0, w*h*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		rowStart := rgba.PixOffset(bounds.Min.X, y)
		row := rgba.Pix[rowStart : rowStart+w*4]
		for x := 0; x < w; x++ {
			pixels = append(pixels, row[x*4], row[x*4+1], row[x*4+2])
		}
	}

	return contracts.Frame{
		CameraID:    contracts.CameraID(camID),
		CaptureTSNs: time.Now().UnixNano(),
		Width:       w,
		Height:      h,
		Pixels:      pixels,
	}, nil
}

func publishDetection(nc *nats.Conn, subject string, payload detectionPayload) {
	if nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[detectord] marshal detection failed: %v", err)
		return
	}
	if err := nc.Publish(subject, data); err != nil {
		log.Printf("[detectord] publish failed: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
