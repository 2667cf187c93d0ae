package httpdetect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/contracts"
)

func testFrame() contracts.Frame {
	return contracts.Frame{CameraID: "cam-1", Width: 8, Height: 8, Pixels: make([]byte, 8*8*3)}
}

type fakeFallback struct {
	dets []contracts.Detection
}

func (f *fakeFallback) Detect(ctx context.Context, fr contracts.Frame, th contracts.DetectionThresholds, enabled map[int]bool) ([]contracts.Detection, error) {
	return f.dets, nil
}
func (f *fakeFallback) Classes() contracts.ClassTable { return contracts.ClassTable{1: "person"} }

func newFallback(t *testing.T) contracts.Detector {
	t.Helper()
	return &fakeFallback{dets: []contracts.Detection{{ClassID: 1, Score: 0.6, BBox: contracts.BBox{W: 1, H: 1}}}}
}

func TestDetectParsesRemoteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/detect", r.URL.Path)
		_ = json.NewEncoder(w).Encode(detectResponse{
			Detections: []struct {
				ClassID int     `json:"class_id"`
				Score   float64 `json:"score"`
				X       int     `json:"x"`
				Y       int     `json:"y"`
				W       int     `json:"w"`
				H       int     `json:"h"`
			}{{ClassID: 1, Score: 0.9, X: 1, Y: 2, W: 3, H: 4}},
		})
	}))
	defer srv.Close()

	d, err := New(DefaultConfig(srv.URL), newFallback(t))
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(), contracts.DetectionThresholds{Confidence: 0.1}, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.Equal(t, contracts.BBox{X: 1, Y: 2, W: 3, H: 4}, dets[0].BBox)
}

func TestDetectFallsBackOnRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := New(DefaultConfig(srv.URL), newFallback(t))
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(), contracts.DetectionThresholds{Confidence: 0.01}, nil)
	require.NoError(t, err)
	assert.NotNil(t, dets)
}

func TestDetectFallsBackWhenServerUnreachable(t *testing.T) {
	d, err := New(DefaultConfig("http://127.0.0.1:1"), newFallback(t))
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), testFrame(), contracts.DetectionThresholds{Confidence: 0.01}, nil)
	assert.NoError(t, err)
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "://bad"}, newFallback(t))
	assert.Error(t, err)
}

func TestClassesDelegatesToFallback(t *testing.T) {
	fb := newFallback(t)
	d, err := New(DefaultConfig("http://127.0.0.1:1"), fb)
	require.NoError(t, err)
	assert.Equal(t, fb.Classes(), d.Classes())
}
