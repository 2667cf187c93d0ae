// Package contracts defines the value types and collaborator interfaces
// that the analytics core consumes and exposes. Nothing in this package
// depends on a concrete decoder, inference backend, database, or message
// transport — those live behind the interfaces declared here.
package contracts

import (
	"context"
	"regexp"
	"time"

	"github.com/technosupport/videocore/internal/geometry"
)

var cameraIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// CameraID is validated once at the boundary and treated as opaque
// thereafter.
type CameraID string

// Valid reports whether id matches the camera id grammar in spec §3.
func (id CameraID) Valid() bool {
	return cameraIDPattern.MatchString(string(id))
}

func (id CameraID) String() string { return string(id) }

// Frame is one decoded frame from a camera source.
type Frame struct {
	CameraID    CameraID
	SequenceNo  uint64
	CaptureTSNs int64
	Width       int
	Height      int
	Pixels      []byte // opaque pixel buffer, format defined by the source adapter
}

// BBox is a pixel-space bounding box in source-frame coordinates.
type BBox struct {
	X, Y, W, H int
}

// Clip clamps bb to the [0,width)x[0,height) frame bounds. The second
// return value is false when the clipped area is zero.
func (bb BBox) Clip(width, height int) (BBox, bool) {
	x0, y0 := bb.X, bb.Y
	x1, y1 := bb.X+bb.W, bb.Y+bb.H
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > width {
		x1 = width
	}
	if y1 > height {
		y1 = height
	}
	if x1 <= x0 || y1 <= y0 {
		return BBox{}, false
	}
	return BBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}, true
}

// Area returns the pixel area of the box.
func (bb BBox) Area() int { return bb.W * bb.H }

// Center returns the box's centroid in pixel coordinates.
func (bb BBox) Center() (float64, float64) {
	return float64(bb.X) + float64(bb.W)/2, float64(bb.Y) + float64(bb.H)/2
}

// Detection is one object detection returned by a Detector.
type Detection struct {
	ClassID int
	Score   float64
	BBox    BBox
}

// DetectionThresholds bounds a single detect() call.
type DetectionThresholds struct {
	Confidence float64
	NMS        float64
}

// Embedding is a fixed-dimension L2-normalised appearance feature vector.
type Embedding struct {
	Vector []float64
	Valid  bool
}

// SourceProtocol enumerates the supported FrameSource transports.
type SourceProtocol string

const (
	ProtocolRTSP SourceProtocol = "rtsp"
	ProtocolHTTP SourceProtocol = "http"
	ProtocolFile SourceProtocol = "file"
)

// SourceConfig configures a FrameSource.Open call.
type SourceConfig struct {
	CameraID   CameraID
	URL        string
	Protocol   SourceProtocol
	Username   string
	Password   string
	TargetW    int
	TargetH    int
	TargetFPS  float64
	Enabled    bool
}

// FrameSourceError enumerates the failure kinds FrameSource.Next can return.
type FrameSourceError string

const (
	ErrNoFrameYet     FrameSourceError = "no_frame_yet"
	ErrConnectionLost FrameSourceError = "connection_lost"
	ErrUnsupported    FrameSourceError = "unsupported"
)

func (e FrameSourceError) Error() string { return string(e) }

// FrameSource is the adapter contract for C1.
type FrameSource interface {
	Open(ctx context.Context, cfg SourceConfig) (SourceHandle, error)
	Next(ctx context.Context, h SourceHandle, deadline time.Time) (Frame, error)
	Close(h SourceHandle) error
	// TestConnection obtains at least one frame non-destructively and
	// releases all resources before returning, bounded by timeout.
	TestConnection(ctx context.Context, cfg SourceConfig, timeout time.Duration) error
}

// SourceHandle is an opaque per-open handle returned by FrameSource.Open.
type SourceHandle interface{}

// DetectorError enumerates the failure kinds Detector.Detect can return.
type DetectorError string

const (
	ErrModelUnavailable      DetectorError = "model_unavailable"
	ErrInputTooLarge         DetectorError = "input_too_large"
	ErrTransientBackendError DetectorError = "transient_backend_error"
)

func (e DetectorError) Error() string { return string(e) }

// ClassTable maps a detector's integer class ids to display names.
type ClassTable map[int]string

// Detector is the adapter contract for C2.
type Detector interface {
	Detect(ctx context.Context, f Frame, th DetectionThresholds, enabledClasses map[int]bool) ([]Detection, error)
	Classes() ClassTable
}

// Embedder is the adapter contract for C4.
type Embedder interface {
	// Embed returns one (Embedding, valid) pair per input bbox, aligned 1:1.
	Embed(ctx context.Context, f Frame, boxes []BBox) ([]Embedding, error)
	Dimension() int
}

// CameraConfigDoc is the persisted per-camera document from spec §6.
type CameraConfigDoc struct {
	CameraID         CameraID          `json:"camera_id"`
	Name             string            `json:"name"`
	RTSPURL          string            `json:"rtsp_url"`
	Protocol         SourceProtocol    `json:"protocol"`
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	FPS              float64           `json:"fps"`
	Enabled          bool              `json:"enabled"`
	DetectionEnabled bool              `json:"detection_enabled"`
	RecordingEnabled bool              `json:"recording_enabled"`
	DetectionConfig  DetectionConfig   `json:"detection_config"`
	StreamConfig     StreamConfig      `json:"stream_config"`
	ROIs             []ROIConfig       `json:"rois,omitempty"`
	Rules            []RuleConfig      `json:"rules,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
}

// ROIConfig is the persisted configuration for one region of interest
// bound to a camera, consumed by the rule engine (C6).
type ROIConfig struct {
	ID           string          `json:"id"`
	Vertices     []geometry.Point `json:"vertices"`
	Priority     int             `json:"priority"`
	WindowStartS int             `json:"window_start_s"` // seconds since midnight; 0/0 means always-on
	WindowEndS   int             `json:"window_end_s"`
	Enabled      bool            `json:"enabled"`
}

// RuleConfig is the persisted configuration for one rule bound to an ROI.
// Kind mirrors rules.RuleKind ("Intrusion", "Loitering", "ZoneEntry",
// "ZoneExit") as a plain string to avoid contracts depending on rules.
type RuleConfig struct {
	RuleID        string  `json:"rule_id"`
	Kind          string  `json:"kind"`
	ROIRef        string  `json:"roi_ref"`
	MinDurationS  float64 `json:"min_duration_s"`
	MinConfidence float64 `json:"min_confidence"`
	Enabled       bool    `json:"enabled"`
}

// DetectionConfig is the detection sub-document of CameraConfigDoc.
type DetectionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	NMSThreshold        float64 `json:"nms_threshold"`
	Backend             string  `json:"backend"`
	ModelPath           string  `json:"model_path"`
}

// StreamConfig is the stream sub-document of CameraConfigDoc.
type StreamConfig struct {
	FPS       float64 `json:"fps"`
	Quality   string  `json:"quality"`
	MaxWidth  int     `json:"max_width"`
	MaxHeight int     `json:"max_height"`
}

// ConfigStore is the adapter contract for camera/rule/channel configuration
// persistence. The core only ever consumes this interface.
type ConfigStore interface {
	Get(ctx context.Context, namespace, key, def string) (string, error)
	Put(ctx context.Context, namespace, key, value string) (bool, error)
	List(ctx context.Context, namespace string) (map[string]string, error)
	Delete(ctx context.Context, namespace, key string) (bool, error)

	GetCameraConfig(ctx context.Context, id CameraID) (CameraConfigDoc, bool, error)
	SaveCameraConfig(ctx context.Context, id CameraID, doc CameraConfigDoc) error
	ListCameraIDs(ctx context.Context) ([]CameraID, error)
	SoftDeleteCamera(ctx context.Context, id CameraID) error
}

// AlarmChannelKind enumerates the three alarm transports spec §3 names.
type AlarmChannelKind string

const (
	ChannelHTTP      AlarmChannelKind = "http"
	ChannelWebSocket AlarmChannelKind = "websocket"
	ChannelMQTT      AlarmChannelKind = "mqtt"
)

// ChannelBase is shared by every AlarmChannelConfig variant.
type ChannelBase struct {
	ID       string
	Enabled  bool
	Priority int // 1..5
}

// HTTPChannelConfig configures the HTTP alarm channel.
type HTTPChannelConfig struct {
	ChannelBase `yaml:",inline"`
	URL       string
	Headers   map[string]string
	TimeoutMS int
}

// WebSocketChannelConfig configures the WebSocket alarm channel. This is
// the single canonical shape (resolves spec §9 Open Question #1).
type WebSocketChannelConfig struct {
	ChannelBase
	Port            int
	PingIntervalMS  int
	AllowFanoutZero bool
}

// MQTTChannelConfig configures the MQTT alarm channel.
type MQTTChannelConfig struct {
	ChannelBase
	Broker     string
	Port       int
	Topic      string
	QoS        byte
	KeepAliveS int
	Username   string
	Password   string
}

// AlarmEvent is immutable once emitted by the rule engine.
type AlarmEvent struct {
	EventID          string
	CameraID         CameraID
	RuleID           string
	Kind             string
	Priority         int
	CaptureTS        time.Time
	SubmissionTS     time.Time
	TrackID          int
	GlobalID         string
	ROIID            string
	Detections       []Detection
	Crop             []byte
	TestMode         bool
	ChannelsAttempted []string
}

// AlarmWireEvent is the fixed-key JSON wire payload from spec §6.
type AlarmWireEvent struct {
	EventID      string   `json:"event_id"`
	EventType    string   `json:"event_type"`
	CameraID     string   `json:"camera_id"`
	RuleID       string   `json:"rule_id,omitempty"`
	Priority     int      `json:"priority"`
	Timestamp    string   `json:"timestamp"`
	BoundingBox  *WireBox `json:"bounding_box,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	TrackID      *int     `json:"track_id,omitempty"`
	GlobalID     *string  `json:"global_id,omitempty"`
	TestMode     bool     `json:"test_mode"`
}

// WireBox is the on-wire bounding box shape.
type WireBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ToWire converts an AlarmEvent to its fixed-key JSON representation.
func (e AlarmEvent) ToWire() AlarmWireEvent {
	w := AlarmWireEvent{
		EventID:   e.EventID,
		EventType: e.Kind,
		CameraID:  string(e.CameraID),
		RuleID:    e.RuleID,
		Priority:  e.Priority,
		Timestamp: e.CaptureTS.UTC().Format(time.RFC3339Nano),
		TestMode:  e.TestMode,
	}
	if e.TrackID != 0 {
		t := e.TrackID
		w.TrackID = &t
	}
	if e.GlobalID != "" {
		g := e.GlobalID
		w.GlobalID = &g
	}
	if len(e.Detections) > 0 {
		d := e.Detections[0]
		w.BoundingBox = &WireBox{X: d.BBox.X, Y: d.BBox.Y, W: d.BBox.W, H: d.BBox.H}
		c := d.Score
		w.Confidence = &c
	}
	return w
}

// DeliveryStatus is the final disposition of an AlarmEvent.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusPartial   DeliveryStatus = "partial"
	StatusFailed    DeliveryStatus = "failed"
)

// RouterStats mirrors §4.8's reported statistics.
type RouterStats struct {
	Pending       int64
	Delivered     int64
	Failed        int64
	AvgDeliveryMs float64
}

// AlarmSink is the contract the core exposes to the rule engine and to
// external callers (test-fire, config CRUD, stats).
type AlarmSink interface {
	Dispatch(ctx context.Context, evt AlarmEvent) error
	AddConfig(cfg any) error
	UpdateConfig(cfg any) error
	RemoveConfig(id string) error
	ListConfigs() []any
	TestFire(ctx context.Context, eventType string, cameraID CameraID) error
	Stats() RouterStats
}

// ResultCode is the typed result enum surfaced by pipeline-manager-facing
// operations, per spec §6.
type ResultCode string

const (
	ResultOk              ResultCode = "Ok"
	ResultDuplicateId     ResultCode = "DuplicateId"
	ResultNotFound        ResultCode = "NotFound"
	ResultStartupFailed   ResultCode = "StartupFailed"
	ResultInvalidPolygon  ResultCode = "InvalidPolygon"
	ResultInvalidCameraId ResultCode = "InvalidCameraId"
	ResultBusy            ResultCode = "Busy"
	ResultTimeout         ResultCode = "Timeout"
	ResultCancelled       ResultCode = "Cancelled"
)
