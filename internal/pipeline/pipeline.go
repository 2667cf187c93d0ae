// Package pipeline implements the per-camera pipeline (C5): the state
// machine and per-tick loop that orchestrates the decoder, detector,
// tracker, embedder, rule engine, and cross-camera submission for one
// camera.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/coordinator"
	"github.com/technosupport/videocore/internal/metrics"
	"github.com/technosupport/videocore/internal/rules"
	"github.com/technosupport/videocore/internal/tracker"
)

// State is a pipeline's lifecycle stage, per spec §4.5.
type State string

const (
	StateIdle     State = "Idle"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateDegraded State = "Degraded"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
)

// Config bounds one pipeline's runtime behaviour.
type Config struct {
	CameraID            contracts.CameraID
	Source              contracts.SourceConfig
	DetectionThresholds contracts.DetectionThresholds
	EnabledClasses      map[int]bool
	DetectionInterval   int // run C2 every N frames; 0 or 1 = every frame
	StartGrace          time.Duration
	DegradedDropThresh  int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	FrameDeadline       time.Duration
	TickInterval        time.Duration
	MinCropArea         int
}

// DefaultConfig mirrors the spec's named defaults.
func DefaultConfig(id contracts.CameraID, src contracts.SourceConfig) Config {
	return Config{
		CameraID:            id,
		Source:              src,
		DetectionThresholds: contracts.DetectionThresholds{Confidence: 0.5, NMS: 0.45},
		DetectionInterval:   1,
		StartGrace:          5 * time.Second,
		DegradedDropThresh:  5,
		ReconnectBaseDelay:  500 * time.Millisecond,
		ReconnectMaxDelay:   10 * time.Second,
		FrameDeadline:       2 * time.Second,
		TickInterval:        0,
		MinCropArea:         64,
	}
}

// Metrics mirrors the observable per-pipeline metrics spec §4.5 names.
type Metrics struct {
	ProcessedFrames int64
	DroppedFrames   int64
	CurrentFPS      float64
	AvgInferenceMs  float64
	Healthy         bool
}

// Pipeline orchestrates one camera's C1-C4, C6 evaluation, and C7
// submission. cmd/analyticsd adapts it to manager.Pipeline.
type Pipeline struct {
	cfg    Config
	source contracts.FrameSource
	det    contracts.Detector
	emb    contracts.Embedder
	tr     *tracker.Tracker
	engine *rules.Engine
	coord  *coordinator.Coordinator
	sink   contracts.AlarmSink

	mu    sync.RWMutex
	state State

	handle contracts.SourceHandle
	seq    uint64

	metrics     Metrics
	frameTimes  []time.Time
	inferTimes  []time.Duration
	dropStreak  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pipeline for one camera.
func New(cfg Config, source contracts.FrameSource, det contracts.Detector, emb contracts.Embedder,
	tr *tracker.Tracker, engine *rules.Engine, coord *coordinator.Coordinator, sink contracts.AlarmSink) *Pipeline {
	return &Pipeline{
		cfg: cfg, source: source, det: det, emb: emb, tr: tr, engine: engine, coord: coord, sink: sink,
		state: StateIdle,
	}
}

// CameraID satisfies manager.Pipeline.
func (p *Pipeline) CameraID() contracts.CameraID { return p.cfg.CameraID }

// State returns the pipeline's current lifecycle stage.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start transitions Idle -> Starting -> Running, failing with
// StartupFailed if no frame arrives within StartGrace.
func (p *Pipeline) Start(ctx context.Context) error {
	p.setState(StateStarting)

	handle, err := p.source.Open(ctx, p.cfg.Source)
	if err != nil {
		p.setState(StateStopped)
		return err
	}
	p.handle = handle

	startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartGrace)
	defer cancel()
	deadline := time.Now().Add(p.cfg.FrameDeadline)
	if _, err := p.source.Next(startCtx, p.handle, deadline); err != nil {
		_ = p.source.Close(p.handle)
		p.setState(StateStopped)
		return err
	}

	p.setState(StateRunning)

	runCtx, runCancel := context.WithCancel(ctx)
	p.cancel = runCancel
	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop transitions to Stopping, flushes, and releases every scoped
// resource on every exit path.
func (p *Pipeline) Stop(ctx context.Context) {
	p.setState(StateStopping)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.handle != nil {
		_ = p.source.Close(p.handle)
	}
	p.setState(StateStopped)
}

// Metrics returns a snapshot of the pipeline's metrics.
func (p *Pipeline) Metrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	frameCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.tick(ctx, frameCount); err != nil {
			if err == contracts.ErrNoFrameYet {
				continue
			}
			p.handleDecodeError(ctx)
			continue
		}
		frameCount++
		p.dropStreak = 0
		if p.State() == StateDegraded {
			p.setState(StateRunning)
		}

		if p.cfg.TickInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.TickInterval):
			}
		}
	}
}

func (p *Pipeline) tick(ctx context.Context, frameCount int) error {
	deadline := time.Now().Add(p.cfg.FrameDeadline)
	frame, err := p.source.Next(ctx, p.handle, deadline)
	if err != nil {
		return err
	}
	p.seq++
	seq := p.seq

	p.recordFrame()

	var detections []contracts.Detection
	runDetect := p.cfg.DetectionInterval <= 1 || frameCount%p.cfg.DetectionInterval == 0
	if runDetect {
		start := time.Now()
		dets, err := p.det.Detect(ctx, frame, p.cfg.DetectionThresholds, p.cfg.EnabledClasses)
		if err != nil {
			log.Printf("pipeline[%s]: detect failed: %v", p.cfg.CameraID, err)
		} else {
			detections = dets
		}
		p.recordInference(time.Since(start))
	}

	live := p.tr.Update(detections, nil, seq)

	for _, t := range live {
		if t.State != tracker.StateConfirmed {
			continue
		}
		if !t.NeedsEmbedding(seq) {
			continue
		}
		bb := t.LatestBBox()
		if bb.Area() < p.cfg.MinCropArea {
			continue
		}
		embs, err := p.emb.Embed(ctx, frame, []contracts.BBox{bb})
		if err != nil || len(embs) == 0 {
			continue
		}
		t.SetEmbedding(embs[0], seq)
		if embs[0].Valid && p.coord != nil {
			p.coord.Submit(coordinator.Update{
				CameraID:     p.cfg.CameraID,
				LocalTrackID: t.TrackID,
				Embedding:    embs[0].Vector,
				LastSeenTS:   time.Now(),
			})
			if gid, ok := p.coord.LookupGlobalID(p.cfg.CameraID, t.TrackID); ok {
				p.tr.SetSuggestedGlobalID(t.TrackID, gid)
			}
		}
	}

	if p.engine != nil {
		views := make([]rules.TrackView, 0, len(live))
		for _, t := range live {
			cx, cy := t.LatestBBox().Center()
			views = append(views, rules.TrackView{TrackID: t.TrackID, CenterX: cx, CenterY: cy, Confidence: t.LastScore, GlobalID: t.SuggestedGlobalID})
		}
		events := p.engine.Evaluate(views, time.Now())
		for _, evt := range events {
			if p.sink != nil {
				if err := p.sink.Dispatch(ctx, evt); err != nil {
					log.Printf("pipeline[%s]: alarm dispatch failed: %v", p.cfg.CameraID, err)
				}
			}
		}
	}

	return nil
}

func (p *Pipeline) handleDecodeError(ctx context.Context) {
	p.mu.Lock()
	p.metrics.DroppedFrames++
	p.mu.Unlock()
	metrics.PipelineFramesDroppedTotal.WithLabelValues(string(p.cfg.CameraID)).Inc()
	p.dropStreak++
	if p.dropStreak < p.cfg.DegradedDropThresh {
		return
	}
	p.setState(StateDegraded)
	p.reconnectWithBackoff(ctx)
}

func (p *Pipeline) reconnectWithBackoff(ctx context.Context) {
	delay := p.cfg.ReconnectBaseDelay
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if p.handle != nil {
			_ = p.source.Close(p.handle)
		}
		h, err := p.source.Open(ctx, p.cfg.Source)
		if err == nil {
			p.handle = h
			p.dropStreak = 0
			return
		}
		delay *= 2
		if delay > p.cfg.ReconnectMaxDelay {
			delay = p.cfg.ReconnectMaxDelay
		}
	}
}

const fpsWindow = 30

func (p *Pipeline) recordFrame() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.ProcessedFrames++
	p.frameTimes = append(p.frameTimes, now)
	if len(p.frameTimes) > fpsWindow {
		p.frameTimes = p.frameTimes[len(p.frameTimes)-fpsWindow:]
	}
	if len(p.frameTimes) >= 2 {
		span := p.frameTimes[len(p.frameTimes)-1].Sub(p.frameTimes[0]).Seconds()
		if span > 0 {
			p.metrics.CurrentFPS = float64(len(p.frameTimes)-1) / span
		}
	}
	p.metrics.Healthy = p.state == StateRunning

	camID := string(p.cfg.CameraID)
	metrics.PipelineFramesProcessedTotal.WithLabelValues(camID).Inc()
	metrics.PipelineCurrentFPS.WithLabelValues(camID).Set(p.metrics.CurrentFPS)
	if p.metrics.Healthy {
		metrics.PipelineHealthy.WithLabelValues(camID).Set(1)
	} else {
		metrics.PipelineHealthy.WithLabelValues(camID).Set(0)
	}
}

func (p *Pipeline) recordInference(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inferTimes = append(p.inferTimes, d)
	if len(p.inferTimes) > fpsWindow {
		p.inferTimes = p.inferTimes[len(p.inferTimes)-fpsWindow:]
	}
	var total time.Duration
	for _, t := range p.inferTimes {
		total += t
	}
	p.metrics.AvgInferenceMs = float64(total.Milliseconds()) / float64(len(p.inferTimes))
	metrics.PipelineInferenceLatency.WithLabelValues(string(p.cfg.CameraID)).Observe(float64(d.Milliseconds()))
}
