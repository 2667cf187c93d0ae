// Package manager implements the pipeline manager (C9): lifecycle of
// per-camera pipelines, a monitor cadence loop with EMA-based health,
// and a Redis-backed MJPEG port pool.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/metrics"
)

// Pipeline is the subset of a per-camera pipeline's lifecycle the
// manager drives. pipeline.Pipeline does not satisfy it directly (its
// Metrics returns pipeline.Metrics); cmd/analyticsd wraps it in an adapter.
type Pipeline interface {
	CameraID() contracts.CameraID
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Metrics() PipelineMetrics
}

// PipelineMetrics is the per-tick metrics snapshot spec §4.5 names.
type PipelineMetrics struct {
	ProcessedFrames int64
	DroppedFrames   int64
	CurrentFPS      float64
	AvgInferenceMs  float64
	Healthy         bool
}

// Factory constructs a new Pipeline for a camera source, used by add().
type Factory func(ctx context.Context, cfg contracts.CameraConfigDoc) (Pipeline, error)

// Config bounds the manager's monitor cadence and lifecycle worker pool.
type Config struct {
	TargetIntervalMS   int
	LifecycleWorkers   int
	PortPoolStart      int
	PortPoolEnd        int
}

// DefaultConfig mirrors the spec's named defaults.
func DefaultConfig() Config {
	return Config{TargetIntervalMS: 1000, LifecycleWorkers: 4, PortPoolStart: 9000, PortPoolEnd: 9999}
}

type entry struct {
	pipeline Pipeline
	port     int
}

// Manager owns the camera->pipeline table and drives the monitor loop.
type Manager struct {
	cfg     Config
	factory Factory
	redis   *redis.Client // optional; MJPEG port pool guard

	mu       sync.RWMutex
	pipelines map[contracts.CameraID]*entry
	pending   map[contracts.CameraID]struct{}

	lifecycleSem chan struct{}

	emaCycleMs float64
	maxCycleMs float64
	monitorMu  sync.Mutex

	localPortsMu sync.Mutex
	localPorts   map[int]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. rdb may be nil (in-process port pool guard only).
func New(cfg Config, factory Factory, rdb *redis.Client) *Manager {
	return &Manager{
		cfg:          cfg,
		factory:      factory,
		redis:        rdb,
		pipelines:    make(map[contracts.CameraID]*entry),
		pending:      make(map[contracts.CameraID]struct{}),
		lifecycleSem: make(chan struct{}, max1(cfg.LifecycleWorkers)),
		localPorts:   make(map[int]bool),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Start launches the monitor cadence loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop halts the monitor loop and stops every pipeline.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]contracts.CameraID, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Remove(ctx, id)
	}
}

// Add starts a new pipeline for the given camera config. It is
// idempotent under concurrent retry: only one startup per camera id is
// ever in flight, guarded by the pending-operations set.
func (m *Manager) Add(ctx context.Context, cfg contracts.CameraConfigDoc) contracts.ResultCode {
	if !cfg.CameraID.Valid() {
		return contracts.ResultInvalidCameraId
	}

	m.mu.Lock()
	if _, exists := m.pipelines[cfg.CameraID]; exists {
		m.mu.Unlock()
		return contracts.ResultDuplicateId
	}
	if _, busy := m.pending[cfg.CameraID]; busy {
		m.mu.Unlock()
		return contracts.ResultBusy
	}
	m.pending[cfg.CameraID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, cfg.CameraID)
		m.mu.Unlock()
	}()

	select {
	case m.lifecycleSem <- struct{}{}:
		defer func() { <-m.lifecycleSem }()
	case <-ctx.Done():
		return contracts.ResultCancelled
	}

	port, err := m.reservePort(ctx, cfg.CameraID)
	if err != nil {
		return contracts.ResultStartupFailed
	}

	p, err := m.factory(ctx, cfg)
	if err != nil {
		m.releasePort(ctx, cfg.CameraID, port)
		return contracts.ResultStartupFailed
	}
	if err := p.Start(ctx); err != nil {
		m.releasePort(ctx, cfg.CameraID, port)
		return contracts.ResultStartupFailed
	}

	m.mu.Lock()
	m.pipelines[cfg.CameraID] = &entry{pipeline: p, port: port}
	m.mu.Unlock()
	return contracts.ResultOk
}

// Remove stops and deregisters a pipeline, releasing its MJPEG port.
func (m *Manager) Remove(ctx context.Context, id contracts.CameraID) contracts.ResultCode {
	m.mu.Lock()
	e, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return contracts.ResultNotFound
	}
	delete(m.pipelines, id)
	m.mu.Unlock()

	e.pipeline.Stop(ctx)
	m.releasePort(ctx, id, e.port)
	return contracts.ResultOk
}

// Get returns the pipeline for id, if present.
func (m *Manager) Get(id contracts.CameraID) (Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pipelines[id]
	if !ok {
		return nil, false
	}
	return e.pipeline, true
}

// List returns all currently managed camera ids.
func (m *Manager) List() []contracts.CameraID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.CameraID, 0, len(m.pipelines))
	for id := range m.pipelines {
		out = append(out, id)
	}
	return out
}

// GetMJPEGPort returns the reserved port for a running pipeline.
func (m *Manager) GetMJPEGPort(id contracts.CameraID) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pipelines[id]
	if !ok {
		return 0, false
	}
	return e.port, true
}

// MonitorHealth returns (ema_ms, max_ms, healthy) computed over the
// most recent monitor cycles.
func (m *Manager) MonitorHealth() (emaMs, maxMs float64, healthy bool) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	target := float64(m.cfg.TargetIntervalMS)
	healthy = m.emaCycleMs <= 0.8*target && m.maxCycleMs <= 1.5*target
	return m.emaCycleMs, m.maxCycleMs, healthy
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.TargetIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	const emaAlpha = 0.2
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			m.collectMetrics()
			cycleMs := float64(time.Since(start).Milliseconds())

			m.monitorMu.Lock()
			if m.emaCycleMs == 0 {
				m.emaCycleMs = cycleMs
			} else {
				m.emaCycleMs = emaAlpha*cycleMs + (1-emaAlpha)*m.emaCycleMs
			}
			if cycleMs > m.maxCycleMs {
				m.maxCycleMs = cycleMs
			}
			metrics.ManagerMonitorCycleMs.Set(m.emaCycleMs)
			m.monitorMu.Unlock()
		}
	}
}

func (m *Manager) collectMetrics() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.pipelines))
	for _, e := range m.pipelines {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	for _, e := range entries {
		_ = e.pipeline.Metrics() // aggregated by the caller's metrics exporter
	}
}

func (m *Manager) reservePort(ctx context.Context, id contracts.CameraID) (int, error) {
	if m.redis == nil {
		return m.reservePortLocal(id)
	}
	for p := m.cfg.PortPoolStart; p <= m.cfg.PortPoolEnd; p++ {
		key := fmt.Sprintf("videocore:mjpeg:port:%d", p)
		ok, err := m.redis.SetNX(ctx, key, string(id), 0).Result()
		if err != nil {
			return 0, err
		}
		if ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("manager: no free mjpeg port in [%d,%d]", m.cfg.PortPoolStart, m.cfg.PortPoolEnd)
}

func (m *Manager) releasePort(ctx context.Context, id contracts.CameraID, port int) {
	if m.redis == nil {
		m.releasePortLocal(port)
		return
	}
	key := fmt.Sprintf("videocore:mjpeg:port:%d", port)
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		log.Printf("manager: failed to release mjpeg port %d: %v", port, err)
	}
}

// reservePortLocal guards an in-process port set used when Redis is
// unavailable (single-process deployments, tests).
func (m *Manager) reservePortLocal(id contracts.CameraID) (int, error) {
	m.localPortsMu.Lock()
	defer m.localPortsMu.Unlock()
	for p := m.cfg.PortPoolStart; p <= m.cfg.PortPoolEnd; p++ {
		if !m.localPorts[p] {
			m.localPorts[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("manager: no free mjpeg port in [%d,%d]", m.cfg.PortPoolStart, m.cfg.PortPoolEnd)
}

func (m *Manager) releasePortLocal(port int) {
	m.localPortsMu.Lock()
	defer m.localPortsMu.Unlock()
	delete(m.localPorts, port)
}
