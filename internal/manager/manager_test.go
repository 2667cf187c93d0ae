package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/contracts"
)

type fakePipeline struct {
	id       contracts.CameraID
	mu       sync.Mutex
	started  bool
	stopped  bool
}

func (f *fakePipeline) CameraID() contracts.CameraID { return f.id }
func (f *fakePipeline) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}
func (f *fakePipeline) Stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}
func (f *fakePipeline) Metrics() PipelineMetrics { return PipelineMetrics{Healthy: true} }

func fakeFactory(fail bool) Factory {
	return func(ctx context.Context, cfg contracts.CameraConfigDoc) (Pipeline, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &fakePipeline{id: cfg.CameraID}, nil
	}
}

func TestAddStartsNewPipeline(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	code := m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	assert.Equal(t, contracts.ResultOk, code)
	_, ok := m.Get("cam-1")
	assert.True(t, ok)
}

func TestAddDuplicateRejected(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	code := m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	assert.Equal(t, contracts.ResultDuplicateId, code)
}

func TestAddInvalidCameraID(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	code := m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "bad id"})
	assert.Equal(t, contracts.ResultInvalidCameraId, code)
}

func TestAddStartupFailureReleasesPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortPoolStart, cfg.PortPoolEnd = 9000, 9000
	m := New(cfg, fakeFactory(true), nil)
	code := m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	assert.Equal(t, contracts.ResultStartupFailed, code)

	// port pool was released, so a second add (different id) can reserve it
	code = m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-2"})
	assert.Equal(t, contracts.ResultStartupFailed, code) // factory still fails, but no pool exhaustion
}

func TestRemoveStopsAndReleasesPort(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	p, ok := m.Get("cam-1")
	require.True(t, ok)
	fp := p.(*fakePipeline)

	code := m.Remove(context.Background(), "cam-1")
	assert.Equal(t, contracts.ResultOk, code)
	assert.True(t, fp.stopped)
	_, ok = m.Get("cam-1")
	assert.False(t, ok)
}

func TestRemoveNotFound(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	code := m.Remove(context.Background(), "cam-missing")
	assert.Equal(t, contracts.ResultNotFound, code)
}

func TestPortPoolRejectsDoubleReservation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortPoolStart, cfg.PortPoolEnd = 9000, 9000
	m := New(cfg, fakeFactory(false), nil)
	require.Equal(t, contracts.ResultOk, m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"}))
	code := m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-2"})
	assert.Equal(t, contracts.ResultStartupFailed, code) // no free port left
}

func TestGetMJPEGPort(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	port, ok := m.GetMJPEGPort("cam-1")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, port, DefaultConfig().PortPoolStart)
}

func TestMonitorLoopComputesHealth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetIntervalMS = 20
	m := New(cfg, fakeFactory(false), nil)
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	m.wg.Wait()

	_, _, healthy := m.MonitorHealth()
	assert.True(t, healthy)
}

func TestListReturnsAllCameraIDs(t *testing.T) {
	m := New(DefaultConfig(), fakeFactory(false), nil)
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-1"})
	m.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-2"})
	assert.ElementsMatch(t, []contracts.CameraID{"cam-1", "cam-2"}, m.List())
}

// TestPortPoolGuardedByRedisAcrossInstances proves the port pool guard is
// genuinely cross-process: two independently constructed Managers sharing
// one Redis back end cannot both reserve the sole pooled port.
func TestPortPoolGuardedByRedisAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := DefaultConfig()
	cfg.PortPoolStart, cfg.PortPoolEnd = 9500, 9500

	m1 := New(cfg, fakeFactory(false), rdb)
	m2 := New(cfg, fakeFactory(false), rdb)

	require.Equal(t, contracts.ResultOk, m1.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-a"}))
	code := m2.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-b"})
	assert.Equal(t, contracts.ResultStartupFailed, code)

	require.Equal(t, contracts.ResultOk, m1.Remove(context.Background(), "cam-a"))
	code = m2.Add(context.Background(), contracts.CameraConfigDoc{CameraID: "cam-b"})
	assert.Equal(t, contracts.ResultOk, code)
}
