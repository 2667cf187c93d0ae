package alarmrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/contracts"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHTTPChannelDeliversOnSuccess(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body contracts.AlarmWireEvent
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router := New(DefaultConfig(), nil)
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{
		ChannelBase: contracts.ChannelBase{ID: "http-1", Enabled: true, Priority: 1},
		URL:         srv.URL,
		TimeoutMS:   1000,
	}))

	router.Start(context.Background())
	defer router.Stop()

	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{
		EventID: "evt-1", CameraID: "cam-1", Kind: "intrusion", Priority: 3,
		CaptureTS: time.Now(), SubmissionTS: time.Now(),
	}))

	waitUntil(t, func() bool { return atomic.LoadInt32(&received) == 1 })
	waitUntil(t, func() bool { return router.Stats().Delivered == 1 })
}

func TestHTTPChannelFailsAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryMax = 1
	cfg.BackoffBaseMS = 1
	cfg.BackoffMaxMS = 2
	router := New(cfg, nil)
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{
		ChannelBase: contracts.ChannelBase{ID: "http-1", Enabled: true, Priority: 1},
		URL:         srv.URL,
		TimeoutMS:   1000,
	}))
	router.Start(context.Background())
	defer router.Stop()

	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{
		EventID: "evt-1", CameraID: "cam-1", Kind: "intrusion", Priority: 3,
		CaptureTS: time.Now(), SubmissionTS: time.Now(),
	}))

	waitUntil(t, func() bool { return router.Stats().Failed == 1 })
}

func TestPartialDeliveryWhenOneChannelFails(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	cfg := DefaultConfig()
	cfg.RetryMax = 0
	router := New(cfg, nil)
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{ChannelBase: contracts.ChannelBase{ID: "ok", Enabled: true}, URL: ok.URL, TimeoutMS: 1000}))
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{ChannelBase: contracts.ChannelBase{ID: "bad", Enabled: true}, URL: bad.URL, TimeoutMS: 1000}))
	router.Start(context.Background())
	defer router.Stop()

	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{
		EventID: "evt-1", CameraID: "cam-1", Kind: "intrusion", Priority: 3,
		CaptureTS: time.Now(), SubmissionTS: time.Now(),
	}))

	waitUntil(t, func() bool { return router.Stats().Delivered == 1 })
}

func TestWebSocketChannelAllowFanoutZero(t *testing.T) {
	ch := NewWebSocketChannel(contracts.WebSocketChannelConfig{
		ChannelBase:     contracts.ChannelBase{ID: "ws-1", Enabled: true},
		AllowFanoutZero: true,
	})
	err := ch.Send(context.Background(), contracts.AlarmEvent{EventID: "e1", CameraID: "cam-1"})
	assert.NoError(t, err)
}

func TestWebSocketChannelFailsWithoutAllowFanoutZero(t *testing.T) {
	ch := NewWebSocketChannel(contracts.WebSocketChannelConfig{
		ChannelBase:     contracts.ChannelBase{ID: "ws-1", Enabled: true},
		AllowFanoutZero: false,
	})
	err := ch.Send(context.Background(), contracts.AlarmEvent{EventID: "e1", CameraID: "cam-1"})
	assert.Error(t, err)
}

func TestPriorityQueueOrdersByPriorityThenSubmission(t *testing.T) {
	router := New(DefaultConfig(), nil)
	now := time.Now()
	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{EventID: "low", Priority: 1, SubmissionTS: now}))
	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{EventID: "high", Priority: 5, SubmissionTS: now.Add(time.Second)}))
	require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{EventID: "mid", Priority: 3, SubmissionTS: now}))

	first, ok := router.pop()
	require.True(t, ok)
	assert.Equal(t, "high", first.evt.EventID)

	second, ok := router.pop()
	require.True(t, ok)
	assert.Equal(t, "mid", second.evt.EventID)

	third, ok := router.pop()
	require.True(t, ok)
	assert.Equal(t, "low", third.evt.EventID)
}

func TestTestFireMarksTestMode(t *testing.T) {
	router := New(DefaultConfig(), nil)
	require.NoError(t, router.TestFire(context.Background(), "intrusion", "cam-1"))
	item, ok := router.pop()
	require.True(t, ok)
	assert.True(t, item.evt.TestMode)
}

func TestStopDrainsQueueWithinGracePeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.ShutdownGraceMS = 2000
	router := New(cfg, nil)
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{
		ChannelBase: contracts.ChannelBase{ID: "http-1", Enabled: true, Priority: 1},
		URL:         srv.URL,
		TimeoutMS:   1000,
	}))
	router.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{
			EventID: "evt", CameraID: "cam-1", Kind: "intrusion", Priority: 3,
			CaptureTS: time.Now(), SubmissionTS: time.Now(),
		}))
	}

	router.Stop()
	assert.EqualValues(t, 3, router.Stats().Delivered, "grace window should let the queue fully drain")
}

func TestStopDiscardsQueueAfterGracePeriodElapses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.ShutdownGraceMS = 10
	router := New(cfg, nil)
	router.AddChannel(NewHTTPChannel(contracts.HTTPChannelConfig{
		ChannelBase: contracts.ChannelBase{ID: "http-1", Enabled: true, Priority: 1},
		URL:         srv.URL,
		TimeoutMS:   1000,
	}))
	router.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, router.Dispatch(context.Background(), contracts.AlarmEvent{
			EventID: "evt", CameraID: "cam-1", Kind: "intrusion", Priority: 3,
			CaptureTS: time.Now(), SubmissionTS: time.Now(),
		}))
	}

	router.Stop()
	assert.Less(t, router.Stats().Delivered, int64(5), "short grace window should leave queued alarms undelivered")
}

func TestAddConfigBuildsHTTPChannel(t *testing.T) {
	router := New(DefaultConfig(), nil)
	require.NoError(t, router.AddConfig(contracts.HTTPChannelConfig{
		ChannelBase: contracts.ChannelBase{ID: "http-1", Enabled: true},
		URL:         "http://example.invalid",
	}))
	require.Len(t, router.ListConfigs(), 1)
	require.NoError(t, router.RemoveConfig("http-1"))
	assert.Len(t, router.ListConfigs(), 0)
}
