// Command analyticsd runs the multi-camera video analytics core: it
// wires the frame source, detector, tracker, rule engine, coordinator,
// and alarm router into a manager.Manager, bootstraps cameras from a
// YAML config file, and exposes a thin admin HTTP surface.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/videocore/internal/adapters/filesource"
	"github.com/technosupport/videocore/internal/adapters/httpdetect"
	"github.com/technosupport/videocore/internal/adapters/memconfig"
	"github.com/technosupport/videocore/internal/adapters/onnxdetect"
	"github.com/technosupport/videocore/internal/adapters/onnxembed"
	"github.com/technosupport/videocore/internal/adapters/pgconfig"
	"github.com/technosupport/videocore/internal/adapters/rtspsource"
	"github.com/technosupport/videocore/internal/alarmrouter"
	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/coordinator"
	"github.com/technosupport/videocore/internal/geometry"
	"github.com/technosupport/videocore/internal/manager"
	"github.com/technosupport/videocore/internal/pipeline"
	"github.com/technosupport/videocore/internal/rules"
	"github.com/technosupport/videocore/internal/secureconfig"
	"github.com/technosupport/videocore/internal/tracker"
)

type rootConfig struct {
	Cameras []struct {
		ID       string  `yaml:"id"`
		URL      string  `yaml:"url"`
		Protocol string  `yaml:"protocol"`
		Username string  `yaml:"username"`
		Password string  `yaml:"password"`
		Width    int     `yaml:"width"`
		Height   int     `yaml:"height"`
		FPS      float64 `yaml:"fps"`
	} `yaml:"cameras"`
	AlarmChannels struct {
		HTTP []contracts.HTTPChannelConfig `yaml:"http"`
	} `yaml:"alarm_channels"`
}

func main() {
	modelDir := getEnv("MODEL_DIR", "./models")
	detectURL := getEnv("HTTP_DETECT_URL", "")
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	redisAddr := getEnv("REDIS_ADDR", "")
	configPath := getEnv("CONFIG_PATH", "config/default.yaml")
	dbDSN := getEnv("DATABASE_URL", "")
	sealKey := getEnv("SEAL_KEY", "")
	adminPort := getEnv("ADMIN_PORT", "8090")

	log.Printf("[analyticsd] starting, config=%s models=%s", configPath, modelDir)

	var cfg rootConfig
	if raw, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Printf("[analyticsd] config parse error: %v", err)
		}
	} else {
		log.Printf("[analyticsd] no config file at %s, starting with zero cameras", configPath)
	}

	det, err := onnxdetect.New(onnxdetect.DefaultConfig(modelDir))
	if err != nil {
		log.Fatalf("[analyticsd] detector init: %v", err)
	}
	var finalDet contracts.Detector = det
	if detectURL != "" {
		hd, err := httpdetect.New(httpdetect.DefaultConfig(detectURL), det)
		if err != nil {
			log.Fatalf("[analyticsd] http detector init: %v", err)
		}
		finalDet = hd
	}

	emb, err := onnxembed.New(onnxembed.DefaultConfig(modelDir))
	if err != nil {
		log.Fatalf("[analyticsd] embedder init: %v", err)
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}

	var nc *nats.Conn
	if conn, err := nats.Connect(natsURL); err != nil {
		log.Printf("[analyticsd] nats connection failed: %v (coordinator fan-out disabled)", err)
	} else {
		nc = conn
		defer nc.Close()
	}

	var sealer *secureconfig.Sealer
	if sealKey != "" {
		s, err := secureconfig.New([]byte(sealKey))
		if err != nil {
			log.Fatalf("[analyticsd] seal key: %v", err)
		}
		sealer = s
	}

	store := buildConfigStore(dbDSN)

	router := alarmrouter.New(alarmrouter.DefaultConfig(), rdb)
	for _, ch := range cfg.AlarmChannels.HTTP {
		router.AddChannel(alarmrouter.NewHTTPChannel(ch))
	}
	router.Start(context.Background())
	defer router.Stop()

	rtsp := rtspsource.New(rtspsource.DefaultConfig())
	files := filesource.New(filesource.DefaultConfig())
	coord := coordinator.New(coordinator.DefaultConfig(), nc)

	factory := func(ctx context.Context, camCfg contracts.CameraConfigDoc) (manager.Pipeline, error) {
		var source contracts.FrameSource = rtsp
		if camCfg.Protocol == contracts.ProtocolFile {
			source = files
		}

		password := camCfg.Password
		if sealer != nil && secureconfig.IsSealed(password) {
			plain, err := sealer.Unseal(string(camCfg.CameraID), password)
			if err != nil {
				return nil, fmt.Errorf("unseal credentials for %s: %w", camCfg.CameraID, err)
			}
			password = plain
		}

		srcCfg := contracts.SourceConfig{
			CameraID:  camCfg.CameraID,
			URL:       camCfg.RTSPURL,
			Protocol:  camCfg.Protocol,
			Username:  camCfg.Username,
			Password:  password,
			TargetW:   camCfg.Width,
			TargetH:   camCfg.Height,
			TargetFPS: camCfg.FPS,
			Enabled:   camCfg.Enabled,
		}

		rois, ruleSet := buildRuleConfig(camCfg)
		engine, err := rules.New(camCfg.CameraID, rules.DefaultConfig(), rois, ruleSet)
		if err != nil {
			return nil, fmt.Errorf("rule engine for %s: %w", camCfg.CameraID, err)
		}

		pCfg := pipeline.DefaultConfig(camCfg.CameraID, srcCfg)
		pCfg.DetectionThresholds = contracts.DetectionThresholds{
			Confidence: camCfg.DetectionConfig.ConfidenceThreshold,
			NMS:        camCfg.DetectionConfig.NMSThreshold,
		}
		p := pipeline.New(pCfg, source, finalDet, emb, tracker.New(tracker.DefaultConfig()), engine, coord, router)
		return pipelineAdapter{p}, nil
	}

	mgr := manager.New(manager.DefaultConfig(), factory, rdb)
	mgr.Start(context.Background())
	defer mgr.Stop(context.Background())

	for _, c := range cfg.Cameras {
		doc := contracts.CameraConfigDoc{
			CameraID: contracts.CameraID(c.ID),
			RTSPURL:  c.URL,
			Protocol: contracts.SourceProtocol(c.Protocol),
			Username: c.Username,
			Password: c.Password,
			Width:    c.Width,
			Height:   c.Height,
			FPS:      c.FPS,
			Enabled:  true,
		}
		if err := store.SaveCameraConfig(context.Background(), doc.CameraID, doc); err != nil {
			log.Printf("[analyticsd] save config for %s: %v", doc.CameraID, err)
			continue
		}
		if code := mgr.Add(context.Background(), doc); code != contracts.ResultOk {
			log.Printf("[analyticsd] add camera %s: %s", doc.CameraID, code)
		}
	}

	srv := &http.Server{Addr: ":" + adminPort, Handler: buildRouter(mgr, router)}
	go func() {
		log.Printf("[analyticsd] admin server listening on :%s", adminPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[analyticsd] admin server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("[analyticsd] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildRuleConfig converts a camera's persisted ROI/rule configuration
// into the rule engine's runtime types, dropping any ROI whose polygon
// fails validation against the camera's frame bounds.
func buildRuleConfig(camCfg contracts.CameraConfigDoc) ([]rules.ROI, []rules.Rule) {
	rois := make([]rules.ROI, 0, len(camCfg.ROIs))
	for _, rc := range camCfg.ROIs {
		poly := geometry.Polygon{Vertices: rc.Vertices}
		if code := poly.Validate(camCfg.Width, camCfg.Height); code != geometry.ValidOk {
			log.Printf("[analyticsd] camera %s: dropping roi %s: %s", camCfg.CameraID, rc.ID, code)
			continue
		}
		rois = append(rois, rules.ROI{
			ID:       rc.ID,
			Polygon:  poly,
			Priority: rc.Priority,
			Window: rules.TimeWindow{
				Start: time.Duration(rc.WindowStartS) * time.Second,
				End:   time.Duration(rc.WindowEndS) * time.Second,
			},
			Enabled: rc.Enabled,
		})
	}

	ruleSet := make([]rules.Rule, 0, len(camCfg.Rules))
	for _, rc := range camCfg.Rules {
		ruleSet = append(ruleSet, rules.Rule{
			RuleID:        rc.RuleID,
			Kind:          rules.RuleKind(rc.Kind),
			ROIRef:        rc.ROIRef,
			MinDurationS:  rc.MinDurationS,
			MinConfidence: rc.MinConfidence,
			Enabled:       rc.Enabled,
		})
	}
	return rois, ruleSet
}

func buildConfigStore(dsn string) contracts.ConfigStore {
	if dsn == "" {
		return memconfig.New()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("[analyticsd] postgres open failed: %v, falling back to in-memory config", err)
		return memconfig.New()
	}
	return pgconfig.New(db)
}

// pipelineAdapter satisfies manager.Pipeline by translating
// pipeline.Metrics to manager.PipelineMetrics; the two packages keep
// distinct metrics types so neither depends on the other's internals.
type pipelineAdapter struct {
	p *pipeline.Pipeline
}

func (a pipelineAdapter) CameraID() contracts.CameraID      { return a.p.CameraID() }
func (a pipelineAdapter) Start(ctx context.Context) error   { return a.p.Start(ctx) }
func (a pipelineAdapter) Stop(ctx context.Context)          { a.p.Stop(ctx) }
func (a pipelineAdapter) Metrics() manager.PipelineMetrics {
	m := a.p.Metrics()
	return manager.PipelineMetrics{
		ProcessedFrames: m.ProcessedFrames,
		DroppedFrames:   m.DroppedFrames,
		CurrentFPS:      m.CurrentFPS,
		AvgInferenceMs:  m.AvgInferenceMs,
		Healthy:         m.Healthy,
	}
}

func buildRouter(mgr *manager.Manager, sink contracts.AlarmSink) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		emaMs, maxMs, healthy := mgr.MonitorHealth()
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"healthy":      healthy,
			"ema_cycle_ms": emaMs,
			"max_cycle_ms": maxMs,
			"camera_count": len(mgr.List()),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/internal/alarms/test", func(w http.ResponseWriter, req *http.Request) {
		var evt contracts.AlarmEvent
		if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if evt.CameraID == "" {
			evt.CameraID = "cam-test"
		}
		evt.CaptureTS = time.Now()
		evt.SubmissionTS = time.Now()
		if err := sink.Dispatch(req.Context(), evt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return r
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
