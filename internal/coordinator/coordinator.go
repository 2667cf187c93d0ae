// Package coordinator implements the cross-camera coordinator (C7):
// fuses per-camera local tracks into GlobalTracks by appearance
// similarity, ages out stale members, and fans out identity events over
// NATS for interested subscribers.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/embedding"
	"github.com/technosupport/videocore/internal/metrics"
)

// MemberKey identifies one per-camera local track within a GlobalTrack.
type MemberKey struct {
	CameraID contracts.CameraID
	TrackID  int
}

// Member is one (camera, local track) bound to a GlobalTrack.
type Member struct {
	Key        MemberKey
	LastSeenTS time.Time
}

// GlobalTrack fuses local tracks across cameras that share an identity.
type GlobalTrack struct {
	GlobalID   string
	Members    []Member
	Centroid   *embedding.RunningCentroid
	LastUpdate time.Time
}

// Update is one inbound per-camera observation.
type Update struct {
	CameraID    contracts.CameraID
	LocalTrackID int
	Embedding   []float64
	LastSeenTS  time.Time
}

// Config bounds matching/expiry behaviour.
type Config struct {
	ReIDThreshold float64
	MaxTrackAgeS  float64
	InboxCapacity int
}

// DefaultConfig mirrors the spec's named defaults.
func DefaultConfig() Config {
	return Config{ReIDThreshold: 0.75, MaxTrackAgeS: 30, InboxCapacity: 1024}
}

// Stats mirrors spec §4.7's exposed statistics.
type Stats struct {
	ActiveGlobals int64
	MergesTotal   int64
	SplitsTotal   int64
	InboxDrops    int64
}

// Coordinator owns all GlobalTrack state. All mutation happens on a
// single goroutine (run) fed by a bounded inbox channel; the oldest
// pending update is dropped on overflow, matching the lock-free bounded
// queue the spec names.
type Coordinator struct {
	cfg    Config
	nc     *nats.Conn // may be nil: publish becomes a log-only no-op
	inbox  chan Update

	mu      sync.RWMutex
	globals map[string]*GlobalTrack
	byMember map[MemberKey]string // member -> global id

	merges, splits, drops int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator. nc may be nil (NATS disabled).
func New(cfg Config, nc *nats.Conn) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		nc:       nc,
		inbox:    make(chan Update, cfg.InboxCapacity),
		globals:  make(map[string]*GlobalTrack),
		byMember: make(map[MemberKey]string),
	}
}

// Start launches the single coordinator goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the coordinator goroutine and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Submit enqueues an update non-blockingly; on a full inbox the oldest
// pending update is dropped to make room (matches spec backpressure).
func (c *Coordinator) Submit(u Update) {
	select {
	case c.inbox <- u:
		return
	default:
	}
	// Inbox was full: drop the oldest entry and try once more. Another
	// producer may take the freed slot first, in which case this update
	// is dropped instead.
	select {
	case <-c.inbox:
		c.mu.Lock()
		c.drops++
		c.mu.Unlock()
	default:
	}
	select {
	case c.inbox <- u:
	default:
		c.mu.Lock()
		c.drops++
		c.mu.Unlock()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.inbox:
			c.apply(u)
		case <-ticker.C:
			c.expireStale(time.Now())
		}
	}
}

func (c *Coordinator) apply(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := MemberKey{CameraID: u.CameraID, TrackID: u.LocalTrackID}

	if gid, bound := c.byMember[key]; bound {
		g := c.globals[gid]
		if g != nil {
			_ = g.Centroid.Add(u.Embedding)
			g.LastUpdate = u.LastSeenTS
			for i := range g.Members {
				if g.Members[i].Key == key {
					g.Members[i].LastSeenTS = u.LastSeenTS
				}
			}
			return
		}
	}

	bestID := ""
	bestSim := -2.0
	for gid, g := range c.globals {
		if _, already := memberIndex(g, key); already >= 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(g.Centroid.Vector(), u.Embedding)
		if err != nil {
			continue
		}
		if sim > bestSim {
			bestSim = sim
			bestID = gid
		}
	}

	if bestID != "" && bestSim >= c.cfg.ReIDThreshold {
		g := c.globals[bestID]
		_ = g.Centroid.Add(u.Embedding)
		g.Members = append(g.Members, Member{Key: key, LastSeenTS: u.LastSeenTS})
		g.LastUpdate = u.LastSeenTS
		c.byMember[key] = bestID
		c.merges++
		c.publish("merge", bestID, u.CameraID, u.LocalTrackID)
		return
	}

	centroid := embedding.NewRunningCentroid(len(u.Embedding))
	_ = centroid.Add(u.Embedding)
	gid := uuid.NewString()
	c.globals[gid] = &GlobalTrack{
		GlobalID:   gid,
		Members:    []Member{{Key: key, LastSeenTS: u.LastSeenTS}},
		Centroid:   centroid,
		LastUpdate: u.LastSeenTS,
	}
	c.byMember[key] = gid
	c.publish("new", gid, u.CameraID, u.LocalTrackID)
	metrics.CoordinatorGlobalTracksActive.Set(float64(len(c.globals)))
}

func memberIndex(g *GlobalTrack, key MemberKey) (Member, int) {
	for i, m := range g.Members {
		if m.Key == key {
			return m, i
		}
	}
	return Member{}, -1
}

// LookupGlobalID returns the global id bound to a local track, if any.
func (c *Coordinator) LookupGlobalID(cameraID contracts.CameraID, trackID int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gid, ok := c.byMember[MemberKey{CameraID: cameraID, TrackID: trackID}]
	return gid, ok
}

// EndLocalTrack drops a member whose owning pipeline reports the local
// track has ended, per spec §4.7.
func (c *Coordinator) EndLocalTrack(cameraID contracts.CameraID, trackID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := MemberKey{CameraID: cameraID, TrackID: trackID}
	gid, ok := c.byMember[key]
	if !ok {
		return
	}
	delete(c.byMember, key)
	g := c.globals[gid]
	if g == nil {
		return
	}
	_, idx := memberIndex(g, key)
	if idx >= 0 {
		g.Members = append(g.Members[:idx], g.Members[idx+1:]...)
	}
	if len(g.Members) == 0 {
		delete(c.globals, gid)
		c.splits++
		metrics.CoordinatorGlobalTracksActive.Set(float64(len(c.globals)))
	}
}

func (c *Coordinator) expireStale(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maxAge := time.Duration(c.cfg.MaxTrackAgeS * float64(time.Second))
	for gid, g := range c.globals {
		kept := g.Members[:0]
		for _, m := range g.Members {
			if now.Sub(m.LastSeenTS) > maxAge {
				delete(c.byMember, m.Key)
				continue
			}
			kept = append(kept, m)
		}
		g.Members = kept
		if len(g.Members) == 0 {
			delete(c.globals, gid)
			c.splits++
		}
	}
	metrics.CoordinatorGlobalTracksActive.Set(float64(len(c.globals)))
}

// Reset clears all global state atomically.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globals = make(map[string]*GlobalTrack)
	c.byMember = make(map[MemberKey]string)
	metrics.CoordinatorGlobalTracksActive.Set(0)
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		ActiveGlobals: int64(len(c.globals)),
		MergesTotal:   c.merges,
		SplitsTotal:   c.splits,
		InboxDrops:    c.drops,
	}
}

// Snapshot returns a stable, sorted copy of all current GlobalTracks for
// diagnostics/tests.
func (c *Coordinator) Snapshot() []GlobalTrack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GlobalTrack, 0, len(c.globals))
	for _, g := range c.globals {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	return out
}

func (c *Coordinator) publish(kind, globalID string, cameraID contracts.CameraID, trackID int) {
	if c.nc == nil {
		return
	}
	subject := fmt.Sprintf("tracks.global.%s", cameraID)
	payload := []byte(kind + "|" + globalID + "|" + string(cameraID) + "|" + itoa(trackID))
	if err := c.nc.Publish(subject, payload); err != nil {
		log.Printf("coordinator: nats publish failed subject=%s err=%v", subject, err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
