// Package rules implements the region/rule engine (C6): polygon-backed
// ROI predicates (intrusion, loitering, zone entry/exit), cross-ROI
// conflict resolution, and per-(camera,rule,track) cooldown suppression.
package rules

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/geometry"
)

// RuleKind enumerates the predicate families spec §3/§4.6 name.
type RuleKind string

const (
	KindIntrusion RuleKind = "Intrusion"
	KindLoitering RuleKind = "Loitering"
	KindZoneEntry RuleKind = "ZoneEntry"
	KindZoneExit  RuleKind = "ZoneExit"
)

// TimeWindow is a wall-clock window that may wrap midnight.
type TimeWindow struct {
	Start, End time.Duration // offsets into the day
}

// Contains reports whether t's time-of-day falls in the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.Start == 0 && w.End == 0 {
		return true // always-on window
	}
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.Start <= w.End {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End // wraps midnight
}

// ROI is a named, prioritized region of interest.
type ROI struct {
	ID       string
	Polygon  geometry.Polygon
	Priority int
	Window   TimeWindow
	Enabled  bool
}

// Rule binds a predicate kind to an ROI.
type Rule struct {
	RuleID        string
	Kind          RuleKind
	ROIRef        string
	MinDurationS  float64
	MinConfidence float64
	Enabled       bool
}

// Config bounds the engine's runtime behaviour.
type Config struct {
	CooldownS          float64
	LoiterVarianceMax  float64
	DedupCacheSize     int
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{CooldownS: 10, LoiterVarianceMax: 25, DedupCacheSize: 4096}
}

type trackPresence struct {
	sinceTS       time.Time
	continuous    bool
	lastFrameSeen uint64
	wasInside     bool
	positions     []geometry.Point
}

type cooldownEntry struct {
	firedAt time.Time
}

// Engine evaluates rules against per-tick track state for one camera.
type Engine struct {
	cameraID contracts.CameraID
	cfg      Config
	rois     map[string]ROI
	rules    []Rule
	cooldown *lru.Cache[string, cooldownEntry]
	presence map[string]*trackPresence // key: roiID|trackID
}

// New constructs an Engine for one camera. rois and rules are the
// camera's current configuration, refreshed by the caller whenever
// ConfigStore changes.
func New(cameraID contracts.CameraID, cfg Config, rois []ROI, rules []Rule) (*Engine, error) {
	cache, err := lru.New[string, cooldownEntry](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{cameraID: cameraID, cfg: cfg, cooldown: cache, presence: make(map[string]*trackPresence)}
	e.SetConfig(rois, rules)
	return e, nil
}

// SetConfig hot-swaps the ROI/rule set.
func (e *Engine) SetConfig(rois []ROI, rules []Rule) {
	m := make(map[string]ROI, len(rois))
	for _, r := range rois {
		m[r.ID] = r
	}
	e.rois = m
	e.rules = rules
}

// candidate is an ROI/rule pair whose predicate fired this tick, pending
// conflict resolution.
type candidate struct {
	roi  ROI
	rule Rule
}

// Evaluate runs every enabled rule against the given tracks at time now,
// emitting at most one AlarmEvent per track after conflict resolution,
// honoring the cooldown cache.
func (e *Engine) Evaluate(tracks []TrackView, now time.Time) []contracts.AlarmEvent {
	perTrack := make(map[int][]candidate)

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		roi, ok := e.rois[rule.ROIRef]
		if !ok || !roi.Enabled {
			continue
		}
		if !roi.Window.Contains(now) {
			continue
		}
		for _, tv := range tracks {
			if e.predicateFires(roi, rule, tv, now) {
				perTrack[tv.TrackID] = append(perTrack[tv.TrackID], candidate{roi: roi, rule: rule})
			}
		}
	}

	var events []contracts.AlarmEvent
	for trackID, cands := range perTrack {
		winner := resolveConflict(cands)
		key := e.cooldownKey(winner.rule.RuleID, trackID)
		if e.inCooldown(key, now) {
			continue
		}
		e.cooldown.Add(key, cooldownEntry{firedAt: now})

		tv := findTrack(tracks, trackID)
		events = append(events, contracts.AlarmEvent{
			EventID:      newEventID(),
			CameraID:     e.cameraID,
			RuleID:       winner.rule.RuleID,
			Kind:         string(winner.rule.Kind),
			Priority:     winner.roi.Priority,
			CaptureTS:    now,
			SubmissionTS: now,
			TrackID:      trackID,
			ROIID:        winner.roi.ID,
			GlobalID:     tv.GlobalID,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TrackID < events[j].TrackID })
	return events
}

// TrackView is the subset of LocalTrack state the rule engine needs,
// decoupled from the tracker package to avoid a cyclic import.
type TrackView struct {
	TrackID    int
	CenterX    float64
	CenterY    float64
	Confidence float64
	GlobalID   string
}

func findTrack(tracks []TrackView, id int) TrackView {
	for _, t := range tracks {
		if t.TrackID == id {
			return t
		}
	}
	return TrackView{}
}

func (e *Engine) predicateFires(roi ROI, rule Rule, tv TrackView, now time.Time) bool {
	key := roi.ID + "|" + itoa(tv.TrackID)
	pres := e.presence[key]
	if pres == nil {
		pres = &trackPresence{sinceTS: now}
		e.presence[key] = pres
	}

	inside := roi.Polygon.ContainsPoint(geometry.Point{X: tv.CenterX, Y: tv.CenterY})

	switch rule.Kind {
	case KindZoneEntry:
		entered := inside && !pres.wasInside
		pres.wasInside = inside
		return entered
	case KindZoneExit:
		exited := !inside && pres.wasInside
		pres.wasInside = inside
		return exited
	case KindIntrusion:
		pres.wasInside = inside
		if !inside {
			pres.sinceTS = now
			return false
		}
		if pres.sinceTS.IsZero() {
			pres.sinceTS = now
		}
		dur := now.Sub(pres.sinceTS).Seconds()
		return dur >= rule.MinDurationS && tv.Confidence >= rule.MinConfidence
	case KindLoitering:
		pres.wasInside = inside
		if !inside {
			pres.sinceTS = now
			pres.positions = nil
			return false
		}
		pres.positions = append(pres.positions, geometry.Point{X: tv.CenterX, Y: tv.CenterY})
		if len(pres.positions) > 200 {
			pres.positions = pres.positions[len(pres.positions)-200:]
		}
		dur := now.Sub(pres.sinceTS).Seconds()
		if dur < rule.MinDurationS {
			return false
		}
		return positionVariance(pres.positions) < e.cfg.LoiterVarianceMax
	default:
		return false
	}
}

func positionVariance(pts []geometry.Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	n := float64(len(pts))
	mx /= n
	my /= n
	var v float64
	for _, p := range pts {
		dx, dy := p.X-mx, p.Y-my
		v += dx*dx + dy*dy
	}
	return v / n
}

// resolveConflict picks the single winning candidate per spec §4.6:
// highest ROI priority, then earliest window start, then lexicographic
// ROI id.
func resolveConflict(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		switch {
		case c.roi.Priority > best.roi.Priority:
			best = c
		case c.roi.Priority == best.roi.Priority && c.roi.Window.Start < best.roi.Window.Start:
			best = c
		case c.roi.Priority == best.roi.Priority && c.roi.Window.Start == best.roi.Window.Start && c.roi.ID < best.roi.ID:
			best = c
		}
	}
	return best
}

func (e *Engine) inCooldown(key string, now time.Time) bool {
	entry, ok := e.cooldown.Get(key)
	if !ok {
		return false
	}
	return now.Sub(entry.firedAt).Seconds() < e.cfg.CooldownS
}

// EndTrack purges all cooldown and presence state for a track that has
// ended, per spec §4.6 ("state purged when the track ends").
func (e *Engine) EndTrack(trackID int) {
	suffix := "|" + itoa(trackID)
	for key := range e.presence {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(e.presence, key)
		}
	}
	for _, rule := range e.rules {
		e.cooldown.Remove(e.cooldownKey(rule.RuleID, trackID))
	}
}

func (e *Engine) cooldownKey(ruleID string, trackID int) string {
	return string(e.cameraID) + "|" + ruleID + "|" + itoa(trackID)
}

func newEventID() string {
	return uuid.NewString()
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
