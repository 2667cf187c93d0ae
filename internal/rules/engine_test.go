package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/videocore/internal/geometry"
)

func square(id string, priority int) ROI {
	return ROI{
		ID:      id,
		Polygon: geometry.Polygon{Vertices: []geometry.Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}},
		Priority: priority,
		Enabled:  true,
	}
}

func TestIntrusionFiresAfterMinDuration(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindIntrusion, ROIRef: "roi-1", MinDurationS: 2, MinConfidence: 0.5, Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)

	now := time.Now()
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 0.9}}

	events := e.Evaluate(tv, now)
	assert.Empty(t, events) // just entered, duration not satisfied

	events = e.Evaluate(tv, now.Add(3*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, "Intrusion", events[0].Kind)
}

func TestIntrusionBelowConfidenceDoesNotFire(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindIntrusion, ROIRef: "roi-1", MinDurationS: 1, MinConfidence: 0.9, Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)
	now := time.Now()
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 0.5}}
	e.Evaluate(tv, now)
	events := e.Evaluate(tv, now.Add(2*time.Second))
	assert.Empty(t, events)
}

func TestZoneEntryFiresOnce(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindZoneEntry, ROIRef: "roi-1", Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)

	now := time.Now()
	outside := TrackView{TrackID: 1, CenterX: -10, CenterY: -10}
	inside := TrackView{TrackID: 1, CenterX: 50, CenterY: 50}

	events := e.Evaluate([]TrackView{outside}, now)
	assert.Empty(t, events)

	events = e.Evaluate([]TrackView{inside}, now.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, "ZoneEntry", events[0].Kind)

	events = e.Evaluate([]TrackView{inside}, now.Add(2*time.Second))
	assert.Empty(t, events) // still inside, no new entry
}

func TestZoneExitFires(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindZoneExit, ROIRef: "roi-1", Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)

	now := time.Now()
	inside := TrackView{TrackID: 1, CenterX: 50, CenterY: 50}
	outside := TrackView{TrackID: 1, CenterX: -10, CenterY: -10}

	e.Evaluate([]TrackView{inside}, now)
	events := e.Evaluate([]TrackView{outside}, now.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, "ZoneExit", events[0].Kind)
}

func TestCooldownSuppressesRepeatedAlarm(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindIntrusion, ROIRef: "roi-1", MinDurationS: 0, MinConfidence: 0, Enabled: true}
	cfg := DefaultConfig()
	cfg.CooldownS = 10
	e, err := New("cam-1", cfg, []ROI{roi}, []Rule{rule})
	require.NoError(t, err)

	now := time.Now()
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 1}}
	events := e.Evaluate(tv, now)
	require.Len(t, events, 1)

	events = e.Evaluate(tv, now.Add(2*time.Second))
	assert.Empty(t, events)

	events = e.Evaluate(tv, now.Add(11*time.Second))
	assert.Len(t, events, 1)
}

func TestConflictResolutionPicksHighestPriority(t *testing.T) {
	low := square("roi-low", 1)
	high := square("roi-high", 5)
	r1 := Rule{RuleID: "rule-low", Kind: KindIntrusion, ROIRef: "roi-low", MinDurationS: 0, MinConfidence: 0, Enabled: true}
	r2 := Rule{RuleID: "rule-high", Kind: KindIntrusion, ROIRef: "roi-high", MinDurationS: 0, MinConfidence: 0, Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{low, high}, []Rule{r1, r2})
	require.NoError(t, err)

	now := time.Now()
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 1}}
	events := e.Evaluate(tv, now)
	require.Len(t, events, 1)
	assert.Equal(t, "rule-high", events[0].RuleID)
}

func TestEndTrackPurgesState(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindIntrusion, ROIRef: "roi-1", MinDurationS: 0, MinConfidence: 0, Enabled: true}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)

	now := time.Now()
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 1}}
	e.Evaluate(tv, now)
	e.EndTrack(1)

	events := e.Evaluate(tv, now.Add(time.Second))
	require.Len(t, events, 1) // cooldown cleared, fires again immediately
}

func TestDisabledRuleNeverFires(t *testing.T) {
	roi := square("roi-1", 3)
	rule := Rule{RuleID: "rule-1", Kind: KindIntrusion, ROIRef: "roi-1", MinDurationS: 0, MinConfidence: 0, Enabled: false}
	e, err := New("cam-1", DefaultConfig(), []ROI{roi}, []Rule{rule})
	require.NoError(t, err)
	tv := []TrackView{{TrackID: 1, CenterX: 50, CenterY: 50, Confidence: 1}}
	events := e.Evaluate(tv, time.Now())
	assert.Empty(t, events)
}

func TestTimeWindowWrapsAroundMidnight(t *testing.T) {
	w := TimeWindow{Start: 22 * time.Hour, End: 2 * time.Hour}
	late := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, w.Contains(late))
	assert.True(t, w.Contains(early))
	assert.False(t, w.Contains(midday))
}
