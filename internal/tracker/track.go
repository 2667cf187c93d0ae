// Package tracker implements the per-camera multi-object tracker (C3):
// cascade matching of detections to LocalTracks via a blended
// IoU/appearance cost matrix solved by the Hungarian algorithm.
package tracker

import (
	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/kalman"
)

// State is a LocalTrack's lifecycle stage.
type State string

const (
	StateTentative State = "Tentative"
	StateConfirmed State = "Confirmed"
	StateLost      State = "Lost"
)

const trajectoryCap = 100

// TrajectoryPoint is one historical centroid sample, bounded in count.
type TrajectoryPoint struct {
	Seq uint64
	CX  float64
	CY  float64
}

// LocalTrack is a per-camera tracked object.
type LocalTrack struct {
	TrackID            int
	ClassID            int
	State              State
	BBoxHistory        []contracts.BBox
	LastSeenSeq        uint64
	HitStreak          int
	MissStreak         int
	Embedding          contracts.Embedding
	EmbeddingSeq       uint64 // sequence_no the cached embedding was computed at
	LastScore          float64 // confidence of the most recent matched detection
	SuggestedGlobalID  string
	Trajectory         []TrajectoryPoint
	VX, VY             float64

	filter *kalman.Filter
}

// bboxHistoryCap bounds BBoxHistory so a long-lived track does not grow
// unbounded memory.
const bboxHistoryCap = 30

func newTrack(id int, det contracts.Detection, seq uint64) *LocalTrack {
	cx, cy := det.BBox.Center()
	aspect := 0.0
	if det.BBox.H > 0 {
		aspect = float64(det.BBox.W) / float64(det.BBox.H)
	}
	t := &LocalTrack{
		TrackID:     id,
		ClassID:     det.ClassID,
		State:       StateTentative,
		BBoxHistory: []contracts.BBox{det.BBox},
		LastSeenSeq: seq,
		HitStreak:   1,
		LastScore:   det.Score,
		filter:      kalman.NewFilter(cx, cy, aspect, float64(det.BBox.H)),
	}
	t.Trajectory = append(t.Trajectory, TrajectoryPoint{Seq: seq, CX: cx, CY: cy})
	return t
}

// predictedBBox returns the Kalman-predicted bbox for the current tick,
// derived from the filter's last state/velocity estimate without
// advancing it (Predict is called once per tick by the tracker).
func (t *LocalTrack) predictedBBox() contracts.BBox {
	cx, cy, aspect, h := t.filter.State()
	if aspect <= 0 || h <= 0 {
		if len(t.BBoxHistory) > 0 {
			return t.BBoxHistory[len(t.BBoxHistory)-1]
		}
		return contracts.BBox{}
	}
	w := aspect * h
	return contracts.BBox{
		X: int(cx - w/2),
		Y: int(cy - h/2),
		W: int(w),
		H: int(h),
	}
}

func (t *LocalTrack) predict() {
	t.filter.Predict()
	t.VX, t.VY, _, _ = t.filter.Velocity()
}

func (t *LocalTrack) applyMeasurement(det contracts.Detection, seq uint64) {
	cx, cy := det.BBox.Center()
	aspect := 0.0
	if det.BBox.H > 0 {
		aspect = float64(det.BBox.W) / float64(det.BBox.H)
	}
	t.filter.Update(cx, cy, aspect, float64(det.BBox.H))

	t.BBoxHistory = append(t.BBoxHistory, det.BBox)
	if len(t.BBoxHistory) > bboxHistoryCap {
		t.BBoxHistory = t.BBoxHistory[len(t.BBoxHistory)-bboxHistoryCap:]
	}
	t.LastSeenSeq = seq
	t.HitStreak++
	t.MissStreak = 0
	t.ClassID = det.ClassID
	t.LastScore = det.Score

	t.Trajectory = append(t.Trajectory, TrajectoryPoint{Seq: seq, CX: cx, CY: cy})
	if len(t.Trajectory) > trajectoryCap {
		t.Trajectory = t.Trajectory[len(t.Trajectory)-trajectoryCap:]
	}
}

func (t *LocalTrack) markMissed() {
	t.MissStreak++
	t.HitStreak = 0
}

// SetEmbedding caches an embedding computed by C4 for this track at the
// given sequence number, per the at-most-once-per-(track,seq) policy.
func (t *LocalTrack) SetEmbedding(e contracts.Embedding, seq uint64) {
	t.Embedding = e
	t.EmbeddingSeq = seq
}

// NeedsEmbedding reports whether this track lacks a fresh embedding for
// the given sequence number.
func (t *LocalTrack) NeedsEmbedding(seq uint64) bool {
	return !t.Embedding.Valid || t.EmbeddingSeq != seq
}

// LatestBBox returns the most recent observed (not predicted) bbox.
func (t *LocalTrack) LatestBBox() contracts.BBox {
	if len(t.BBoxHistory) == 0 {
		return contracts.BBox{}
	}
	return t.BBoxHistory[len(t.BBoxHistory)-1]
}
