package tracker

import (
	"sort"

	"github.com/charles-haynes/munkres"

	"github.com/technosupport/videocore/internal/contracts"
	"github.com/technosupport/videocore/internal/embedding"
)

// Config bounds the tracker's lifecycle and matching behaviour.
type Config struct {
	Alpha                float64 // IoU weight; appearance weight is 1-Alpha
	ConfirmedThreshold   float64 // match_threshold for the Confirmed cascade stage
	TentativeThreshold   float64 // looser threshold for Tentative/Lost stage
	NInit                int     // consecutive hits before Tentative -> Confirmed
	MaxAge               int     // missed frames before Confirmed -> Lost
	MaxLost              int     // missed frames in Lost before purge
	FrameWidth           int
	FrameHeight          int
}

// DefaultConfig returns the tracker's default matching and lifecycle
// settings.
func DefaultConfig() Config {
	return Config{
		Alpha:              0.7,
		ConfirmedThreshold: 0.5,
		TentativeThreshold: 0.7,
		NInit:              3,
		MaxAge:             10,
		MaxLost:            30,
	}
}

// Tracker is the per-camera multi-object tracker.
type Tracker struct {
	cfg     Config
	tracks  map[int]*LocalTrack
	nextID  int
}

// New constructs a tracker for one camera.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, tracks: make(map[int]*LocalTrack)}
}

// Update runs one assignment pass: predicts all tracks, solves the
// cascade match against det, and advances track lifecycles. seq is the
// frame's sequence_no. detEmb is an optional, index-aligned set of
// appearance embeddings for det (nil when the caller has none yet,
// e.g. before C4 has run on a brand-new detection); when present it
// feeds the 1-cosine(appearance) term of the match cost. It returns the
// tracks live after this update (Confirmed and Tentative; Lost tracks
// are also included until purged).
func (tr *Tracker) Update(det []contracts.Detection, detEmb []contracts.Embedding, seq uint64) []*LocalTrack {
	clipped := make([]contracts.Detection, 0, len(det))
	clippedEmb := make([]contracts.Embedding, 0, len(det))
	for i, d := range det {
		if tr.cfg.FrameWidth > 0 && tr.cfg.FrameHeight > 0 {
			bb, ok := d.BBox.Clip(tr.cfg.FrameWidth, tr.cfg.FrameHeight)
			if !ok {
				continue
			}
			d.BBox = bb
		}
		clipped = append(clipped, d)
		if i < len(detEmb) {
			clippedEmb = append(clippedEmb, detEmb[i])
		} else {
			clippedEmb = append(clippedEmb, contracts.Embedding{})
		}
	}

	for _, t := range tr.tracks {
		t.predict()
	}

	confirmedIDs, tentativeIDs := tr.splitByState()

	unmatchedDet := make([]int, len(clipped))
	for i := range unmatchedDet {
		unmatchedDet[i] = i
	}

	matchedDet := make(map[int]bool)

	// Stage 1: Confirmed tracks, tighter threshold.
	m1 := tr.matchStage(confirmedIDs, clipped, clippedEmb, unmatchedDet, tr.cfg.ConfirmedThreshold)
	tr.applyMatches(m1, clipped, seq, matchedDet)

	remaining := make([]int, 0, len(unmatchedDet))
	for _, di := range unmatchedDet {
		if !matchedDet[di] {
			remaining = append(remaining, di)
		}
	}

	// Stage 2: Tentative/Lost tracks, looser threshold.
	m2 := tr.matchStage(tentativeIDs, clipped, clippedEmb, remaining, tr.cfg.TentativeThreshold)
	tr.applyMatches(m2, clipped, seq, matchedDet)

	matchedTrackIDs := make(map[int]bool)
	for _, m := range m1 {
		matchedTrackIDs[m.trackID] = true
	}
	for _, m := range m2 {
		matchedTrackIDs[m.trackID] = true
	}

	for id, t := range tr.tracks {
		if matchedTrackIDs[id] {
			continue
		}
		t.markMissed()
	}

	// Spawn new tracks for unmatched detections.
	for _, di := range unmatchedDet {
		if matchedDet[di] {
			continue
		}
		tr.nextID++
		tr.tracks[tr.nextID] = newTrack(tr.nextID, clipped[di], seq)
	}

	tr.advanceLifecycles()
	return tr.liveTracks()
}

// SetSuggestedGlobalID stores an opaque coordinator hint on a track
// without influencing matching.
func (tr *Tracker) SetSuggestedGlobalID(trackID int, globalID string) {
	if t, ok := tr.tracks[trackID]; ok {
		t.SuggestedGlobalID = globalID
	}
}

func (tr *Tracker) splitByState() (confirmed, tentativeOrLost []int) {
	for id, t := range tr.tracks {
		if t.State == StateConfirmed {
			confirmed = append(confirmed, id)
		} else {
			tentativeOrLost = append(tentativeOrLost, id)
		}
	}
	return
}

type match struct {
	trackID int
	detIdx  int
	cost    float64
}

// matchStage builds the cost matrix for trackIDs x the detection indices
// named by detIdx, solves it via Hungarian assignment, and returns the
// matches whose cost clears threshold.
func (tr *Tracker) matchStage(trackIDs []int, det []contracts.Detection, detEmb []contracts.Embedding, detIdx []int, threshold float64) []match {
	if len(trackIDs) == 0 || len(detIdx) == 0 {
		return nil
	}
	sort.Ints(trackIDs)

	matrix := make([][]float64, len(trackIDs))
	for i, id := range trackIDs {
		t := tr.tracks[id]
		row := make([]float64, len(detIdx))
		for j, di := range detIdx {
			row[j] = tr.cost(t, det[di], detEmb[di])
		}
		matrix[i] = row
	}

	ha, err := munkres.NewHungarianAlgorithm(matrix)
	if err != nil {
		return nil
	}
	assign := ha.Execute()

	out := make([]match, 0, len(assign))
	for i, j := range assign {
		if j < 0 || j >= len(detIdx) {
			continue
		}
		cost := matrix[i][j]
		if cost > threshold {
			continue
		}
		out = append(out, match{trackID: trackIDs[i], detIdx: detIdx[j], cost: cost})
	}
	return resolveTies(out, tr.tracks)
}

// resolveTies: when two entries claim the same detection with equal
// minimal cost, keep the track with the larger LastSeenSeq.
func resolveTies(in []match, tracks map[int]*LocalTrack) []match {
	byDet := make(map[int][]match)
	for _, m := range in {
		byDet[m.detIdx] = append(byDet[m.detIdx], m)
	}
	out := make([]match, 0, len(in))
	for _, ms := range byDet {
		best := ms[0]
		for _, m := range ms[1:] {
			switch {
			case m.cost < best.cost:
				best = m
			case m.cost == best.cost && tracks[m.trackID].LastSeenSeq > tracks[best.trackID].LastSeenSeq:
				best = m
			}
		}
		out = append(out, best)
	}
	return out
}

func (tr *Tracker) applyMatches(matches []match, det []contracts.Detection, seq uint64, matchedDet map[int]bool) {
	for _, m := range matches {
		tr.tracks[m.trackID].applyMeasurement(det[m.detIdx], seq)
		matchedDet[m.detIdx] = true
	}
}

// cost blends IoU and appearance similarity: lower is better. The
// appearance term only contributes when both the track's cached
// embedding and the candidate detection's embedding are valid; otherwise
// the match falls back to the unweighted IoU cost alone.
func (tr *Tracker) cost(t *LocalTrack, det contracts.Detection, detEmb contracts.Embedding) float64 {
	pred := t.predictedBBox()
	iou := iouOf(pred, det.BBox)
	iouCost := 1 - iou

	alpha := tr.cfg.Alpha
	if !t.Embedding.Valid || !detEmb.Valid {
		return iouCost
	}
	appCost := 1.0
	if sim, err := embedding.CosineSimilarity(t.Embedding.Vector, detEmb.Vector); err == nil {
		appCost = 1 - sim
	}
	return alpha*iouCost + (1-alpha)*appCost
}

func iouOf(a, b contracts.BBox) float64 {
	ax0, ay0, ax1, ay1 := a.X, a.Y, a.X+a.W, a.Y+a.H
	bx0, by0, bx1, by1 := b.X, b.Y, b.X+b.W, b.Y+b.H

	ix0 := maxInt(ax0, bx0)
	iy0 := maxInt(ay0, by0)
	ix1 := minInt(ax1, bx1)
	iy1 := minInt(ay1, by1)
	if ix1 <= ix0 || iy1 <= iy0 {
		return 0
	}
	inter := float64((ix1 - ix0) * (iy1 - iy0))
	union := float64(a.Area()+b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (tr *Tracker) advanceLifecycles() {
	for id, t := range tr.tracks {
		switch t.State {
		case StateTentative:
			if t.HitStreak >= tr.cfg.NInit {
				t.State = StateConfirmed
			} else if t.MissStreak > 0 {
				delete(tr.tracks, id)
			}
		case StateConfirmed:
			if t.MissStreak >= tr.cfg.MaxAge {
				t.State = StateLost
			}
		case StateLost:
			if t.MissStreak >= tr.cfg.MaxAge+tr.cfg.MaxLost {
				delete(tr.tracks, id)
			} else if t.HitStreak > 0 {
				t.State = StateConfirmed
			}
		}
	}
}

func (tr *Tracker) liveTracks() []*LocalTrack {
	out := make([]*LocalTrack, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Track returns the live track for id, if any.
func (tr *Tracker) Track(id int) (*LocalTrack, bool) {
	t, ok := tr.tracks[id]
	return t, ok
}

// Count returns the total number of live tracks in any state.
func (tr *Tracker) Count() int { return len(tr.tracks) }
