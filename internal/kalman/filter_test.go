package kalman

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredictAdvancesWithVelocity(t *testing.T) {
	kf := NewFilter(100, 100, 0.5, 50)
	kf.Update(101, 100, 0.5, 50)
	kf.Predict()
	kf.Update(102, 100, 0.5, 50)

	cx, _, _, _ := kf.Predict()
	assert.Greater(t, cx, 102.0)
}

func TestUpdateConvergesTowardMeasurement(t *testing.T) {
	kf := NewFilter(0, 0, 1, 10)
	for i := 0; i < 20; i++ {
		kf.Predict()
		kf.Update(50, 50, 1, 10)
	}
	cx, cy, _, _ := kf.State()
	assert.InDelta(t, 50.0, cx, 1.0)
	assert.InDelta(t, 50.0, cy, 1.0)
}

func TestVelocityEstimateTracksConstantMotion(t *testing.T) {
	kf := NewFilter(0, 0, 1, 10)
	x := 0.0
	for i := 0; i < 30; i++ {
		kf.Predict()
		x += 5
		kf.Update(x, 0, 1, 10)
	}
	vx, _, _, _ := kf.Velocity()
	assert.InDelta(t, 5.0, vx, 1.5)
}
