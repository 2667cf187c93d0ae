package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func square() Polygon {
	return Polygon{Vertices: []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}
}

func TestValidateOk(t *testing.T) {
	assert.Equal(t, ValidOk, square().Validate(640, 480))
}

func TestValidateTooFewVertices(t *testing.T) {
	p := Polygon{Vertices: []Point{{0, 0}, {1, 1}}}
	assert.Equal(t, InsufficientPoints, p.Validate(640, 480))
}

func TestValidateCoordinateOutOfRange(t *testing.T) {
	p := Polygon{Vertices: []Point{{0, 0}, {700, 0}, {700, 10}, {0, 10}}}
	assert.Equal(t, CoordinateOutOfRange, p.Validate(640, 480))
}

func TestValidateDegenerateArea(t *testing.T) {
	p := Polygon{Vertices: []Point{{0, 0}, {10, 0}, {20, 0}}}
	assert.Equal(t, AreaTooSmall, p.Validate(640, 480))
}

func TestValidateSelfIntersecting(t *testing.T) {
	// bowtie quad
	p := Polygon{Vertices: []Point{{0, 0}, {10, 10}, {10, 0}, {0, 10}}}
	assert.Equal(t, SelfIntersection, p.Validate(640, 480))
}

func TestContainsPointInside(t *testing.T) {
	assert.True(t, square().ContainsPoint(Point{5, 5}))
}

func TestContainsPointOutside(t *testing.T) {
	assert.False(t, square().ContainsPoint(Point{15, 5}))
}

func TestContainsPointOnEdge(t *testing.T) {
	assert.True(t, square().ContainsPoint(Point{0, 5}))
	assert.True(t, square().ContainsPoint(Point{10, 5}))
	assert.True(t, square().ContainsPoint(Point{5, 0}))
}

func TestContainsPointOnVertex(t *testing.T) {
	assert.True(t, square().ContainsPoint(Point{0, 0}))
}

func TestArea(t *testing.T) {
	assert.InDelta(t, 100.0, square().Area(), 1e-9)
}
