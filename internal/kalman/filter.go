// Package kalman implements the constant-velocity motion model used by
// the tracker to predict track positions between detections.
package kalman

import "gonum.org/v1/gonum/mat"

// stateDim is (cx, cy, aspect, height, vcx, vcy, vaspect, vheight).
const stateDim = 8
const measDim = 4

// Filter is an 8-state constant-velocity Kalman filter over a bounding
// box expressed as (center-x, center-y, aspect-ratio, height).
type Filter struct {
	x *mat.VecDense // state
	p *mat.Dense    // covariance
	f *mat.Dense    // transition
	h *mat.Dense    // measurement
	q *mat.Dense    // process noise
	r *mat.Dense    // measurement noise
}

// NewFilter constructs a filter initialised at the given measurement
// (cx, cy, aspect, height), with zero initial velocity.
func NewFilter(cx, cy, aspect, height float64) *Filter {
	x := mat.NewVecDense(stateDim, []float64{cx, cy, aspect, height, 0, 0, 0, 0})

	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < measDim; i++ {
		f.Set(i, i+measDim, 1) // position += velocity
	}

	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}

	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		v := 10.0
		if i >= measDim {
			v = 1000.0 // high uncertainty on initial velocity
		}
		p.Set(i, i, v)
	}

	q := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		v := 1.0
		if i >= measDim {
			v = 0.01
		}
		q.Set(i, i, v)
	}

	r := mat.NewDense(measDim, measDim, nil)
	for i := 0; i < measDim; i++ {
		r.Set(i, i, 1.0)
	}

	return &Filter{x: x, p: p, f: f, h: h, q: q, r: r}
}

// Predict advances the state estimate by one time step and returns the
// predicted (cx, cy, aspect, height).
func (kf *Filter) Predict() (cx, cy, aspect, height float64) {
	var xNew mat.VecDense
	xNew.MulVec(kf.f, kf.x)
	kf.x = &xNew

	var fp, pNew, ft mat.Dense
	fp.Mul(kf.f, kf.p)
	ft.CloneFrom(kf.f.T())
	pNew.Mul(&fp, &ft)
	pNew.Add(&pNew, kf.q)
	kf.p = &pNew

	return kf.x.AtVec(0), kf.x.AtVec(1), kf.x.AtVec(2), kf.x.AtVec(3)
}

// Update incorporates a new measurement (cx, cy, aspect, height).
func (kf *Filter) Update(cx, cy, aspect, height float64) {
	z := mat.NewVecDense(measDim, []float64{cx, cy, aspect, height})

	var hx mat.VecDense
	hx.MulVec(kf.h, kf.x)

	var y mat.VecDense
	y.SubVec(z, &hx)

	var hp, ht, s mat.Dense
	hp.Mul(kf.h, kf.p)
	ht.CloneFrom(kf.h.T())
	s.Mul(&hp, &ht)
	s.Add(&s, kf.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return // singular innovation covariance: skip this update
	}

	var pht, k mat.Dense
	pht.Mul(kf.p, &ht)
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, &y)

	var xNew mat.VecDense
	xNew.AddVec(kf.x, &ky)
	kf.x = &xNew

	ident := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ident.Set(i, i, 1)
	}
	var kh, imKh, pNew mat.Dense
	kh.Mul(&k, kf.h)
	imKh.Sub(ident, &kh)
	pNew.Mul(&imKh, kf.p)
	kf.p = &pNew
}

// State returns the current (cx, cy, aspect, height) estimate.
func (kf *Filter) State() (cx, cy, aspect, height float64) {
	return kf.x.AtVec(0), kf.x.AtVec(1), kf.x.AtVec(2), kf.x.AtVec(3)
}

// Velocity returns the current (vcx, vcy, vaspect, vheight) estimate.
func (kf *Filter) Velocity() (vcx, vcy, vaspect, vheight float64) {
	return kf.x.AtVec(4), kf.x.AtVec(5), kf.x.AtVec(6), kf.x.AtVec(7)
}
