package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Unknowns of the least squares system, in column order.
const (
	colRAx = iota
	colDECx
	colDriftX
	colRAy
	colDECy
	colDriftY
	colOriginX
	colOriginY
	unknowns
)

// rcond discards singular values below this fraction of the largest one.
// Columns without information, such as the drift of a scan measured at a
// single instant, then solve to zero instead of blowing up.
const rcond = 1e-10

// Calibrate fits the model to the points. Each point contributes one
// row for x and one for y:
//
//	star.x = a0·off.x + a1·off.y + a2·t + ox
//	star.y = a3·off.x + a4·off.y + a5·t + oy
//
// The system is solved in the minimum norm least squares sense. On
// success A is filled in and the calibration is complete; origin and
// residual are kept for inspection only.
func (c *Calibration) Calibrate() error {
	if len(c.Points) < 3 {
		return fault.New(fault.DegenerateCalibration,
			"%d points, at least 3 required", len(c.Points))
	}

	rows := 2 * len(c.Points)
	m := mat.NewDense(rows, unknowns, nil)
	b := mat.NewVecDense(rows, nil)
	for i, p := range c.Points {
		rx, ry := 2*i, 2*i+1
		m.Set(rx, colRAx, p.Offset.X)
		m.Set(rx, colDECx, p.Offset.Y)
		m.Set(rx, colDriftX, p.T)
		m.Set(rx, colOriginX, 1)
		b.SetVec(rx, p.Star.X)

		m.Set(ry, colRAy, p.Offset.X)
		m.Set(ry, colDECy, p.Offset.Y)
		m.Set(ry, colDriftY, p.T)
		m.Set(ry, colOriginY, 1)
		b.SetVec(ry, p.Star.Y)
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return fault.New(fault.DegenerateCalibration, "singular value decomposition failed")
	}
	rank := svd.Rank(rcond)
	if rank < 1 {
		return fault.New(fault.DegenerateCalibration, "system has rank 0")
	}
	x := mat.NewVecDense(unknowns, nil)
	svd.SolveVecTo(x, b, rank)

	var a [6]float64
	for i := range a {
		a[i] = x.AtVec(i)
	}
	det := a[0]*a[4] - a[1]*a[3]
	if math.Abs(det) <= detEpsilon || math.IsNaN(det) {
		return fault.New(fault.DegenerateCalibration,
			"control axes are parallel (det %g)", det)
	}

	var r mat.VecDense
	r.MulVec(m, x)
	r.SubVec(&r, b)

	c.A = a
	c.Origin = geometry.Point{X: x.AtVec(colOriginX), Y: x.AtVec(colOriginY)}
	c.Residual = mat.Norm(&r, 2)
	c.Complete = true

	debug.Verbose("calibration fit: %d points, rank %d, origin %v, residual %.4f",
		len(c.Points), rank, c.Origin, c.Residual)
	debug.Calibration(c.String(), c.Quality())
	return nil
}
