package geometry

// GridPoint is one position of the calibration scan, in units of the
// grid constant along RA and DEC.
type GridPoint struct {
	RA  int
	Dec int
}

// Offset returns the pulse vector (seconds) that moves from the scan
// origin to this grid point.
func (g GridPoint) Offset(grid float64) Point {
	return Point{X: grid * float64(g.RA), Y: grid * float64(g.Dec)}
}

// ScanPlan lists the grid points of a calibration scan.
type ScanPlan struct {
	Grid   float64     // seconds of pulse per grid unit
	Range  int         // points span [-Range, Range] on each axis
	Points []GridPoint // scan order, origin excluded
}

// CalculateScanPlan builds the scan over [-rng, rng]² in RA-major order.
// The origin is skipped: it is measured once before the scan starts.
func CalculateScanPlan(grid float64, rng int) *ScanPlan {
	if rng < 1 {
		rng = 1
	}
	plan := &ScanPlan{Grid: grid, Range: rng}
	for ra := -rng; ra <= rng; ra++ {
		for dec := -rng; dec <= rng; dec++ {
			if ra == 0 && dec == 0 {
				continue
			}
			plan.Points = append(plan.Points, GridPoint{RA: ra, Dec: dec})
		}
	}
	return plan
}

// Progress returns the completed fraction of the scan once the point
// at index i (in Points) has been measured.
func (p *ScanPlan) Progress(i int) float64 {
	if len(p.Points) == 0 {
		return 1
	}
	return float64(i+1) / float64(len(p.Points))
}

// Samples returns the number of calibration points the scan produces:
// the initial origin measurement plus an out and a back measurement per
// grid point.
func (p *ScanPlan) Samples() int {
	return 1 + 2*len(p.Points)
}
