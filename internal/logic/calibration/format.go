package calibration

import (
	"fmt"
	"strconv"
	"strings"
)

// String formats the coefficients as [a0,a1,a2;a3,a4,a5].
func (c *Calibration) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return "[" + f(c.A[0]) + "," + f(c.A[1]) + "," + f(c.A[2]) + ";" +
		f(c.A[3]) + "," + f(c.A[4]) + "," + f(c.A[5]) + "]"
}

// Parse reads coefficients in the form produced by String.
func Parse(s string) ([6]float64, error) {
	var a [6]float64
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return a, fmt.Errorf("calibration %q: missing brackets", s)
	}
	rows := strings.Split(s[1:len(s)-1], ";")
	if len(rows) != 2 {
		return a, fmt.Errorf("calibration %q: want 2 rows, got %d", s, len(rows))
	}
	for r, row := range rows {
		cols := strings.Split(row, ",")
		if len(cols) != 3 {
			return a, fmt.Errorf("calibration %q: row %d has %d values", s, r, len(cols))
		}
		for i, v := range cols {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return a, fmt.Errorf("calibration %q: %w", s, err)
			}
			a[3*r+i] = f
		}
	}
	return a, nil
}
