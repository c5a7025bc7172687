package patterns

import (
	"time"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// pivot is a local extreme in the bar series.
type pivot struct {
	idx   int
	price float64
	high  bool
	at    time.Time
}

// findPivots locates local highs and lows: bar i is a pivot high when its
// high strictly exceeds the highs of the lookaround bars on both sides,
// symmetrically for lows. The last lookaround bars can never confirm.
func findPivots(bars []models.Bar, lookaround int) []pivot {
	if lookaround < 1 || len(bars) < 2*lookaround+1 {
		return nil
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
	}

	var pivots []pivot
	for i := lookaround; i < len(bars)-lookaround; i++ {
		isHigh, isLow := true, true
		for j := i - lookaround; j <= i+lookaround; j++ {
			if j == i {
				continue
			}
			if highs[j] >= highs[i] {
				isHigh = false
			}
			if lows[j] <= lows[i] {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			pivots = append(pivots, pivot{idx: i, price: highs[i], high: true, at: bars[i].OpenTime})
		}
		if isLow {
			pivots = append(pivots, pivot{idx: i, price: lows[i], high: false, at: bars[i].OpenTime})
		}
	}
	return pivots
}

func pivotHighs(pivots []pivot) []pivot {
	var out []pivot
	for _, p := range pivots {
		if p.high {
			out = append(out, p)
		}
	}
	return out
}

func pivotLows(pivots []pivot) []pivot {
	var out []pivot
	for _, p := range pivots {
		if !p.high {
			out = append(out, p)
		}
	}
	return out
}

// withinTolerance reports whether two prices agree within the given
// fractional band of their mean.
func withinTolerance(a, b, tolerance float64) bool {
	mid := (a + b) / 2
	if mid == 0 {
		return a == b
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/mid <= tolerance
}
