package indicators

import "github.com/cryptohelm/cryptohelm/pkg/models"

// VolumeProfile histograms traded volume across price bins over the window
// and returns the point of control (bin with the most volume) plus the high
// and low bounds of the 70% value area around it.
func VolumeProfile(bars []models.Bar, bins int) (poc, vah, val float64) {
	if len(bars) == 0 || bins <= 0 {
		return 0, 0, 0
	}

	lo, _ := bars[0].Low.Float64()
	hi, _ := bars[0].High.Float64()
	for _, b := range bars[1:] {
		l, _ := b.Low.Float64()
		h, _ := b.High.Float64()
		if l < lo {
			lo = l
		}
		if h > hi {
			hi = h
		}
	}
	if hi <= lo {
		return lo, lo, lo
	}

	width := (hi - lo) / float64(bins)
	hist := make([]float64, bins)
	total := 0.0
	for _, b := range bars {
		tp := typicalPrice(b)
		vol, _ := b.Volume.Float64()
		idx := int((tp - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		hist[idx] += vol
		total += vol
	}
	if total == 0 {
		mid := (hi + lo) / 2
		return mid, mid, mid
	}

	pocIdx := 0
	for i, v := range hist {
		if v > hist[pocIdx] {
			pocIdx = i
		}
	}

	// expand from the POC bin until 70% of volume is covered
	covered := hist[pocIdx]
	loIdx, hiIdx := pocIdx, pocIdx
	for covered < 0.7*total {
		expandLo := loIdx > 0
		expandHi := hiIdx < bins-1
		if !expandLo && !expandHi {
			break
		}
		loVol, hiVol := -1.0, -1.0
		if expandLo {
			loVol = hist[loIdx-1]
		}
		if expandHi {
			hiVol = hist[hiIdx+1]
		}
		if hiVol >= loVol {
			hiIdx++
			covered += hiVol
		} else {
			loIdx--
			covered += loVol
		}
	}

	binCenter := func(i int) float64 { return lo + (float64(i)+0.5)*width }
	return binCenter(pocIdx), lo + float64(hiIdx+1)*width, lo + float64(loIdx)*width
}
