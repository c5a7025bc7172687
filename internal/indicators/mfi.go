package indicators

import "github.com/cryptohelm/cryptohelm/pkg/models"

// MFI computes the Money Flow Index over the trailing period. A window with
// zero traded volume has no money flow, so MFI is undefined and the neutral
// midpoint 50 is returned with defined=false.
func MFI(bars []models.Bar, period int) (mfi float64, defined bool) {
	if period <= 0 || len(bars) <= period {
		return 50, false
	}
	window := bars[len(bars)-period-1:]

	var posFlow, negFlow float64
	anyVolume := false
	prevTP := typicalPrice(window[0])
	for _, b := range window[1:] {
		tp := typicalPrice(b)
		vol, _ := b.Volume.Float64()
		if vol > 0 {
			anyVolume = true
		}
		flow := tp * vol
		if tp > prevTP {
			posFlow += flow
		} else if tp < prevTP {
			negFlow += flow
		}
		prevTP = tp
	}

	if !anyVolume {
		return 50, false
	}
	if negFlow == 0 {
		return 100, true
	}
	ratio := posFlow / negFlow
	return 100 - 100/(1+ratio), true
}

func typicalPrice(b models.Bar) float64 {
	h, _ := b.High.Float64()
	l, _ := b.Low.Float64()
	c, _ := b.Close.Float64()
	return (h + l + c) / 3
}
