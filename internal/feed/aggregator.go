package feed

import (
	"time"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Aggregator folds ticks into in-progress bars, one per timeframe, and
// finalizes a bar only once its close boundary has elapsed. It is not
// goroutine-safe; the ingestor serializes access per symbol.
type Aggregator struct {
	symbol  string
	working map[models.Timeframe]*models.Bar
}

// NewAggregator creates a per-symbol tick aggregator for the given
// timeframes.
func NewAggregator(symbol string, timeframes []models.Timeframe) *Aggregator {
	working := make(map[models.Timeframe]*models.Bar, len(timeframes))
	for _, tf := range timeframes {
		working[tf] = nil
	}
	return &Aggregator{symbol: symbol, working: working}
}

// Apply folds one tick into every tracked timeframe and returns any bars
// finalized by the tick crossing their close boundary. Ticks older than the
// working bar's interval are ignored.
func (a *Aggregator) Apply(tick Tick) []models.Bar {
	var finalized []models.Bar
	for tf := range a.working {
		if bar := a.applyTo(tf, tick); bar != nil {
			finalized = append(finalized, *bar)
		}
	}
	return finalized
}

func (a *Aggregator) applyTo(tf models.Timeframe, tick Tick) *models.Bar {
	openTime := models.Align(tick.Time, tf)
	cur := a.working[tf]

	var done *models.Bar
	if cur != nil {
		if openTime.Before(cur.OpenTime) {
			return nil // stale tick
		}
		if openTime.After(cur.OpenTime) {
			// boundary crossed: finalize the previous working bar
			finished := *cur
			done = &finished
			cur = nil
		}
	}

	if cur == nil {
		a.working[tf] = &models.Bar{
			Symbol:    a.symbol,
			Timeframe: tf,
			OpenTime:  openTime,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Qty,
			TradesCount: 1,
		}
		return done
	}

	if tick.Price.GreaterThan(cur.High) {
		cur.High = tick.Price
	}
	if tick.Price.LessThan(cur.Low) {
		cur.Low = tick.Price
	}
	cur.Close = tick.Price
	cur.Volume = cur.Volume.Add(tick.Qty)
	cur.TradesCount++
	return done
}

// FlushElapsed finalizes any working bar whose close boundary is at or
// before now, without needing a new tick to cross it.
func (a *Aggregator) FlushElapsed(now time.Time) []models.Bar {
	var finalized []models.Bar
	for tf, cur := range a.working {
		if cur == nil {
			continue
		}
		if !cur.CloseTime().After(now) {
			finalized = append(finalized, *cur)
			a.working[tf] = nil
		}
	}
	return finalized
}
