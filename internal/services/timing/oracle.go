package timing

import (
	"context"

	"github.com/bobmcallan/ciqueue/internal/common"
)

// Oracle resolves duration estimates with the documented precedence:
// EMA value > timing file value > fallback constant. Failures degrade
// silently down the chain; each degradation is logged once.
type Oracle struct {
	durations map[string]float64
	fallback  float64
}

// NewOracle snapshots the best available timing data. Both store and file
// are optional; with neither, every unit gets the fallback.
func NewOracle(ctx context.Context, store *Store, filePath string, fallbackMS float64, logger *common.Logger) *Oracle {
	oracle := &Oracle{
		durations: make(map[string]float64),
		fallback:  fallbackMS,
	}

	var fileData map[string]float64
	if filePath != "" {
		data, err := LoadFile(filePath)
		if err != nil {
			logger.Warn().Str("path", filePath).Err(err).Msg("Timing file unavailable: degrading to fallback constant")
		} else {
			fileData = data
		}
	}
	for id, d := range fileData {
		oracle.durations[id] = d
	}

	if store != nil {
		emaData, err := store.LoadAll(ctx, 1000)
		if err != nil {
			logger.Warn().Err(err).Msg("Timing store unavailable: degrading to file/fallback")
		} else {
			// EMA wins over the file for units present in both.
			for id, d := range emaData {
				oracle.durations[id] = d
			}
		}
	}

	return oracle
}

// DurationFor implements interfaces.TimingSource.
func (o *Oracle) DurationFor(id string) (float64, bool) {
	if d, ok := o.durations[id]; ok {
		return d, true
	}
	return o.fallback, false
}

// Total sums the estimates for a set of unit IDs.
func (o *Oracle) Total(ids []string) float64 {
	var total float64
	for _, id := range ids {
		d, _ := o.DurationFor(id)
		total += d
	}
	return total
}
