// Package strategy implements the queue ordering strategies: seeded random,
// timing-sorted, and suite bin-packing into chunks.
package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// New selects the configured strategy. The timing source is consulted by the
// timing and suite strategies; random ignores it.
func New(config *common.Config, source interfaces.TimingSource, logger *common.Logger) (interfaces.Strategy, error) {
	switch strings.ToLower(config.Strategy.Name) {
	case "", "random":
		return &Random{seed: config.Build.SeedValue()}, nil
	case "timing":
		return &TimingBased{source: source}, nil
	case "suite":
		return &SuiteBinPacking{source: source, config: config, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown ordering strategy %q", config.Strategy.Name)
	}
}

// Random orders units by ID then applies a seeded shuffle, so identical
// (unit list, seed) inputs produce identical queues on every worker.
type Random struct {
	seed int64
}

// Name implements interfaces.Strategy.
func (s *Random) Name() string { return "random" }

// Plan implements interfaces.Strategy.
func (s *Random) Plan(_ context.Context, units []models.Unit) (*interfaces.Plan, error) {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	sort.Strings(ids)

	rng := rand.New(rand.NewSource(s.seed))
	rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})

	return &interfaces.Plan{IDs: ids}, nil
}

// TimingBased orders units longest-first so stragglers start early.
type TimingBased struct {
	source interfaces.TimingSource
}

// Name implements interfaces.Strategy.
func (s *TimingBased) Name() string { return "timing" }

// Plan implements interfaces.Strategy.
func (s *TimingBased) Plan(_ context.Context, units []models.Unit) (*interfaces.Plan, error) {
	type timed struct {
		id       string
		duration float64
	}

	entries := make([]timed, len(units))
	for i, u := range units {
		d, _ := s.source.DurationFor(u.ID)
		entries[i] = timed{id: u.ID, duration: d}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].duration != entries[j].duration {
			return entries[i].duration > entries[j].duration
		}
		return entries[i].id < entries[j].id
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return &interfaces.Plan{IDs: ids}, nil
}
