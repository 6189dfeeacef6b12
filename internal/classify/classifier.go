// Package classify maps biomarker values onto configured risk bands.
package classify

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// Range is an inclusive-low, exclusive-high interval.
type Range struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Contains reports whether v falls inside [Low, High).
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v < r.High
}

// BandRanges associates one named band with its ranges.
type BandRanges struct {
	Band   domain.Band
	Ranges []Range
}

// BandConfig holds the validated band layout for every biomarker type.
// It is immutable once built; hot reload swaps in a whole new config.
type BandConfig struct {
	bands map[domain.Biomarker][]BandRanges
}

// knownBands is the closed set of configurable band names.
var knownBands = map[domain.Band]bool{
	domain.BandNormal:   true,
	domain.BandWarning:  true,
	domain.BandCritical: true,
}

// NewBandConfig validates raw band definitions. Overlapping ranges within a
// biomarker type are rejected with domain.ErrInvalidThresholdConfig so that
// classification can never be ambiguous at runtime. Ranges need not cover
// the whole numeric domain; uncovered values classify as unclassified.
func NewBandConfig(raw map[domain.Biomarker]map[domain.Band][]Range) (*BandConfig, error) {
	cfg := &BandConfig{bands: make(map[domain.Biomarker][]BandRanges, len(raw))}

	for biomarker, bands := range raw {
		type flatRange struct {
			band domain.Band
			r    Range
		}
		flat := make([]flatRange, 0)

		ordered := make([]BandRanges, 0, len(bands))
		for band, ranges := range bands {
			if !knownBands[band] {
				return nil, fmt.Errorf("%w: unknown band %q for %s", domain.ErrInvalidThresholdConfig, band, biomarker)
			}
			for _, r := range ranges {
				if r.Low >= r.High {
					return nil, fmt.Errorf("%w: empty range [%g, %g) in %s/%s", domain.ErrInvalidThresholdConfig, r.Low, r.High, biomarker, band)
				}
				flat = append(flat, flatRange{band: band, r: r})
			}
			ordered = append(ordered, BandRanges{Band: band, Ranges: ranges})
		}

		sort.Slice(flat, func(i, j int) bool { return flat[i].r.Low < flat[j].r.Low })
		for i := 1; i < len(flat); i++ {
			if flat[i].r.Low < flat[i-1].r.High {
				return nil, fmt.Errorf("%w: %s ranges %s[%g, %g) and %s[%g, %g) overlap",
					domain.ErrInvalidThresholdConfig, biomarker,
					flat[i-1].band, flat[i-1].r.Low, flat[i-1].r.High,
					flat[i].band, flat[i].r.Low, flat[i].r.High)
			}
		}

		// Evaluate highest severity first so behaviour is stable regardless
		// of map iteration order.
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].Band.Severity() > ordered[j].Band.Severity()
		})
		cfg.bands[biomarker] = ordered
	}

	return cfg, nil
}

// Classifier evaluates values against the currently loaded band config.
type Classifier struct {
	current atomic.Pointer[BandConfig]
}

// NewClassifier constructs a classifier with an initial validated config.
func NewClassifier(cfg *BandConfig) *Classifier {
	c := &Classifier{}
	c.current.Store(cfg)
	return c
}

// Swap atomically replaces the band config. The new config must already be
// validated via NewBandConfig; in-place mutation is never performed.
func (c *Classifier) Swap(cfg *BandConfig) {
	c.current.Store(cfg)
}

// Classify returns the band whose range contains the value, or
// domain.BandUnclassified when no range matches.
func (c *Classifier) Classify(biomarker domain.Biomarker, value float64) domain.Band {
	cfg := c.current.Load()
	for _, bandRanges := range cfg.bands[biomarker] {
		for _, r := range bandRanges.Ranges {
			if r.Contains(value) {
				return bandRanges.Band
			}
		}
	}
	return domain.BandUnclassified
}
