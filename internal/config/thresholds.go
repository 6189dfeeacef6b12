package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/classify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// thresholdFile is the YAML layout of the threshold band configuration:
//
//	resting_heart_rate:
//	  normal:
//	    - {low: 50, high: 100}
//	  warning:
//	    - {low: 40, high: 50}
//	    - {low: 100, high: 120}
//	  critical:
//	    - {low: 0, high: 40}
//	    - {low: 120, high: 300}
type thresholdFile map[string]map[string][]classify.Range

// LoadThresholds reads and validates the threshold band file. Overlapping
// ranges are rejected here, at load time, never at classification time.
// Hot reload callers pass the returned config to Classifier.Swap.
func LoadThresholds(path string) (*classify.BandConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threshold config: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds validates raw YAML threshold bands.
func ParseThresholds(data []byte) (*classify.BandConfig, error) {
	var file thresholdFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidThresholdConfig, err)
	}

	raw := make(map[domain.Biomarker]map[domain.Band][]classify.Range, len(file))
	for biomarker, bands := range file {
		entry := make(map[domain.Band][]classify.Range, len(bands))
		for band, ranges := range bands {
			entry[domain.Band(band)] = ranges
		}
		raw[domain.Biomarker(biomarker)] = entry
	}
	return classify.NewBandConfig(raw)
}
