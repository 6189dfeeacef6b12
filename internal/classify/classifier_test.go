package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

func restingHRBands(t *testing.T) *BandConfig {
	t.Helper()
	cfg, err := NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.BandNormal:   {{Low: 60, High: 100}},
			domain.BandWarning:  {{Low: 50, High: 60}, {Low: 100, High: 120}},
			domain.BandCritical: {{Low: 0, High: 50}, {Low: 120, High: 300}},
		},
	})
	require.NoError(t, err)
	return cfg
}

func TestClassifyBands(t *testing.T) {
	c := NewClassifier(restingHRBands(t))

	cases := []struct {
		value float64
		want  domain.Band
	}{
		{value: 72, want: domain.BandNormal},
		{value: 60, want: domain.BandNormal},   // boundary belongs to the higher range
		{value: 59.9, want: domain.BandWarning},
		{value: 100, want: domain.BandWarning}, // [low, high) excludes 100 from normal
		{value: 130, want: domain.BandCritical},
		{value: 45, want: domain.BandCritical},
		{value: 500, want: domain.BandUnclassified},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.Classify(domain.BiomarkerRestingHR, tc.value), "value %g", tc.value)
	}
}

func TestClassifyUnknownBiomarkerIsUnclassified(t *testing.T) {
	c := NewClassifier(restingHRBands(t))
	require.Equal(t, domain.BandUnclassified, c.Classify(domain.BiomarkerRMSSD, 30))
}

func TestNewBandConfigRejectsOverlap(t *testing.T) {
	_, err := NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.BandNormal:  {{Low: 60, High: 100}},
			domain.BandWarning: {{Low: 90, High: 120}},
		},
	})
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)
}

func TestNewBandConfigRejectsOverlapWithinBand(t *testing.T) {
	_, err := NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.BandWarning: {{Low: 50, High: 70}, {Low: 60, High: 80}},
		},
	})
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)
}

func TestNewBandConfigRejectsEmptyRangeAndUnknownBand(t *testing.T) {
	_, err := NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.BandNormal: {{Low: 100, High: 100}},
		},
	})
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)

	_, err = NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.Band("panic"): {{Low: 0, High: 10}},
		},
	})
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)
}

func TestSwapReplacesConfigAtomically(t *testing.T) {
	c := NewClassifier(restingHRBands(t))
	require.Equal(t, domain.BandNormal, c.Classify(domain.BiomarkerRestingHR, 72))

	tightened, err := NewBandConfig(map[domain.Biomarker]map[domain.Band][]Range{
		domain.BiomarkerRestingHR: {
			domain.BandNormal:  {{Low: 60, High: 70}},
			domain.BandWarning: {{Low: 70, High: 120}},
		},
	})
	require.NoError(t, err)

	c.Swap(tightened)
	require.Equal(t, domain.BandWarning, c.Classify(domain.BiomarkerRestingHR, 72))
}
