package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/classify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

const validThresholds = `
resting_heart_rate:
  normal:
    - {low: 60, high: 100}
  warning:
    - {low: 50, high: 60}
    - {low: 100, high: 120}
  critical:
    - {low: 0, high: 50}
    - {low: 120, high: 300}
`

func TestParseThresholds(t *testing.T) {
	bands, err := ParseThresholds([]byte(validThresholds))
	require.NoError(t, err)

	classifier := classify.NewClassifier(bands)
	require.Equal(t, domain.BandNormal, classifier.Classify(domain.BiomarkerRestingHR, 72))
	require.Equal(t, domain.BandCritical, classifier.Classify(domain.BiomarkerRestingHR, 130))
	require.Equal(t, domain.BandUnclassified, classifier.Classify(domain.BiomarkerRestingHR, 400))
}

func TestParseThresholdsRejectsOverlap(t *testing.T) {
	overlapping := `
resting_heart_rate:
  normal:
    - {low: 60, high: 100}
  warning:
    - {low: 90, high: 120}
`
	_, err := ParseThresholds([]byte(overlapping))
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)
}

func TestParseThresholdsRejectsBadYAML(t *testing.T) {
	_, err := ParseThresholds([]byte("resting_heart_rate: ["))
	require.ErrorIs(t, err, domain.ErrInvalidThresholdConfig)
}

func TestLoadThresholdsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validThresholds), 0o600))

	bands, err := LoadThresholds(path)
	require.NoError(t, err)
	require.NotNil(t, bands)

	_, err = LoadThresholds(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
