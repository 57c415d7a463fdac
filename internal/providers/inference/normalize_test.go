package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/domain"
)

func TestMeasurementsPositional(t *testing.T) {
	m, err := Measurements([]any{91.234, 72.0, 98.5})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chest": 91.23, "waist": 72, "hip": 98.5}, m)
}

func TestMeasurementsBeyondKnownNames(t *testing.T) {
	values := make([]any, len(MeasurementNames)+1)
	for i := range values {
		values[i] = float64(i)
	}
	m, err := Measurements(values)
	require.NoError(t, err)
	assert.Contains(t, m, "measurement_15")
}

func TestMeasurementsKeyedAndJSON(t *testing.T) {
	m, err := Measurements(`{"Chest": 90, "Shoulder Width": "44.5", "label": "ok"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chest": 90, "shoulder_width": 44.5}, m)
}

func TestMeasurementsDataframe(t *testing.T) {
	m, err := Measurements(map[string]any{
		"headers": []any{"name", "value"},
		"data":    []any{[]any{"Chest", 90.0}, []any{"Waist", "71"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chest": 90, "waist": 71}, m)

	m, err = Measurements(map[string]any{
		"headers": []any{"chest", "waist", "hip"},
		"data":    []any{[]any{90.0, 70.0, 95.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chest": 90, "waist": 70, "hip": 95}, m)
}

func TestMeasurementsRejectsGarbage(t *testing.T) {
	_, err := Measurements([]any{"abc"})
	assert.Error(t, err)
	_, err = Measurements(42.0)
	assert.Error(t, err)
}

func TestNormalizeMeasurementWrapsProviderFailure(t *testing.T) {
	_, err := NormalizeMeasurement(Output{Endpoint: EndpointMeasure})
	assert.ErrorIs(t, err, domain.ErrProviderFailure)
}

func TestNormalizeAutoMask(t *testing.T) {
	res, err := NormalizeAutoMask(Output{
		Endpoint: EndpointAutoMask,
		Unit:     "cm",
		Values:   []any{map[string]any{"path": "/tmp/m.png", "url": "https://s/file=/tmp/m.png"}, []any{80.0}},
	})
	require.NoError(t, err)
	mr := res.(MeasurementResult)
	assert.Equal(t, "https://s/file=/tmp/m.png", mr.MaskURL)
	assert.Equal(t, 80.0, mr.Measurements["chest"])
}

func TestNormalizeImageFromGallery(t *testing.T) {
	res, err := NormalizeImage(Output{Values: []any{[]any{map[string]any{"image": map[string]any{"url": "https://s/a.png"}}}}})
	require.NoError(t, err)
	assert.Equal(t, ImageResult{ImageURL: "https://s/a.png"}, res)

	_, err = NormalizeAvatar(Output{Values: []any{nil}})
	assert.ErrorIs(t, err, domain.ErrProviderFailure)
}
