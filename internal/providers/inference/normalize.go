package inference

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"fitpipe/internal/domain"
)

// MeasurementResult is the result document of measurement jobs.
type MeasurementResult struct {
	Measurements map[string]float64 `json:"measurements"`
	Unit         string             `json:"unit,omitempty"`
	MaskURL      string             `json:"mask_url,omitempty"`
	PreviewURL   string             `json:"preview_url,omitempty"`
}

// ImageResult is the result document of generation jobs.
type ImageResult struct {
	ImageURL string `json:"image_url"`
}

// AvatarResult is the result document of avatar jobs.
type AvatarResult struct {
	AvatarURL string `json:"avatar_url"`
}

func malformed(out Output, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrProviderFailure, out.Endpoint, fmt.Sprintf(format, args...))
}

// NormalizeMeasurement turns a /predict response into a name-keyed map.
func NormalizeMeasurement(out Output) (any, error) {
	if len(out.Values) == 0 {
		return nil, malformed(out, "empty response")
	}
	m, err := Measurements(out.Values[0])
	if err != nil {
		return nil, malformed(out, "%v", err)
	}
	return MeasurementResult{Measurements: m, Unit: out.Unit}, nil
}

// NormalizeAutoMask expects the mask image followed by the measurements.
func NormalizeAutoMask(out Output) (any, error) {
	if len(out.Values) < 2 {
		return nil, malformed(out, "expected mask and measurements, got %d outputs", len(out.Values))
	}
	maskURL := FileURL(out.Values[0])
	if maskURL == "" {
		return nil, malformed(out, "mask output is not a file")
	}
	m, err := Measurements(out.Values[1])
	if err != nil {
		return nil, malformed(out, "%v", err)
	}
	return MeasurementResult{Measurements: m, Unit: out.Unit, MaskURL: maskURL}, nil
}

// NormalizeVideo expects the measurements and an optional preview file.
func NormalizeVideo(out Output) (any, error) {
	if len(out.Values) == 0 {
		return nil, malformed(out, "empty response")
	}
	m, err := Measurements(out.Values[0])
	if err != nil {
		return nil, malformed(out, "%v", err)
	}
	res := MeasurementResult{Measurements: m, Unit: out.Unit}
	if len(out.Values) > 1 {
		res.PreviewURL = FileURL(out.Values[1])
	}
	return res, nil
}

// NormalizeAvatar expects a single rendered image.
func NormalizeAvatar(out Output) (any, error) {
	url := firstFileURL(out.Values)
	if url == "" {
		return nil, malformed(out, "no avatar image in response")
	}
	return AvatarResult{AvatarURL: url}, nil
}

// NormalizeImage expects a single generated image.
func NormalizeImage(out Output) (any, error) {
	url := firstFileURL(out.Values)
	if url == "" {
		return nil, malformed(out, "no image in response")
	}
	return ImageResult{ImageURL: url}, nil
}

func firstFileURL(values []any) string {
	for _, v := range values {
		if url := FileURL(v); url != "" {
			return url
		}
	}
	return ""
}

// FileURL extracts the URL of a file output. Galleries yield their first item.
func FileURL(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return s
		}
	case map[string]any:
		if u, ok := t["url"].(string); ok && u != "" {
			return u
		}
		for _, key := range []string{"image", "value", "video"} {
			if inner, ok := t[key]; ok {
				if u := FileURL(inner); u != "" {
					return u
				}
			}
		}
	case []any:
		for _, item := range t {
			if u := FileURL(item); u != "" {
				return u
			}
		}
	}
	return ""
}

// Measurements accepts the shapes the measurement space is known to return:
// a positional numeric vector labelled by MeasurementNames, a name-keyed
// object, a dataframe ({"headers", "data"}) or any of these encoded as JSON.
func Measurements(v any) (map[string]float64, error) {
	v = decodeMaybeJSON(v)
	out := make(map[string]float64)
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			if _, nested := t[0].([]any); nested {
				return rowsToMeasurements(nil, t)
			}
		}
		for i, item := range t {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("measurement %d is not numeric", i)
			}
			out[measurementName(i)] = f
		}
	case map[string]any:
		if rows, ok := t["data"].([]any); ok {
			headers, _ := t["headers"].([]any)
			return rowsToMeasurements(headers, rows)
		}
		for k, item := range t {
			if f, ok := toFloat(item); ok {
				out[normalizeKey(k)] = f
			}
		}
	default:
		return nil, fmt.Errorf("unsupported measurement output %T", v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no measurements in output")
	}
	return out, nil
}

// rowsToMeasurements reads either [name, value] rows or a single row of
// values labelled by headers.
func rowsToMeasurements(headers []any, rows []any) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, r := range rows {
		row, ok := r.([]any)
		if !ok {
			continue
		}
		if len(row) == 2 {
			if name, ok := row[0].(string); ok {
				if f, ok := toFloat(row[1]); ok {
					out[normalizeKey(name)] = f
				}
				continue
			}
		}
		for i, cell := range row {
			f, ok := toFloat(cell)
			if !ok {
				continue
			}
			name := measurementName(i)
			if i < len(headers) {
				if h, ok := headers[i].(string); ok && h != "" {
					name = normalizeKey(h)
				}
			}
			out[name] = f
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no measurements in table output")
	}
	return out, nil
}

func measurementName(i int) string {
	if i < len(MeasurementNames) {
		return MeasurementNames[i]
	}
	return "measurement_" + strconv.Itoa(i)
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return round2(t), !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return round2(f), true
	default:
		return 0, false
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
