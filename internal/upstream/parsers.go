package upstream

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DailyMetrics holds the NASA POWER parameters for one day. A nil field means
// the provider did not report a finite value.
type DailyMetrics struct {
	TemperatureC     *float64
	WindSpeedMs      *float64
	RelativeHumidity *float64
	PrecipitationMm  *float64
}

// nasaPowerFillValue marks days the provider has no data for.
const nasaPowerFillValue = -999

type nasaPowerPayload struct {
	Properties struct {
		Parameter map[string]map[string]json.Number `json:"parameter"`
	} `json:"properties"`
}

// ParseNASAPowerDaily extracts the metrics for date from a daily point payload.
// Missing or malformed sections yield nil metrics rather than an error; only
// a body that is not JSON is rejected.
func ParseNASAPowerDaily(payload []byte, date time.Time) (DailyMetrics, error) {
	var decoded nasaPowerPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		var generic any
		if json.Unmarshal(payload, &generic) != nil {
			return DailyMetrics{}, fmt.Errorf("upstream: decode nasa power payload: %w", err)
		}
		return DailyMetrics{}, nil
	}
	day := date.UTC().Format(compactDateLayout)
	parameters := decoded.Properties.Parameter
	return DailyMetrics{
		TemperatureC:     readMetric(parameters, "T2M", day),
		WindSpeedMs:      readMetric(parameters, "WS2M", day),
		RelativeHumidity: readMetric(parameters, "RH2M", day),
		PrecipitationMm:  readMetric(parameters, "PRECTOTCORR", day),
	}, nil
}

func readMetric(parameters map[string]map[string]json.Number, metric, day string) *float64 {
	series, ok := parameters[metric]
	if !ok {
		return nil
	}
	raw, ok := series[day]
	if !ok {
		return nil
	}
	value, err := raw.Float64()
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value == nasaPowerFillValue {
		return nil
	}
	return &value
}

// ParseWaporMosaicsetCount returns the number of catalog entries, used as a
// coarse data availability signal. Unknown shapes count as zero.
func ParseWaporMosaicsetCount(payload []byte) int {
	var decoded struct {
		Response []json.RawMessage `json:"response"`
		Items    []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return 0
	}
	if decoded.Response != nil {
		return len(decoded.Response)
	}
	return len(decoded.Items)
}
