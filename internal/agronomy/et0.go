// Package agronomy derives field decisions from weather and vegetation signals.
package agronomy

import "math"

const (
	et0Base                = 2.5
	humidityCoefficient    = 0.02
	windCoefficient        = 0.08
	temperatureCoefficient = 0.12
	temperatureThresholdC  = 20.0

	irrigationSafetyFactor = 1.10

	defaultTemperatureC = 30.0
	defaultWindSpeedMs  = 2.0
	defaultHumidityPct  = 40.0

	measuredConfidence  = 0.72
	defaultedConfidence = 0.5

	measuredReasoning  = "simplified ET0 with 10% safety margin"
	defaultedReasoning = "simplified ET0 with 10% safety margin; missing weather parameters replaced by defaults"
)

// ET0 estimates reference evapotranspiration in millimetres per day. Only the
// temperature above 20 °C contributes.
func ET0(temperatureC, windSpeedMs, relativeHumidityPct float64) float64 {
	humidityTerm := (100 - relativeHumidityPct) * humidityCoefficient
	windTerm := windSpeedMs * windCoefficient
	temperatureTerm := math.Max(0, temperatureC-temperatureThresholdC) * temperatureCoefficient
	return Round(et0Base+humidityTerm+windTerm+temperatureTerm, 2)
}

// RecommendedIrrigation applies the fixed safety margin to et0.
func RecommendedIrrigation(et0 float64) float64 {
	return Round(et0*irrigationSafetyFactor, 2)
}

// Reading is a daily weather observation. Nil values were not reported.
type Reading struct {
	TemperatureC     *float64
	WindSpeedMs      *float64
	RelativeHumidity *float64
}

// Recommendation is the irrigation decision for one field and day.
type Recommendation struct {
	ET0Mm         float64
	RecommendedMm float64
	Confidence    float64
	Reasoning     string
	Defaulted     bool
}

// Recommend derives the irrigation recommendation for reading. Missing
// parameters fall back to conservative defaults and lower the confidence.
func Recommend(reading Reading) Recommendation {
	temperature, temperatureDefaulted := valueOr(reading.TemperatureC, defaultTemperatureC)
	wind, windDefaulted := valueOr(reading.WindSpeedMs, defaultWindSpeedMs)
	humidity, humidityDefaulted := valueOr(reading.RelativeHumidity, defaultHumidityPct)
	defaulted := temperatureDefaulted || windDefaulted || humidityDefaulted

	et0 := ET0(temperature, wind, humidity)
	recommendation := Recommendation{
		ET0Mm:         et0,
		RecommendedMm: RecommendedIrrigation(et0),
		Confidence:    measuredConfidence,
		Reasoning:     measuredReasoning,
		Defaulted:     defaulted,
	}
	if defaulted {
		recommendation.Confidence = defaultedConfidence
		recommendation.Reasoning = defaultedReasoning
	}
	return recommendation
}

// Round rounds half away from zero to the given number of decimals.
func Round(value float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(value*scale) / scale
}

func valueOr(value *float64, fallback float64) (float64, bool) {
	if value == nil {
		return fallback, true
	}
	return *value, false
}
