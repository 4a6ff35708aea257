package agronomy

import "math"

// AlertType names a derived threshold crossing.
type AlertType string

const (
	AlertHeat     AlertType = "heat"
	AlertNDVIDrop AlertType = "ndvi_drop"
)

const (
	heatThresholdC = 38.0
	heatSeverity   = 4

	ndviWindow       = 4
	ndviDropMargin   = 0.08
	ndviDropSeverity = 3
)

// Signal is an alert decision before it is bound to a field and date.
type Signal struct {
	Type     AlertType
	Severity int
	Message  string
}

// NDVIWindow is the number of trailing observations in the rolling baseline.
func NDVIWindow() int {
	return ndviWindow
}

// DetectHeat flags temperatures above 38 °C.
func DetectHeat(temperatureC float64) (Signal, bool) {
	if temperatureC <= heatThresholdC {
		return Signal{}, false
	}
	return Signal{
		Type:     AlertHeat,
		Severity: heatSeverity,
		Message:  "heat wave warning: monitor soil moisture closely",
	}, true
}

// RollingBaseline averages up to the four most recent observations. trailing
// must be ordered by date descending.
func RollingBaseline(trailing []float64) float64 {
	if len(trailing) > ndviWindow {
		trailing = trailing[:ndviWindow]
	}
	if len(trailing) == 0 {
		return 0
	}
	sum := 0.0
	for _, value := range trailing {
		sum += value
	}
	return sum / float64(len(trailing))
}

// DetectNDVIDrop flags a current value more than 0.08 below a positive
// rolling baseline of the trailing observations.
func DetectNDVIDrop(trailing []float64, current float64) (Signal, bool) {
	baseline := RollingBaseline(trailing)
	if baseline <= 0 || current >= baseline-ndviDropMargin {
		return Signal{}, false
	}
	return Signal{
		Type:     AlertNDVIDrop,
		Severity: ndviDropSeverity,
		Message:  "notable NDVI drop compared to the rolling average",
	}, true
}

// MeanNDVI averages finite samples, clamps to [0, 1] and rounds to three
// decimals. ok is false when no finite sample exists.
func MeanNDVI(samples []float32) (float64, bool) {
	sum := 0.0
	count := 0
	for _, sample := range samples {
		value := float64(sample)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		sum += value
		count++
	}
	if count == 0 {
		return 0, false
	}
	mean := math.Max(0, math.Min(1, sum/float64(count)))
	return Round(mean, 3), true
}
