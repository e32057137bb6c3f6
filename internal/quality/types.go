// Package quality classifies water-quality readings.
// This package has NO I/O and no hidden state: the same reading always
// yields the same verdict.
package quality

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Tier is the classification of a single metric.
type Tier string

const (
	TierGood    Tier = "good"
	TierWarning Tier = "warning"
	TierDanger  Tier = "danger"
)

// Score is the tier's contribution to the aggregate.
func (t Tier) Score() float64 {
	switch t {
	case TierGood:
		return 1.0
	case TierWarning:
		return 0.5
	default:
		return 0
	}
}

// Status is the aggregate classification across all metrics.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusPoor      Status = "poor"
)

// Metric names a sensor metric.
type Metric string

const (
	MetricTurbidity   Metric = "turbidity"
	MetricTDS         Metric = "tds"
	MetricPH          Metric = "ph"
	MetricTemperature Metric = "temperature"
)

// Metrics lists every metric in evaluation order.
var Metrics = []Metric{MetricTurbidity, MetricTDS, MetricPH, MetricTemperature}

// Reading is one immutable sensor row. A nil or NaN field is absent.
type Reading struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Turbidity   *float64  `json:"turbidity"`
	TDS         *float64  `json:"tds"`
	PH          *float64  `json:"ph"`
	Temperature *float64  `json:"temperature"`
}

// Value returns the metric value and whether it is present.
func (r Reading) Value(m Metric) (float64, bool) {
	var v *float64
	switch m {
	case MetricTurbidity:
		v = r.Turbidity
	case MetricTDS:
		v = r.TDS
	case MetricPH:
		v = r.PH
	case MetricTemperature:
		v = r.Temperature
	}
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return *v, true
}

// Missing lists the metrics absent from the reading.
func (r Reading) Missing() []Metric {
	var out []Metric
	for _, m := range Metrics {
		if _, ok := r.Value(m); !ok {
			out = append(out, m)
		}
	}
	return out
}

// Complete reports whether every metric is present.
func (r Reading) Complete() bool {
	return len(r.Missing()) == 0
}

// Verdict is the classification of one reading. Never persisted.
type Verdict struct {
	Turbidity   Tier     `json:"turbidity"`
	TDS         Tier     `json:"tds"`
	PH          Tier     `json:"ph"`
	Temperature Tier     `json:"temperature"`
	Score       float64  `json:"score_percent"`
	Status      Status   `json:"status"`
	Danger      []Metric `json:"danger,omitempty"`
}

// Tier returns the tier assigned to m.
func (v Verdict) Tier(m Metric) Tier {
	switch m {
	case MetricTurbidity:
		return v.Turbidity
	case MetricTDS:
		return v.TDS
	case MetricPH:
		return v.PH
	case MetricTemperature:
		return v.Temperature
	}
	return ""
}

// ErrEvaluationIncomplete matches any IncompleteError.
var ErrEvaluationIncomplete = errors.New("evaluation incomplete")

// IncompleteError reports which metrics were absent.
type IncompleteError struct {
	Missing []Metric
}

func (e *IncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = string(m)
	}
	return fmt.Sprintf("evaluation incomplete: missing %s", strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrEvaluationIncomplete) succeed.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrEvaluationIncomplete
}
