package quality

// Thresholds. Values between a Good ceiling and a Warning floor are
// classified Warning.
const (
	TurbidityDanger = 20.0 // NTU, inclusive
	TurbidityGood   = 5.0  // NTU, inclusive

	TDSDanger = 1000.0 // ppm, inclusive
	TDSGood   = 300.0  // ppm, inclusive

	PHDangerLow  = 5.0 // exclusive
	PHDangerHigh = 10.0
	PHGoodLow    = 6.5 // inclusive
	PHGoodHigh   = 8.5

	TempDangerLow  = 5.0 // °C, exclusive
	TempDangerHigh = 40.0
	TempGoodLow    = 15.0 // inclusive
	TempGoodHigh   = 30.0
)

// Aggregate cut-offs in percent, inclusive.
const (
	ExcellentFrom = 75.0
	GoodFrom      = 50.0
)

// Evaluate classifies a reading. It fails only when a metric is absent.
func Evaluate(r Reading) (Verdict, error) {
	if missing := r.Missing(); len(missing) > 0 {
		return Verdict{}, &IncompleteError{Missing: missing}
	}

	turbidity, _ := r.Value(MetricTurbidity)
	tds, _ := r.Value(MetricTDS)
	ph, _ := r.Value(MetricPH)
	temp, _ := r.Value(MetricTemperature)

	v := Verdict{
		Turbidity:   ClassifyTurbidity(turbidity),
		TDS:         ClassifyTDS(tds),
		PH:          ClassifyPH(ph),
		Temperature: ClassifyTemperature(temp),
	}

	var sum float64
	for _, m := range Metrics {
		t := v.Tier(m)
		sum += t.Score()
		if t == TierDanger {
			v.Danger = append(v.Danger, m)
		}
	}
	v.Score = sum / float64(len(Metrics)) * 100
	v.Status = Aggregate(v.Score)
	return v, nil
}

// Aggregate maps a percentage score to a Status.
func Aggregate(percent float64) Status {
	switch {
	case percent >= ExcellentFrom:
		return StatusExcellent
	case percent >= GoodFrom:
		return StatusGood
	default:
		return StatusPoor
	}
}

// ClassifyTurbidity uses one-sided banding.
func ClassifyTurbidity(ntu float64) Tier {
	switch {
	case ntu >= TurbidityDanger:
		return TierDanger
	case ntu <= TurbidityGood:
		return TierGood
	default:
		return TierWarning
	}
}

// ClassifyTDS uses one-sided banding.
func ClassifyTDS(ppm float64) Tier {
	switch {
	case ppm >= TDSDanger:
		return TierDanger
	case ppm <= TDSGood:
		return TierGood
	default:
		return TierWarning
	}
}

// ClassifyPH uses two-sided banding.
func ClassifyPH(ph float64) Tier {
	switch {
	case ph < PHDangerLow || ph > PHDangerHigh:
		return TierDanger
	case ph >= PHGoodLow && ph <= PHGoodHigh:
		return TierGood
	default:
		return TierWarning
	}
}

// ClassifyTemperature uses two-sided banding.
func ClassifyTemperature(celsius float64) Tier {
	switch {
	case celsius < TempDangerLow || celsius >= TempDangerHigh:
		return TierDanger
	case celsius >= TempGoodLow && celsius <= TempGoodHigh:
		return TierGood
	default:
		return TierWarning
	}
}
