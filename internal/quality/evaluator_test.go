package quality

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func f(v float64) *float64 { return &v }

func reading(turbidity, tds, ph, temp float64) Reading {
	return Reading{Turbidity: f(turbidity), TDS: f(tds), PH: f(ph), Temperature: f(temp)}
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		classify func(float64) Tier
		value    float64
		want     Tier
	}{
		{"turbidity 5", ClassifyTurbidity, 5, TierGood},
		{"turbidity 7 gap", ClassifyTurbidity, 7, TierWarning},
		{"turbidity 10", ClassifyTurbidity, 10, TierWarning},
		{"turbidity 19.99", ClassifyTurbidity, 19.99, TierWarning},
		{"turbidity 20", ClassifyTurbidity, 20, TierDanger},
		{"turbidity negative", ClassifyTurbidity, -1, TierGood},
		{"tds 300", ClassifyTDS, 300, TierGood},
		{"tds 400 gap", ClassifyTDS, 400, TierWarning},
		{"tds 500", ClassifyTDS, 500, TierWarning},
		{"tds 1000", ClassifyTDS, 1000, TierDanger},
		{"ph 6.5", ClassifyPH, 6.5, TierGood},
		{"ph 8.5", ClassifyPH, 8.5, TierGood},
		{"ph 6.49", ClassifyPH, 6.49, TierWarning},
		{"ph 8.51", ClassifyPH, 8.51, TierWarning},
		{"ph 5.5", ClassifyPH, 5.5, TierWarning},
		{"ph 9.5", ClassifyPH, 9.5, TierWarning},
		{"ph 5.0", ClassifyPH, 5.0, TierWarning},
		{"ph 4.99", ClassifyPH, 4.99, TierDanger},
		{"ph 10.01", ClassifyPH, 10.01, TierDanger},
		{"temperature 15", ClassifyTemperature, 15, TierGood},
		{"temperature 30", ClassifyTemperature, 30, TierGood},
		{"temperature 32 gap", ClassifyTemperature, 32, TierWarning},
		{"temperature 35", ClassifyTemperature, 35, TierWarning},
		{"temperature 12", ClassifyTemperature, 12, TierWarning},
		{"temperature 40", ClassifyTemperature, 40, TierDanger},
		{"temperature 5", ClassifyTemperature, 5, TierWarning},
		{"temperature 4.99", ClassifyTemperature, 4.99, TierDanger},
		{"temperature -3", ClassifyTemperature, -3, TierDanger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.classify(tt.value); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluateAggregateBoundaryExcellent(t *testing.T) {
	v, err := Evaluate(reading(3, 250, 7.0, 50))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Temperature != TierDanger {
		t.Errorf("temperature: got %s, want danger", v.Temperature)
	}
	if v.Score != 75 {
		t.Errorf("score: got %v, want 75", v.Score)
	}
	if v.Status != StatusExcellent {
		t.Errorf("status: got %s, want excellent", v.Status)
	}
	if !reflect.DeepEqual(v.Danger, []Metric{MetricTemperature}) {
		t.Errorf("danger list: got %v", v.Danger)
	}
}

func TestEvaluateAggregateTiers(t *testing.T) {
	tests := []struct {
		name       string
		r          Reading
		wantScore  float64
		wantStatus Status
	}{
		{"all good", reading(1, 100, 7, 20), 100, StatusExcellent},
		{"one warning", reading(12, 100, 7, 20), 87.5, StatusExcellent},
		{"two warnings", reading(12, 600, 7, 20), 75, StatusExcellent},
		{"one danger one warning", reading(25, 600, 7, 20), 62.5, StatusGood},
		{"two dangers", reading(25, 1500, 7, 20), 50, StatusGood},
		{"all warning", reading(12, 600, 6, 33), 50, StatusGood},
		{"two dangers one warning", reading(25, 1500, 6, 20), 37.5, StatusPoor},
		{"all danger", reading(25, 1500, 2, 45), 0, StatusPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Evaluate(tt.r)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if v.Score != tt.wantScore {
				t.Errorf("score: got %v, want %v", v.Score, tt.wantScore)
			}
			if v.Status != tt.wantStatus {
				t.Errorf("status: got %s, want %s", v.Status, tt.wantStatus)
			}
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	inputs := []Reading{
		reading(0, 0, 0, 0),
		reading(7.3, 412, 6.2, 33.3),
		reading(1e9, -1e9, 14, -273),
		reading(math.Inf(1), math.Inf(-1), 7, 20),
	}
	for _, r := range inputs {
		first, err := Evaluate(r)
		if err != nil {
			t.Fatalf("Evaluate(%+v): %v", r, err)
		}
		for i := 0; i < 10; i++ {
			again, _ := Evaluate(r)
			if !reflect.DeepEqual(first, again) {
				t.Fatalf("non-deterministic verdict: %+v vs %+v", first, again)
			}
		}
	}
}

func TestEvaluateMissingMetrics(t *testing.T) {
	r := Reading{Turbidity: f(3), TDS: f(200)}

	_, err := Evaluate(r)
	if !errors.Is(err, ErrEvaluationIncomplete) {
		t.Fatalf("expected ErrEvaluationIncomplete, got %v", err)
	}
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("expected *IncompleteError, got %T", err)
	}
	want := []Metric{MetricPH, MetricTemperature}
	if !reflect.DeepEqual(inc.Missing, want) {
		t.Errorf("missing: got %v, want %v", inc.Missing, want)
	}
	if inc.Error() != "evaluation incomplete: missing ph, temperature" {
		t.Errorf("message: %q", inc.Error())
	}
}

func TestEvaluateNaNIsMissing(t *testing.T) {
	r := reading(3, 200, math.NaN(), 20)
	_, err := Evaluate(r)
	var inc *IncompleteError
	if !errors.As(err, &inc) || len(inc.Missing) != 1 || inc.Missing[0] != MetricPH {
		t.Fatalf("expected ph missing, got %v", err)
	}
}

func TestReadingComplete(t *testing.T) {
	if !reading(1, 2, 7, 20).Complete() {
		t.Error("expected complete")
	}
	if (Reading{Turbidity: f(1)}).Complete() {
		t.Error("expected incomplete")
	}
}

func TestTierScore(t *testing.T) {
	if TierGood.Score() != 1 || TierWarning.Score() != 0.5 || TierDanger.Score() != 0 {
		t.Error("unexpected tier scores")
	}
}
