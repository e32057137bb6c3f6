package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/water-sensor/internal/alert"
	"github.com/sweeney/water-sensor/internal/ingest"
	"github.com/sweeney/water-sensor/internal/metrics"
	"github.com/sweeney/water-sensor/internal/mqtt"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/status"
)

// Evaluation outcomes, used as the metrics result label.
const (
	evalOK         = "ok"
	evalUnchanged  = "unchanged"
	evalEmpty      = "empty"
	evalIncomplete = "incomplete"
	evalError      = "error"
)

// defaultBacklog bounds how many unevaluated readings one run picks up.
const defaultBacklog = 100

// evaluator classifies every new reading in arrival order and fans each
// verdict out to the tracker, MQTT, alerts and metrics. It runs when a
// reading is accepted and on the cron schedule.
type evaluator struct {
	gate      *ingest.Gate
	tracker   *status.Tracker
	publisher mqtt.Publisher
	alerter   *alert.Alerter
	metrics   *metrics.Metrics
	now       func() time.Time
	backlog   int

	mu     sync.Mutex
	lastID int64
	kick   chan struct{}
}

// notify asks the loop for a run. Bursts coalesce into one run, which
// still walks every reading that arrived.
func (e *evaluator) notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// loop runs an evaluation after every notify until ctx is cancelled.
func (e *evaluator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			if _, err := e.run(ctx); err != nil {
				log.Printf("evaluation failed: %v", err)
			}
		}
	}
}

// run evaluates every reading newer than the last one evaluated, oldest
// first, and returns the outcome of the newest. With nothing new, the
// latest reading is fed to the alerter again so a deferred or failed alert
// gets retried.
func (e *evaluator) run(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := e.backlog
	if limit <= 0 {
		limit = defaultBacklog
	}
	rows, err := e.gate.Recent(ctx, limit)
	if err != nil {
		e.metrics.Evaluation(evalError)
		return evalError, fmt.Errorf("evaluate: %w", err)
	}
	if len(rows) == 0 {
		e.metrics.Evaluation(evalEmpty)
		return evalEmpty, nil
	}

	var fresh []quality.Reading
	for _, r := range rows {
		if r.ID > e.lastID {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return e.revisit(ctx, rows[0])
	}
	if len(fresh) == limit && e.lastID != 0 {
		log.Printf("evaluate: backlog of %d readings reached, older readings skipped", limit)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	var result string
	for _, r := range fresh {
		result, err = e.evaluate(ctx, r)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// evaluate classifies one new reading. Caller holds e.mu.
func (e *evaluator) evaluate(ctx context.Context, r quality.Reading) (string, error) {
	e.lastID = r.ID

	v, err := quality.Evaluate(r)
	if errors.Is(err, quality.ErrEvaluationIncomplete) {
		e.metrics.Evaluation(evalIncomplete)
		log.Printf("evaluate: reading %d skipped: %v", r.ID, err)
		return evalIncomplete, nil
	}
	if err != nil {
		e.metrics.Evaluation(evalError)
		return evalError, fmt.Errorf("evaluate reading %d: %w", r.ID, err)
	}

	at := e.now()
	e.tracker.SetVerdict(r, v, at)
	e.metrics.Verdict(v)
	e.metrics.Evaluation(evalOK)
	log.Printf("evaluate: reading %d -> %s (%.0f%%)", r.ID, v.Status, v.Score)
	if err := e.publisher.PublishQuality(mqtt.QualityEvent{Timestamp: at, Reading: r, Verdict: v}); err != nil {
		log.Printf("evaluate: publish quality: %v", err)
	}
	if _, err := e.alerter.Observe(ctx, r, v); err != nil {
		log.Printf("evaluate: %v", err)
	}
	return evalOK, nil
}

// revisit re-runs the alerter on an already published reading.
// Caller holds e.mu.
func (e *evaluator) revisit(ctx context.Context, r quality.Reading) (string, error) {
	v, err := quality.Evaluate(r)
	if errors.Is(err, quality.ErrEvaluationIncomplete) {
		e.metrics.Evaluation(evalIncomplete)
		return evalIncomplete, nil
	}
	if err != nil {
		e.metrics.Evaluation(evalError)
		return evalError, fmt.Errorf("evaluate reading %d: %w", r.ID, err)
	}
	e.metrics.Evaluation(evalUnchanged)
	if _, err := e.alerter.Observe(ctx, r, v); err != nil {
		log.Printf("evaluate: %v", err)
	}
	return evalUnchanged, nil
}

// alertCounters fans delivered alerts out to several recorders.
type alertCounters []alert.Recorder

func (a alertCounters) AlertSent() {
	for _, r := range a {
		r.AlertSent()
	}
}
