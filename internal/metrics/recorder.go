// Package metrics exposes pipeline counters and gauges over a Prometheus
// registry. A nil *Recorder is safe to call, so components never need to
// guard their instrumentation.
package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder registers and updates the pipeline metric set.
type Recorder struct {
	once          sync.Once
	registry      *prom.Registry
	submissions   prom.Counter
	stageResults  *prom.CounterVec
	retries       *prom.CounterVec
	exhausted     *prom.CounterVec
	sweepReclaims prom.Counter
	aborts        prom.Counter
	activeByState *prom.GaugeVec
}

// NewRecorder constructs and registers the pipeline metrics on reg. A nil
// registry gets a private one, useful in tests.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{registry: reg}
	r.once.Do(func() {
		r.submissions = prom.NewCounter(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "submissions_total",
			Help:      "Requests accepted into the pipeline",
		})
		r.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "stage_results_total",
			Help:      "Stage attempt outcomes by stage and result",
		}, []string{"stage", "result"})
		r.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "stage_retries_total",
			Help:      "Stage retries scheduled after transient failures",
		}, []string{"stage"})
		r.exhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "stage_retries_exhausted_total",
			Help:      "Requests failed after exhausting a stage's retry budget",
		}, []string{"stage"})
		r.sweepReclaims = prom.NewCounter(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "sweep_reclaims_total",
			Help:      "Expired running leases reclaimed by the recovery sweep",
		})
		r.aborts = prom.NewCounter(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "aborts_total",
			Help:      "Requests aborted by operators",
		})
		r.activeByState = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "requests",
			Help:      "Requests currently in the ledger by lifecycle state",
		}, []string{"state"})
		reg.MustRegister(r.submissions, r.stageResults, r.retries, r.exhausted, r.sweepReclaims, r.aborts, r.activeByState)
	})
	return r
}

// Registry returns the underlying Prometheus registry for HTTP exposure.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) IncSubmission() {
	if r == nil || r.submissions == nil {
		return
	}
	r.submissions.Inc()
}

func (r *Recorder) IncStageResult(stage, result string) {
	if r == nil || r.stageResults == nil {
		return
	}
	r.stageResults.WithLabelValues(stage, result).Inc()
}

func (r *Recorder) IncRetry(stage string) {
	if r == nil || r.retries == nil {
		return
	}
	r.retries.WithLabelValues(stage).Inc()
}

func (r *Recorder) IncRetryExhausted(stage string) {
	if r == nil || r.exhausted == nil {
		return
	}
	r.exhausted.WithLabelValues(stage).Inc()
}

func (r *Recorder) IncSweepReclaim() {
	if r == nil || r.sweepReclaims == nil {
		return
	}
	r.sweepReclaims.Inc()
}

func (r *Recorder) IncAbort() {
	if r == nil || r.aborts == nil {
		return
	}
	r.aborts.Inc()
}

func (r *Recorder) SetRequestsInState(state string, n int) {
	if r == nil || r.activeByState == nil {
		return
	}
	r.activeByState.WithLabelValues(state).Set(float64(n))
}
