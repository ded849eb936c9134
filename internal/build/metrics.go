package build

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results.
const (
	ResultSuccess      = "success"
	ResultCompileError = "compile_error"
	ResultEvalError    = "eval_error"
)

// BuildMetrics tracks rebuild cycles for the status page and exports them
// to prometheus.
type BuildMetrics struct {
	cycles   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	assets   prometheus.Gauge
	errors   prometheus.Gauge

	mutex    sync.RWMutex
	snapshot MetricsSnapshot
}

// MetricsSnapshot is a copy of the counters at one point in time.
type MetricsSnapshot struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	LastBuild        time.Time
	LastResult       string
	LastHash         string
}

// NewBuildMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewBuildMetrics(reg prometheus.Registerer) *BuildMetrics {
	bm := &BuildMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "rebuild_cycles_total",
			Help:      "Rebuild cycles by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hotswap",
			Name:      "rebuild_stage_duration_seconds",
			Help:      "Time spent per rebuild stage.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		assets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotswap",
			Name:      "server_bundle_assets",
			Help:      "Assets in the last successful server bundle.",
		}),
		errors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotswap",
			Name:      "compile_errors",
			Help:      "Errors reported by the last compilation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(bm.cycles, bm.duration, bm.assets, bm.errors)
	}
	return bm
}

// ObserveCompile records the compile stage of a cycle.
func (bm *BuildMetrics) ObserveCompile(comp *Compilation) {
	bm.duration.WithLabelValues("compile").Observe(comp.Duration.Seconds())
	bm.errors.Set(float64(len(comp.Errors)))
	if !comp.Failed() {
		bm.assets.Set(float64(len(comp.Assets)))
	}
}

// ObserveEvaluate records the evaluate stage of a cycle.
func (bm *BuildMetrics) ObserveEvaluate(d time.Duration) {
	bm.duration.WithLabelValues("evaluate").Observe(d.Seconds())
}

// RecordCycle records how a cycle ended.
func (bm *BuildMetrics) RecordCycle(result string, comp *Compilation, total time.Duration) {
	bm.cycles.WithLabelValues(result).Inc()

	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	s := &bm.snapshot
	s.TotalBuilds++
	s.TotalDuration += total
	s.AverageDuration = s.TotalDuration / time.Duration(s.TotalBuilds)
	s.LastBuild = time.Now()
	s.LastResult = result
	if result == ResultSuccess {
		s.SuccessfulBuilds++
		s.LastHash = comp.Hash
	} else {
		s.FailedBuilds++
	}
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() MetricsSnapshot {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()
	return bm.snapshot
}

// GetSuccessRate returns the success rate as a percentage
func (bm *BuildMetrics) GetSuccessRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.snapshot.TotalBuilds == 0 {
		return 0.0
	}

	return float64(bm.snapshot.SuccessfulBuilds) / float64(bm.snapshot.TotalBuilds) * 100.0
}
