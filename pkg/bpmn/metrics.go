package bpmn

import (
	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	instancesStarted   prometheus.Counter
	instancesCompleted prometheus.Counter
	instancesFailed    prometheus.Counter
	tokensExecuted     prometheus.Counter
	timersFired        prometheus.Counter
	handlerFailures    *prometheus.CounterVec
	stepDuration       prometheus.Histogram
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		instancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "instances_started_total",
			Help: "Process instances started.",
		}),
		instancesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "instances_completed_total",
			Help: "Process instances that reached COMPLETED.",
		}),
		instancesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "instances_failed_total",
			Help: "Process instances that reached ERROR.",
		}),
		tokensExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "token_steps_total",
			Help: "Token execution steps taken.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "timers_fired_total",
			Help: "Timer jobs fired.",
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spear", Subsystem: "engine", Name: "handler_failures_total",
			Help: "Topic handler failures by error kind.",
		}, []string{"kind"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spear", Subsystem: "engine", Name: "token_step_seconds",
			Help:    "Duration of one token execution step.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.instancesStarted, m.instancesCompleted, m.instancesFailed,
			m.tokensExecuted, m.timersFired, m.handlerFailures, m.stepDuration,
		)
	}
	return m
}
