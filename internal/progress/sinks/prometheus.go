package sinks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infomdss/knrb-crawler/internal/progress"
)

// PromSink exposes pipeline progress as Prometheus metrics.
type PromSink struct {
	batches   *prometheus.CounterVec
	items     *prometheus.CounterVec
	stageDur  *prometheus.HistogramVec
	runs      *prometheus.CounterVec
	lastTotal int64
	lastFail  int64
	perStage  map[string][2]int64
}

// NewPromSink registers the crawler's progress metrics on the given
// registerer and returns the sink.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knrb",
			Subsystem: "scrape",
			Name:      "batches_total",
			Help:      "Completed stage batches.",
		}, []string{"stage"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knrb",
			Subsystem: "scrape",
			Name:      "items_total",
			Help:      "Items processed per stage by result.",
		}, []string{"stage", "result"}),
		stageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knrb",
			Subsystem: "scrape",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per completed stage.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knrb",
			Subsystem: "scrape",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"result"}),
		perStage: make(map[string][2]int64),
	}
	reg.MustRegister(s.batches, s.items, s.stageDur, s.runs)
	return s
}

// Consume implements progress.Sink. Cumulative event counters are
// converted to increments per stage.
func (s *PromSink) Consume(_ context.Context, events []progress.Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case progress.KindStageStart:
			s.perStage[ev.Stage] = [2]int64{}
		case progress.KindBatchDone:
			s.batches.WithLabelValues(ev.Stage).Inc()
			prev := s.perStage[ev.Stage]
			if d := ev.Succeeded - prev[0]; d > 0 {
				s.items.WithLabelValues(ev.Stage, "ok").Add(float64(d))
			}
			if d := ev.Failed - prev[1]; d > 0 {
				s.items.WithLabelValues(ev.Stage, "error").Add(float64(d))
			}
			s.perStage[ev.Stage] = [2]int64{ev.Succeeded, ev.Failed}
		case progress.KindStageDone:
			s.stageDur.WithLabelValues(ev.Stage).Observe(ev.Dur.Seconds())
			delete(s.perStage, ev.Stage)
		case progress.KindRunDone:
			s.runs.WithLabelValues("ok").Inc()
		case progress.KindRunError:
			s.runs.WithLabelValues("error").Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PromSink) Close(context.Context) error {
	return nil
}
