// Package sinks provides the progress sink implementations used by the
// crawler: structured logs, Prometheus metrics, and an in-memory
// snapshot served over the ops API.
package sinks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/progress"
)

// ZapSink renders progress events into structured log lines, including
// a coarse ETA for in-flight stages.
type ZapSink struct {
	logger *zap.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

// NewZapSink returns a log sink writing through the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger, started: make(map[string]time.Time)}
}

// Consume implements progress.Sink.
func (s *ZapSink) Consume(_ context.Context, events []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		switch ev.Kind {
		case progress.KindStageStart:
			s.started[ev.Stage] = ev.TS
			s.logger.Info("stage started",
				zap.String("run", ev.RunUUID().String()),
				zap.String("stage", ev.Stage),
				zap.Int("batches", ev.BatchesTotal),
			)
		case progress.KindBatchDone:
			fields := []zap.Field{
				zap.String("stage", ev.Stage),
				zap.Int("batches_done", ev.BatchesDone),
				zap.Int("batches_total", ev.BatchesTotal),
				zap.Int64("succeeded", ev.Succeeded),
				zap.Int64("failed", ev.Failed),
			}
			if eta, ok := s.eta(ev); ok {
				fields = append(fields, zap.Duration("eta", eta))
			}
			s.logger.Info("batch complete", fields...)
		case progress.KindStageDone:
			delete(s.started, ev.Stage)
			s.logger.Info("stage complete",
				zap.String("stage", ev.Stage),
				zap.Int64("succeeded", ev.Succeeded),
				zap.Int64("failed", ev.Failed),
				zap.Duration("elapsed", ev.Dur),
			)
		case progress.KindRunDone:
			s.logger.Info("run complete",
				zap.String("run", ev.RunUUID().String()),
				zap.Duration("elapsed", ev.Dur),
				zap.String("summary", ev.Note),
			)
		case progress.KindRunError:
			s.logger.Error("run failed",
				zap.String("run", ev.RunUUID().String()),
				zap.Duration("elapsed", ev.Dur),
				zap.String("reason", ev.Note),
			)
		}
	}
	return nil
}

// eta projects time remaining from the average pace of finished batches.
// Caller holds the mutex.
func (s *ZapSink) eta(ev progress.Event) (time.Duration, bool) {
	start, ok := s.started[ev.Stage]
	if !ok || ev.BatchesDone == 0 || ev.BatchesTotal <= ev.BatchesDone {
		return 0, false
	}
	elapsed := ev.TS.Sub(start)
	if elapsed <= 0 {
		return 0, false
	}
	perBatch := elapsed / time.Duration(ev.BatchesDone)
	return perBatch * time.Duration(ev.BatchesTotal-ev.BatchesDone), true
}

// Close implements progress.Sink.
func (s *ZapSink) Close(context.Context) error {
	return nil
}
