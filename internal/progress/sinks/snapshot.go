package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/infomdss/knrb-crawler/internal/progress"
)

// StageStatus is the externally visible state of one pipeline stage.
type StageStatus struct {
	Stage        string        `json:"stage"`
	BatchesDone  int           `json:"batches_done"`
	BatchesTotal int           `json:"batches_total"`
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	Done         bool          `json:"done"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Elapsed      time.Duration `json:"elapsed_ns,omitempty"`
}

// RunStatus aggregates the latest state of the current run.
type RunStatus struct {
	RunID    string        `json:"run_id"`
	Stages   []StageStatus `json:"stages"`
	Finished bool          `json:"finished"`
	Failed   bool          `json:"failed"`
	Summary  string        `json:"summary,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns,omitempty"`
}

// SnapshotSink keeps the most recent per-stage status in memory so the
// ops server can report it without touching the store.
type SnapshotSink struct {
	mu     sync.RWMutex
	runID  string
	order  []string
	stages map[string]StageStatus
	run    RunStatus
}

// NewSnapshotSink returns an empty snapshot sink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{stages: make(map[string]StageStatus)}
}

// Consume implements progress.Sink.
func (s *SnapshotSink) Consume(_ context.Context, events []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if id := ev.RunUUID().String(); id != s.runID {
			// New run supersedes any previous state.
			s.runID = id
			s.order = nil
			s.stages = make(map[string]StageStatus)
			s.run = RunStatus{RunID: id}
		}
		switch ev.Kind {
		case progress.KindStageStart:
			if _, seen := s.stages[ev.Stage]; !seen {
				s.order = append(s.order, ev.Stage)
			}
			s.stages[ev.Stage] = StageStatus{
				Stage:        ev.Stage,
				BatchesTotal: ev.BatchesTotal,
				UpdatedAt:    ev.TS,
			}
		case progress.KindBatchDone, progress.KindStageDone:
			st := s.stages[ev.Stage]
			st.Stage = ev.Stage
			st.BatchesDone = ev.BatchesDone
			if ev.BatchesTotal > 0 {
				st.BatchesTotal = ev.BatchesTotal
			}
			st.Succeeded = ev.Succeeded
			st.Failed = ev.Failed
			st.UpdatedAt = ev.TS
			if ev.Kind == progress.KindStageDone {
				st.Done = true
				st.Elapsed = ev.Dur
			}
			if _, seen := s.stages[ev.Stage]; !seen {
				s.order = append(s.order, ev.Stage)
			}
			s.stages[ev.Stage] = st
		case progress.KindRunDone:
			s.run.Finished = true
			s.run.Summary = ev.Note
			s.run.Elapsed = ev.Dur
		case progress.KindRunError:
			s.run.Finished = true
			s.run.Failed = true
			s.run.Summary = ev.Note
			s.run.Elapsed = ev.Dur
		}
	}
	return nil
}

// Snapshot returns a copy of the current run status.
func (s *SnapshotSink) Snapshot() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.run
	out.RunID = s.runID
	out.Stages = make([]StageStatus, 0, len(s.order))
	for _, name := range s.order {
		out.Stages = append(out.Stages, s.stages[name])
	}
	return out
}

// Close implements progress.Sink.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
