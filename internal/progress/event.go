// Package progress defines the event structures emitted by the scrape
// pipeline and the hub that fans them out to reporting sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress milestones.
const (
	KindStageStart Kind = "STAGE_START"
	KindBatchDone  Kind = "BATCH_DONE"
	KindStageDone  Kind = "STAGE_DONE"
	KindRunDone    Kind = "RUN_DONE"
	KindRunError   Kind = "RUN_ERROR"
)

// Event captures a single component of pipeline progress.
type Event struct {
	// RunID uniquely identifies one pipeline invocation.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Stage names the pipeline stage (seasons, tournaments, matches, persons, import).
	Stage string
	// BatchesDone / BatchesTotal describe stage completion so far.
	BatchesDone  int
	BatchesTotal int
	// Succeeded / Failed are cumulative item counts for the stage.
	Succeeded int64
	Failed    int64
	// Dur captures elapsed wall time for stage/run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunDone, KindRunError:
	case KindStageStart, KindBatchDone, KindStageDone:
		if e.Stage == "" {
			return fmt.Errorf("%s requires a stage name", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
