package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageRunTerminated Stage = "RUN_TERMINATED"
	StageFetchDone     Stage = "FETCH_DONE"
	StageFetchError    Stage = "FETCH_ERROR"
	StageRecordSaved   Stage = "RECORD_SAVED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one unit of spider run progress.
type Event struct {
	// RunID identifies a single engine run (UUID bytes).
	RunID [16]byte
	// Spider is the spider the run executes.
	Spider string
	// TS is the UTC time the emitter recorded.
	TS time.Time
	Stage Stage
	// Site is the host a fetch went to.
	Site string
	URL  string
	// Bytes is the response size for fetches.
	Bytes       int64
	StatusClass StatusClass
	// Dur is fetch latency, or run wall time for RUN_* completions.
	Dur time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on an Event.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.Spider == "" {
		return errors.New("spider is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunTerminated, StageRecordSaved:
	case StageFetchDone, StageFetchError:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Finished reports whether the event ends a run.
func (e Event) Finished() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError || e.Stage == StageRunTerminated
}

// RunUUID returns RunID as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
