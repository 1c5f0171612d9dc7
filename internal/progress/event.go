package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobEnqueued  Stage = "JOB_ENQUEUED"
	StageJobClaimed   Stage = "JOB_CLAIMED"
	StageJobDone      Stage = "JOB_DONE"
	StageJobFailed    Stage = "JOB_FAILED"
	StageJobReclaimed Stage = "JOB_RECLAIMED"
)

// Event captures one job lifecycle transition.
type Event struct {
	// JobID is the queue row id. Zero only for aggregate reclaim events.
	JobID int64 `json:"job_id,omitempty"`
	// RunID is the paired scrape run id when known.
	RunID int64 `json:"run_id,omitempty"`
	// Scraper names the scraper the job runs.
	Scraper string `json:"scraper,omitempty"`
	// WorkerID identifies the worker that claimed or finished the job.
	WorkerID string `json:"worker_id,omitempty"`
	// Source is the enqueue origin (manual, cli, scheduled, api).
	Source string `json:"source,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Products counts extracted products for JOB_DONE.
	Products int `json:"products,omitempty"`
	// Requeued and Failed carry reclaim sweep counts for JOB_RECLAIMED.
	Requeued int `json:"requeued,omitempty"`
	Failed   int `json:"failed,omitempty"`
	// Dur is the execution time for JOB_DONE and JOB_FAILED.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note carries low-volume context such as the failure message.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobEnqueued, StageJobClaimed, StageJobDone, StageJobFailed:
		if e.JobID <= 0 {
			return errors.New("job id is required")
		}
		if e.Scraper == "" {
			return fmt.Errorf("%s requires scraper", e.Stage)
		}
	case StageJobReclaimed:
		if e.Requeued < 0 || e.Failed < 0 {
			return errors.New("reclaim counts must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobFailed
}

// Droppable reports whether the hub may shed the event under backpressure.
// Enqueue and claim notices are advisory; outcomes and reclaim sweeps are not.
func (s Stage) Droppable() bool {
	return s == StageJobEnqueued || s == StageJobClaimed
}

// Result is the outcome label used by metrics sinks.
func (e Event) Result() string {
	switch e.Stage {
	case StageJobDone:
		return "success"
	case StageJobFailed:
		return "error"
	default:
		return ""
	}
}
