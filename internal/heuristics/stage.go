package heuristics

import (
	"fmt"
	"time"
)

// Stage statuses. Degraded stages produced a default result; failed stages
// abort the run.
const (
	StageOK       = "ok"
	StageDegraded = "degraded"
	StageSkipped  = "skipped"
	StageFailed   = "failed"
)

// StageResult records how one pipeline stage finished.
type StageResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// OK reports whether the stage produced its full result.
func (r StageResult) OK() bool {
	return r.Status == StageOK
}

// RunStage times fn and converts a returned error or a panic into a degraded
// result. Stage-local failures never escape.
func RunStage(name string, fn func() error) (res StageResult) {
	start := time.Now()
	res = StageResult{Name: name, Status: StageOK}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StageDegraded
			res.Reason = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()
	if err := fn(); err != nil {
		res.Status = StageDegraded
		res.Reason = err.Error()
	}
	return res
}
