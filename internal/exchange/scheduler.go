package exchange

import (
	"math"
	"time"
)

// The deadline scheduler owns one single-shot timer per awarded job. Timers
// are keyed by job id and disarmed by any competing transition.

// deadlineSeconds picks the contract timeout: an explicit timeoutSeconds on
// the job payload wins, then the deadline from accepted negotiation terms,
// then the configured default.
func (x *Exchange) deadlineSeconds(job *Job) float64 {
	if job.Payload != nil {
		if v, ok := job.Payload[payloadTimeoutSeconds]; ok {
			if f, ok := asFloat(v); ok && f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f) {
				return f
			}
		}
		if terms := termsFromPayload(job.Payload[payloadAcceptedTerms]); terms != nil && terms.DeadlineSeconds > 0 {
			return terms.DeadlineSeconds
		}
	}
	return x.cfg.DefaultTimeoutSeconds
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// arm registers the deadline for a freshly awarded contract, replacing any
// stale timer for the same job. Callers hold x.mu.
func (x *Exchange) arm(jobID string, seconds float64, workerID string) {
	if t, ok := x.timers[jobID]; ok {
		t.Stop()
	}
	d := time.Duration(seconds * float64(time.Second))
	x.timers[jobID] = time.AfterFunc(d, func() {
		x.onDeadline(jobID, workerID)
	})
}

// disarm cancels the timer for a job, if armed. Callers hold x.mu.
func (x *Exchange) disarm(jobID string) {
	if t, ok := x.timers[jobID]; ok {
		t.Stop()
		delete(x.timers, jobID)
	}
}

// onDeadline fires when a contract idles past its deadline. The timer can
// race a submission, so the state is re-checked under the lock before any
// mutation: a job that moved on since arming is left alone.
func (x *Exchange) onDeadline(jobID, intendedWorker string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.timers, jobID)
	job, ok := x.jobs[jobID]
	if !ok {
		return
	}
	if job.Status != JobAwarded || job.WorkerID != intendedWorker {
		return
	}
	x.log.Warn("contract deadline expired", "job_id", jobID, "worker_id", intendedWorker)
	x.settleFailure(job, "timeout")
	x.reopenLocked(job)
}

// timerCount reports how many deadline timers are armed for a job (0 or 1).
func (x *Exchange) timerCount(jobID string) int {
	if _, ok := x.timers[jobID]; ok {
		return 1
	}
	return 0
}
