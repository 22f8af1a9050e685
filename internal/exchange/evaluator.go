package exchange

import (
	"context"
	"strings"
)

// Evaluator is the external code-evaluation collaborator consulted on
// submissions to "coding" jobs. Implementations must be pure, deterministic,
// and time-bounded. The outcome is advisory evidence only; settlement always
// waits for the requester's review.
type Evaluator interface {
	Evaluate(ctx context.Context, job *Job, result string) (ok bool, reason string)
}

// KeywordEvaluator is the built-in evaluator: it passes a submission when the
// job's requiredKeyword payload entry appears in the result. Jobs without a
// required keyword always pass.
type KeywordEvaluator struct{}

var _ Evaluator = KeywordEvaluator{}

func (KeywordEvaluator) Evaluate(_ context.Context, job *Job, result string) (bool, string) {
	if job.Payload == nil {
		return true, ""
	}
	keyword, _ := job.Payload[payloadRequiredKeyword].(string)
	if keyword == "" {
		return true, ""
	}
	if strings.Contains(result, keyword) {
		return true, ""
	}
	return false, "required keyword missing from result"
}
