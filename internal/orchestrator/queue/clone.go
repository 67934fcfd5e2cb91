package queue

import (
	"time"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// cloneJob deep-copies a job so callers never hold references into the
// scheduler-owned table.
func cloneJob(job *v1.Job) *v1.Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Payload = deepCopyMap(job.Payload)
	clone.Result = deepCopyMap(job.Result)
	clone.StartedAt = cloneTime(job.StartedAt)
	clone.CompletedAt = cloneTime(job.CompletedAt)
	clone.LastAttemptAt = cloneTime(job.LastAttemptAt)
	clone.CancelRequested = cloneTime(job.CancelRequested)
	clone.NextAttemptAt = cloneTime(job.NextAttemptAt)
	if job.RunningContext != nil {
		rc := *job.RunningContext
		clone.RunningContext = &rc
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// deepCopyMap copies nested maps and slices of decoded JSON values
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
