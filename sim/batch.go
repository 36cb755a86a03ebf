// Implements the outgoing request batch for the current simulated instant.
// Power-state requests coalesce by (instant, destination state) and timer
// requests dedup by exact target time; everything else appends in order.

package sim

// requestBatch accumulates the not-yet-sent requests for the current
// simulated instant. It is cleared on every flush and never persists across
// control-loop iterations.
type requestBatch struct {
	requests []Request
}

func (b *requestBatch) len() int { return len(b.requests) }

func (b *requestBatch) clear() { b.requests = nil }

// flush returns the outbound envelope for the current instant and clears the
// batch. Called exactly once per control-loop iteration.
func (b *requestBatch) flush(now float64) *RequestMessage {
	msg := &RequestMessage{Now: now, Requests: b.requests}
	b.requests = nil
	return msg
}

func (b *requestBatch) addExecuteJob(now float64, jobID string, alloc []int) {
	b.requests = append(b.requests, &ExecuteJobRequest{time: now, JobID: jobID, Alloc: alloc})
}

func (b *requestBatch) addKillJob(now float64, jobID string) {
	b.requests = append(b.requests, &KillJobRequest{time: now, JobID: jobID})
}

func (b *requestBatch) addRejectJob(now float64, jobID string) {
	b.requests = append(b.requests, &RejectJobRequest{time: now, JobID: jobID})
}

// addSetResourceState queues a power-state change for one host. When a
// request for the same instant and destination state is already pending, the
// host joins that request instead of emitting a duplicate; this bounds
// protocol chatter when many hosts change state together.
func (b *requestBatch) addSetResourceState(now float64, hostID int, state int) {
	for _, r := range b.requests {
		srs, ok := r.(*SetResourceStateRequest)
		if !ok || srs.Timestamp() != now || srs.State != state {
			continue
		}
		for _, id := range srs.Resources {
			if id == hostID {
				return
			}
		}
		srs.Resources = append(srs.Resources, hostID)
		return
	}
	b.requests = append(b.requests, &SetResourceStateRequest{time: now, Resources: []int{hostID}, State: state})
}

// addCallMeLater queues a timer request. Requests for the past are dropped,
// and a second request for an already-pending target time is a no-op.
func (b *requestBatch) addCallMeLater(now float64, at float64) {
	if at <= now {
		return
	}
	for _, r := range b.requests {
		if cml, ok := r.(*CallMeLaterRequest); ok && cml.At == at {
			return
		}
	}
	b.requests = append(b.requests, &CallMeLaterRequest{time: now, At: at})
}

// producesEvent reports whether the pending batch contains a request the
// engine must answer with a future event: job execution, a power transition,
// a timer, or a kill (the engine acknowledges kills with a JOB_KILLED event).
// Reject requests are fire-and-forget.
func (b *requestBatch) producesEvent() bool {
	for _, r := range b.requests {
		switch r.(type) {
		case *ExecuteJobRequest, *KillJobRequest, *SetResourceStateRequest, *CallMeLaterRequest:
			return true
		}
	}
	return false
}
