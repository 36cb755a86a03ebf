// Implements the Batsim JSON wire format: timestamped envelopes carrying an
// ordered list of typed events (inbound) or typed requests (outbound).
// Event kinds form a closed union; decoding goes through a single dispatch
// table so new kinds are added in one place.

package sim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// EventType tags the inbound events the engine produces.
type EventType string

const (
	EventSimulationBegins     EventType = "SIMULATION_BEGINS"
	EventSimulationEnds       EventType = "SIMULATION_ENDS"
	EventJobSubmitted         EventType = "JOB_SUBMITTED"
	EventJobCompleted         EventType = "JOB_COMPLETED"
	EventResourceStateChanged EventType = "RESOURCE_STATE_CHANGED"
	EventRequestedCall        EventType = "REQUESTED_CALL"
	EventNotify               EventType = "NOTIFY"
)

// NotifyNoMoreStaticJobs is the NOTIFY payload signalling that the workload
// submitter has no more jobs to submit.
const NotifyNoMoreStaticJobs = "no_more_static_job_to_submit"

// Event is one inbound protocol event. The authoritative current time is
// always the envelope's Now, not the event's own timestamp.
type Event interface {
	Type() EventType
	Timestamp() float64
}

// SimulationBeginsEvent carries the platform description.
type SimulationBeginsEvent struct {
	time     float64
	Platform *Platform
}

func (e *SimulationBeginsEvent) Type() EventType    { return EventSimulationBegins }
func (e *SimulationBeginsEvent) Timestamp() float64 { return e.time }

// SimulationEndsEvent signals that the engine finished the run.
type SimulationEndsEvent struct {
	time float64
}

func (e *SimulationEndsEvent) Type() EventType    { return EventSimulationEnds }
func (e *SimulationEndsEvent) Timestamp() float64 { return e.time }

// JobSubmittedEvent carries a newly submitted job.
type JobSubmittedEvent struct {
	time float64
	Job  *Job
}

func (e *JobSubmittedEvent) Type() EventType    { return EventJobSubmitted }
func (e *JobSubmittedEvent) Timestamp() float64 { return e.time }

// JobCompletedEvent carries a job's terminal outcome.
type JobCompletedEvent struct {
	time       float64
	JobID      string
	State      JobState
	ReturnCode int
}

func (e *JobCompletedEvent) Type() EventType    { return EventJobCompleted }
func (e *JobCompletedEvent) Timestamp() float64 { return e.time }

// ResourceStateChangedEvent reports the end of a power transition (or an
// applied DVFS change) for a set of hosts.
type ResourceStateChangedEvent struct {
	time      float64
	Resources []int
	State     int // resulting power-state id
}

func (e *ResourceStateChangedEvent) Type() EventType    { return EventResourceStateChanged }
func (e *ResourceStateChangedEvent) Timestamp() float64 { return e.time }

// RequestedCallEvent is the engine's echo of a CALL_ME_LATER request.
type RequestedCallEvent struct {
	time float64
}

func (e *RequestedCallEvent) Type() EventType    { return EventRequestedCall }
func (e *RequestedCallEvent) Timestamp() float64 { return e.time }

// NotifyEvent carries an engine notification, e.g. submitter exhaustion.
type NotifyEvent struct {
	time   float64
	Notify string
}

func (e *NotifyEvent) Type() EventType    { return EventNotify }
func (e *NotifyEvent) Timestamp() float64 { return e.time }

// Message is an inbound envelope: the engine's authoritative "now" plus the
// events that happened since the previous exchange, in time order.
type Message struct {
	Now    float64
	Events []Event
}

type wireEvent struct {
	Timestamp float64         `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// eventDecoders maps each inbound event kind to its decoder. Unknown kinds
// are skipped with a debug log instead of failing the whole envelope.
var eventDecoders = map[EventType]func(ts float64, data json.RawMessage) (Event, error){
	EventSimulationBegins:     decodeSimulationBegins,
	EventSimulationEnds:       func(ts float64, _ json.RawMessage) (Event, error) { return &SimulationEndsEvent{time: ts}, nil },
	EventJobSubmitted:         decodeJobSubmitted,
	EventJobCompleted:         decodeJobCompleted,
	EventResourceStateChanged: decodeResourceStateChanged,
	EventRequestedCall:        func(ts float64, _ json.RawMessage) (Event, error) { return &RequestedCallEvent{time: ts}, nil },
	EventNotify:               decodeNotify,
}

// UnmarshalJSON decodes an engine envelope via the event dispatch table.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Now    float64     `json:"now"`
		Events []wireEvent `json:"events"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decoding engine message: %w", err)
	}
	m.Now = raw.Now
	m.Events = m.Events[:0]
	for _, we := range raw.Events {
		decode, ok := eventDecoders[we.Type]
		if !ok {
			logrus.Debugf("Skipping unhandled engine event type %q at t=%g", we.Type, we.Timestamp)
			continue
		}
		ev, err := decode(we.Timestamp, we.Data)
		if err != nil {
			return fmt.Errorf("decoding %s event: %w", we.Type, err)
		}
		m.Events = append(m.Events, ev)
	}
	return nil
}

func decodeSimulationBegins(ts float64, data json.RawMessage) (Event, error) {
	var raw struct {
		ComputeResources []struct {
			ID         int               `json:"id"`
			Name       string            `json:"name"`
			State      string            `json:"state"`
			Properties map[string]string `json:"properties"`
		} `json:"compute_resources"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	hosts := make([]*Host, 0, len(raw.ComputeResources))
	for _, res := range raw.ComputeResources {
		pstates, err := parsePowerStates(res.Properties)
		if err != nil {
			return nil, fmt.Errorf("host %d: %w", res.ID, err)
		}
		state := HostIdle
		if res.State == "sleeping" {
			state = HostSleeping
		}
		host, err := newHost(res.ID, res.Name, state, pstates)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return &SimulationBeginsEvent{time: ts, Platform: newPlatform(hosts)}, nil
}

// parsePowerStates builds a host's power-state catalog from the SimGrid
// platform properties the engine forwards:
//   - watt_per_state: comma-separated "idle:full" watt pairs, one per pstate id
//   - sleep_pstates:  "sleep:switching_off:switching_on" pstate ids (optional)
func parsePowerStates(props map[string]string) ([]PowerState, error) {
	watts, ok := props["watt_per_state"]
	if !ok {
		// Hosts without energy properties get a single computation pstate.
		return []PowerState{{ID: 0, Type: PowerStateComputation}}, nil
	}
	var pstates []PowerState
	for i, entry := range strings.Split(watts, ",") {
		idle, full, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found {
			return nil, fmt.Errorf("malformed watt_per_state entry %q", entry)
		}
		wattIdle, err := strconv.ParseFloat(idle, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed watt_per_state entry %q: %w", entry, err)
		}
		wattFull, err := strconv.ParseFloat(full, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed watt_per_state entry %q: %w", entry, err)
		}
		pstates = append(pstates, PowerState{ID: i, Type: PowerStateComputation, WattIdle: wattIdle, WattFull: wattFull})
	}
	if sleep, ok := props["sleep_pstates"]; ok {
		parts := strings.Split(strings.TrimSpace(sleep), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed sleep_pstates %q", sleep)
		}
		types := []PowerStateType{PowerStateSleep, PowerStateSwitchingOff, PowerStateSwitchingOn}
		for i, part := range parts {
			id, err := strconv.Atoi(part)
			if err != nil || id < 0 || id >= len(pstates) {
				return nil, fmt.Errorf("sleep_pstates %q references invalid pstate %q", sleep, part)
			}
			pstates[id].Type = types[i]
		}
	}
	return pstates, nil
}

func decodeJobSubmitted(ts float64, data json.RawMessage) (Event, error) {
	var raw struct {
		JobID string `json:"job_id"`
		Job   struct {
			ID       string  `json:"id"`
			Res      int     `json:"res"`
			Profile  string  `json:"profile"`
			Walltime float64 `json:"walltime"`
		} `json:"job"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	id := raw.Job.ID
	if id == "" {
		id = raw.JobID
	}
	if id == "" {
		return nil, fmt.Errorf("job submission without a job id")
	}
	return &JobSubmittedEvent{
		time: ts,
		Job:  NewJob(id, raw.Job.Res, raw.Job.Profile, raw.Job.Walltime),
	}, nil
}

func decodeJobCompleted(ts float64, data json.RawMessage) (Event, error) {
	var raw struct {
		JobID      string `json:"job_id"`
		JobState   string `json:"job_state"`
		ReturnCode int    `json:"return_code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	state := JobState(raw.JobState)
	if !terminalJobStates[state] {
		return nil, fmt.Errorf("unknown job outcome %q", raw.JobState)
	}
	return &JobCompletedEvent{time: ts, JobID: raw.JobID, State: state, ReturnCode: raw.ReturnCode}, nil
}

func decodeResourceStateChanged(ts float64, data json.RawMessage) (Event, error) {
	var raw struct {
		Resources string `json:"resources"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	resources, err := parseIntervalSet(raw.Resources)
	if err != nil {
		return nil, err
	}
	state, err := strconv.Atoi(strings.TrimSpace(raw.State))
	if err != nil {
		return nil, fmt.Errorf("malformed power-state id %q: %w", raw.State, err)
	}
	return &ResourceStateChangedEvent{time: ts, Resources: resources, State: state}, nil
}

func decodeNotify(ts float64, data json.RawMessage) (Event, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &NotifyEvent{time: ts, Notify: raw.Type}, nil
}

// RequestType tags the outbound requests the client produces.
type RequestType string

const (
	RequestExecuteJob       RequestType = "EXECUTE_JOB"
	RequestKillJob          RequestType = "KILL_JOB"
	RequestRejectJob        RequestType = "REJECT_JOB"
	RequestSetResourceState RequestType = "SET_RESOURCE_STATE"
	RequestCallMeLater      RequestType = "CALL_ME_LATER"
)

// Request is one outbound protocol request, stamped with the simulated
// instant it was queued at.
type Request interface {
	Type() RequestType
	Timestamp() float64
	wireData() any
}

// ExecuteJobRequest asks the engine to start a job on its allocation.
type ExecuteJobRequest struct {
	time  float64
	JobID string
	Alloc []int
}

func (r *ExecuteJobRequest) Type() RequestType  { return RequestExecuteJob }
func (r *ExecuteJobRequest) Timestamp() float64 { return r.time }
func (r *ExecuteJobRequest) wireData() any {
	return map[string]any{"job_id": r.JobID, "alloc": formatIntervalSet(r.Alloc)}
}

// KillJobRequest asks the engine to kill a queued or running job.
type KillJobRequest struct {
	time  float64
	JobID string
}

func (r *KillJobRequest) Type() RequestType  { return RequestKillJob }
func (r *KillJobRequest) Timestamp() float64 { return r.time }
func (r *KillJobRequest) wireData() any {
	return map[string]any{"job_ids": []string{r.JobID}}
}

// RejectJobRequest asks the engine to drop a queued job entirely.
type RejectJobRequest struct {
	time  float64
	JobID string
}

func (r *RejectJobRequest) Type() RequestType  { return RequestRejectJob }
func (r *RejectJobRequest) Timestamp() float64 { return r.time }
func (r *RejectJobRequest) wireData() any {
	return map[string]any{"job_id": r.JobID}
}

// SetResourceStateRequest asks the engine to move hosts to a power state.
// Hosts targeting the same state at the same instant coalesce into one
// request; see requestBatch.
type SetResourceStateRequest struct {
	time      float64
	Resources []int
	State     int
}

func (r *SetResourceStateRequest) Type() RequestType  { return RequestSetResourceState }
func (r *SetResourceStateRequest) Timestamp() float64 { return r.time }
func (r *SetResourceStateRequest) wireData() any {
	return map[string]any{"resources": formatIntervalSet(r.Resources), "state": strconv.Itoa(r.State)}
}

// CallMeLaterRequest asks the engine to emit a REQUESTED_CALL at a future time.
type CallMeLaterRequest struct {
	time float64
	At   float64
}

func (r *CallMeLaterRequest) Type() RequestType  { return RequestCallMeLater }
func (r *CallMeLaterRequest) Timestamp() float64 { return r.time }
func (r *CallMeLaterRequest) wireData() any {
	return map[string]any{"timestamp": r.At}
}

// RequestMessage is an outbound envelope: the current simulated time plus the
// requests queued since the previous exchange, in emission order.
type RequestMessage struct {
	Now      float64
	Requests []Request
}

type wireRequest struct {
	Timestamp float64     `json:"timestamp"`
	Type      RequestType `json:"type"`
	Data      any         `json:"data"`
}

// MarshalJSON encodes the envelope in the engine's wire layout; requests ride
// under the "events" key just like inbound events do.
func (m *RequestMessage) MarshalJSON() ([]byte, error) {
	wire := struct {
		Now    float64       `json:"now"`
		Events []wireRequest `json:"events"`
	}{Now: m.Now, Events: make([]wireRequest, 0, len(m.Requests))}
	for _, r := range m.Requests {
		wire.Events = append(wire.Events, wireRequest{
			Timestamp: r.Timestamp(),
			Type:      r.Type(),
			Data:      r.wireData(),
		})
	}
	return json.Marshal(wire)
}

// formatIntervalSet renders host ids in the engine's closed-interval-set
// notation: sorted, with contiguous runs collapsed ("0-2 5").
func formatIntervalSet(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)

	var sb strings.Builder
	lo, hi := sorted[0], sorted[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		if lo == hi {
			sb.WriteString(strconv.Itoa(lo))
		} else {
			sb.WriteString(strconv.Itoa(lo))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(hi))
		}
	}
	for _, id := range sorted[1:] {
		if id == hi || id == hi+1 {
			hi = id
			continue
		}
		flush()
		lo, hi = id, id
	}
	flush()
	return sb.String()
}

// parseIntervalSet is the inverse of formatIntervalSet.
func parseIntervalSet(s string) ([]int, error) {
	var ids []int
	for _, field := range strings.Fields(s) {
		lo, hi, isRange := strings.Cut(field, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("malformed interval set %q: %w", s, err)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("malformed interval set %q: %w", s, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("malformed interval set %q: descending range %s", s, field)
		}
		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
