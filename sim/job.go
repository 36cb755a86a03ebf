// Defines the Job struct that mirrors a single engine-side job and its
// lifecycle state machine. All mutation funnels through the SimulatorHandler;
// callers only read.

package sim

import (
	"fmt"
	"strings"
)

// JobState represents the lifecycle state of a job. Terminal states carry the
// outcome reported by the engine and use the engine's own state names.
type JobState string

const (
	JobSubmitted                JobState = "SUBMITTED"
	JobAllocated                JobState = "ALLOCATED"
	JobRunning                  JobState = "RUNNING"
	JobCompletedSuccessfully    JobState = "COMPLETED_SUCCESSFULLY"
	JobCompletedFailed          JobState = "COMPLETED_FAILED"
	JobCompletedWalltimeReached JobState = "COMPLETED_WALLTIME_REACHED"
	JobCompletedKilled          JobState = "COMPLETED_KILLED"
	JobRejected                 JobState = "REJECTED"
)

// terminalJobStates is the closed set of outcomes a JOB_COMPLETED event may carry.
var terminalJobStates = map[JobState]bool{
	JobCompletedSuccessfully:    true,
	JobCompletedFailed:          true,
	JobCompletedWalltimeReached: true,
	JobCompletedKilled:          true,
	JobRejected:                 true,
}

// Job mirrors one engine-side job. Identity is the full id in
// "workload!name" form. The allocation is set at most once, by Allocate on
// the handler, and is required before the job can start.
type Job struct {
	ID       string
	Workload string  // workload part of the id, before "!"
	Name     string  // job part of the id, after "!"
	Res      int     // requested resource count
	Profile  string  // profile name, opaque to the client
	Walltime float64 // 0 means unlimited

	state      JobState
	allocation []int

	// Lifecycle timestamps in simulated seconds; -1 until reached.
	subTime   float64
	startTime float64
	stopTime  float64
}

// NewJob builds a queued job from its engine id and requested resources.
// The id's workload and name parts are split on the first "!".
func NewJob(id string, res int, profile string, walltime float64) *Job {
	workload, name, _ := strings.Cut(id, "!")
	return &Job{
		ID:        id,
		Workload:  workload,
		Name:      name,
		Res:       res,
		Profile:   profile,
		Walltime:  walltime,
		state:     JobSubmitted,
		subTime:   -1,
		startTime: -1,
		stopTime:  -1,
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState { return j.state }

// Allocation returns a copy of the host ids bound to the job, or nil if the
// job was never allocated.
func (j *Job) Allocation() []int {
	if j.allocation == nil {
		return nil
	}
	alloc := make([]int, len(j.allocation))
	copy(alloc, j.allocation)
	return alloc
}

// SubTime returns the submission time, or -1 if the job was never submitted.
func (j *Job) SubTime() float64 { return j.subTime }

// StartTime returns the start time, or -1 if the job never started.
func (j *Job) StartTime() float64 { return j.startTime }

// StopTime returns the termination time, or -1 if the job never terminated.
func (j *Job) StopTime() float64 { return j.stopTime }

// WaitingTime returns start - submission, or -1 if the job never started.
func (j *Job) WaitingTime() float64 {
	if j.startTime < 0 || j.subTime < 0 {
		return -1
	}
	return j.startTime - j.subTime
}

// Turnaround returns stop - submission, or -1 if the job never terminated.
func (j *Job) Turnaround() float64 {
	if j.stopTime < 0 || j.subTime < 0 {
		return -1
	}
	return j.stopTime - j.subTime
}

// Stretch returns turnaround divided by runtime, or -1 when undefined.
func (j *Job) Stretch() float64 {
	if j.stopTime < 0 || j.startTime < 0 || j.stopTime == j.startTime {
		return -1
	}
	return j.Turnaround() / (j.stopTime - j.startTime)
}

// IsSubmitted reports whether the job is waiting in the queue without an allocation.
func (j *Job) IsSubmitted() bool { return j.state == JobSubmitted }

// IsRunnable reports whether the job has an allocation but has not started yet.
func (j *Job) IsRunnable() bool { return j.state == JobAllocated }

// IsRunning reports whether the job is computing.
func (j *Job) IsRunning() bool { return j.state == JobRunning }

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool { return terminalJobStates[j.state] }

func (j *Job) String() string {
	return fmt.Sprintf("Job(id=%s state=%s res=%d)", j.ID, j.state, j.Res)
}

// submit records the engine-reported submission time.
func (j *Job) submit(now float64) {
	j.subTime = now
}

// allocate binds the job to a fixed host set. The allocation can be set only
// once and only while the job is still queued.
func (j *Job) allocate(hosts []int) error {
	if j.state != JobSubmitted || j.allocation != nil {
		return fmt.Errorf("job %s cannot be allocated while %s: %w", j.ID, j.state, ErrInvalidTransition)
	}
	j.allocation = make([]int, len(hosts))
	copy(j.allocation, hosts)
	j.state = JobAllocated
	return nil
}

// start marks the job running. All allocated hosts must already be ready;
// readiness is the handler's responsibility.
func (j *Job) start(now float64) error {
	if j.state != JobAllocated {
		return fmt.Errorf("job %s cannot start while %s: %w", j.ID, j.state, ErrInvalidTransition)
	}
	if j.allocation == nil {
		return fmt.Errorf("job %s cannot start without an allocation: %w", j.ID, ErrInvalidTransition)
	}
	j.startTime = now
	j.state = JobRunning
	return nil
}

// terminate records the engine-reported outcome and end time.
func (j *Job) terminate(now float64, final JobState) error {
	if !terminalJobStates[final] {
		return fmt.Errorf("state %s is not a job outcome: %w", final, ErrInvalidTransition)
	}
	if j.state != JobRunning {
		return fmt.Errorf("job %s cannot terminate while %s: %w", j.ID, j.state, ErrInvalidTransition)
	}
	j.stopTime = now
	j.state = final
	return nil
}
