package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_LoadsPlatformAndNotifies(t *testing.T) {
	h, network, _ := newTestHandler(beginsMessage(t, 2))

	var order []string
	h.Subscribe(SimulationBegins, func(*SimulatorHandler) { order = append(order, "first") })
	h.Subscribe(SimulationBegins, func(*SimulatorHandler) { order = append(order, "second") })

	require.NoError(t, h.Start("platform.xml", "workload.json", VerbosityQuiet, 0))
	assert.True(t, h.IsRunning())
	assert.True(t, network.bound)
	require.NotNil(t, h.Platform())
	assert.Equal(t, 2, h.Platform().Size())
	assert.Equal(t, 0.0, h.CurrentTime())
	// The handshake only receives; nothing is sent until the first Proceed.
	assert.Empty(t, network.sent)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestStart_FailsWhenAlreadyRunning(t *testing.T) {
	h, _, _ := startedHandler(t, 1)
	err := h.Start("platform.xml", "workload.json", VerbosityQuiet, 0)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStart_FailsWhenPlatformNotReported(t *testing.T) {
	h, network, engine := newTestHandler(&Message{Now: 0})
	err := h.Start("platform.xml", "workload.json", VerbosityQuiet, 0)
	require.Error(t, err)
	assert.False(t, h.IsRunning())
	assert.True(t, engine.terminated)
	assert.True(t, network.closed)
}

func TestStart_WithTimeLimitSchedulesTimer(t *testing.T) {
	h, _, _ := newTestHandler(beginsMessage(t, 1))
	require.NoError(t, h.Start("platform.xml", "workload.json", VerbosityQuiet, 100))

	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	cml, ok := reqs[0].(*CallMeLaterRequest)
	require.True(t, ok)
	assert.Equal(t, 100.0, cml.At)
}

func TestStart_RejectsNegativeTimeLimit(t *testing.T) {
	h, _, _ := newTestHandler(beginsMessage(t, 1))
	err := h.Start("platform.xml", "workload.json", VerbosityQuiet, -1)
	assert.ErrorIs(t, err, ErrPastTime)
}

func TestTimeLimit_ClosesTheRunWhenReached(t *testing.T) {
	h, _, engine := newTestHandler(beginsMessage(t, 1), requestedCallMessage(100))
	require.NoError(t, h.Start("platform.xml", "workload.json", VerbosityQuiet, 100))

	require.NoError(t, h.Proceed())
	assert.False(t, h.IsRunning())
	assert.True(t, engine.terminated)
	assert.Equal(t, 100.0, h.CurrentTime())
}

func TestClose_IsANoOpWhenNotRunning(t *testing.T) {
	h, _, _ := newTestHandler()
	notified := false
	h.Subscribe(SimulationEnds, func(*SimulatorHandler) { notified = true })
	h.Close()
	assert.False(t, notified)
}

func TestClose_ReleasesResourcesAndNotifies(t *testing.T) {
	h, network, engine := startedHandler(t, 1)
	notified := false
	h.Subscribe(SimulationEnds, func(*SimulatorHandler) { notified = true })

	h.Close()
	assert.False(t, h.IsRunning())
	assert.True(t, engine.terminated)
	assert.True(t, network.closed)
	assert.True(t, notified)
	assert.Empty(t, pendingRequests(h))
}

func TestActions_RequireARunningSimulation(t *testing.T) {
	h, _, _ := newTestHandler()
	assert.ErrorIs(t, h.Proceed(), ErrNotRunning)
	assert.ErrorIs(t, h.ProceedTime(10), ErrNotRunning)
	assert.ErrorIs(t, h.SetCallback(10, func(float64) {}), ErrNotRunning)
	assert.ErrorIs(t, h.Allocate("w!1", []int{0}), ErrNotRunning)
	assert.ErrorIs(t, h.KillJob("w!1"), ErrNotRunning)
	assert.ErrorIs(t, h.RejectJob("w!1"), ErrNotRunning)
	assert.ErrorIs(t, h.SwitchOn([]int{0}), ErrNotRunning)
	assert.ErrorIs(t, h.SwitchOff([]int{0}), ErrNotRunning)
	assert.ErrorIs(t, h.SetPowerState(0, 1), ErrNotRunning)
}

func TestAllocate_StartsJobWhenAllHostsIdle(t *testing.T) {
	// GIVEN a two-host platform and a job requiring both hosts
	h, network, _ := startedHandler(t, 2,
		submitMessage(5, "w!1", 2),
		completedMessage(15, "w!1", JobCompletedSuccessfully),
	)

	// WHEN the submission is consumed
	require.NoError(t, h.Proceed())
	assert.Equal(t, 5.0, h.CurrentTime())
	require.Len(t, h.Queue(), 1)
	job := h.Queue()[0]
	assert.Equal(t, 5.0, job.SubTime())

	// AND the job is allocated on both idle hosts
	require.NoError(t, h.Allocate("w!1", []int{0, 1}))

	// THEN it starts immediately and an execute request is queued
	assert.Equal(t, JobRunning, job.State())
	assert.Equal(t, 5.0, job.StartTime())
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	exec, ok := reqs[0].(*ExecuteJobRequest)
	require.True(t, ok)
	assert.Equal(t, "w!1", exec.JobID)
	assert.Equal(t, []int{0, 1}, exec.Alloc)
	for _, entry := range h.Agenda() {
		assert.Equal(t, []string{"w!1"}, entry.Jobs)
		assert.Equal(t, HostComputing, entry.Host.State())
	}

	// AND the completion releases the hosts and discards the job
	require.NoError(t, h.Proceed())
	require.Len(t, network.lastSent(t).Requests, 1)
	assert.Equal(t, 15.0, h.CurrentTime())
	assert.Empty(t, h.Jobs())
	assert.Equal(t, 15.0, job.StopTime())
	assert.True(t, job.IsFinished())
	for _, entry := range h.Agenda() {
		assert.Equal(t, HostIdle, entry.Host.State())
		assert.Empty(t, entry.Jobs)
	}
	// start >= submit >= 0, stop >= start
	assert.GreaterOrEqual(t, job.SubTime(), 0.0)
	assert.GreaterOrEqual(t, job.StartTime(), job.SubTime())
	assert.GreaterOrEqual(t, job.StopTime(), job.StartTime())
}

func TestAllocate_UnknownJobOrHost(t *testing.T) {
	h, _, _ := startedHandler(t, 1, submitMessage(5, "w!1", 1))
	require.NoError(t, h.Proceed())

	assert.ErrorIs(t, h.Allocate("w!404", []int{0}), ErrNotFound)
	assert.ErrorIs(t, h.Allocate("w!1", []int{7}), ErrNotFound)
	// The failed host lookup must not leave a half-recorded allocation.
	assert.Equal(t, JobSubmitted, h.Jobs()[0].State())
}

func TestAllocate_WakesSleepingHosts(t *testing.T) {
	h, _, _ := startedHandler(t, 1,
		stateChangedMessage(10, []int{0}, testSleepPState),
		submitMessage(11, "w!1", 1),
		stateChangedMessage(13, []int{0}, testDefaultPState),
	)
	host, err := h.Platform().Get(0)
	require.NoError(t, err)

	require.NoError(t, h.SwitchOff([]int{0}))
	require.NoError(t, h.Proceed())
	assert.Equal(t, HostSleeping, host.State())

	require.NoError(t, h.Proceed())
	require.NoError(t, h.Allocate("w!1", []int{0}))

	// The host was asleep: a wake-up is requested and the job waits.
	job := h.Jobs()[0]
	assert.Equal(t, JobAllocated, job.State())
	assert.Equal(t, HostSwitchingOn, host.State())
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	srs := reqs[0].(*SetResourceStateRequest)
	assert.Equal(t, testDefaultPState, srs.State)

	// Once the engine confirms the host is on, the job starts.
	require.NoError(t, h.Proceed())
	assert.Equal(t, HostComputing, host.State())
	assert.Equal(t, JobRunning, job.State())
	assert.Equal(t, 13.0, job.StartTime())
}

func TestKillJob_RemovesAndReleasesImmediately(t *testing.T) {
	h, _, _ := startedHandler(t, 1, submitMessage(5, "w!1", 1))
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Allocate("w!1", []int{0}))
	host, err := h.Platform().Get(0)
	require.NoError(t, err)
	require.Equal(t, HostComputing, host.State())

	require.NoError(t, h.KillJob("w!1"))
	assert.Empty(t, h.Jobs())
	assert.Equal(t, HostIdle, host.State())
	reqs := pendingRequests(h)
	require.Len(t, reqs, 2) // the execute request, then the kill
	kill, ok := reqs[1].(*KillJobRequest)
	require.True(t, ok)
	assert.Equal(t, "w!1", kill.JobID)

	assert.ErrorIs(t, h.KillJob("w!1"), ErrNotFound)
}

func TestRejectJob_OnlyWhileQueued(t *testing.T) {
	h, _, _ := startedHandler(t, 2,
		submitMessage(5, "w!1", 1),
		submitMessage(6, "w!2", 1),
	)
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Proceed())

	require.NoError(t, h.RejectJob("w!1"))
	require.Len(t, h.Jobs(), 1)
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	assert.Equal(t, RequestRejectJob, reqs[0].Type())

	require.NoError(t, h.Allocate("w!2", []int{0}))
	err := h.RejectJob("w!2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.Len(t, h.Jobs(), 1)

	assert.ErrorIs(t, h.RejectJob("w!404"), ErrNotFound)
}

func TestSwitchOff_Scenario(t *testing.T) {
	// GIVEN an idle host
	h, _, _ := startedHandler(t, 1, stateChangedMessage(30, []int{0}, testSleepPState))
	host, err := h.Platform().Get(0)
	require.NoError(t, err)

	// WHEN a switch-off is requested
	require.NoError(t, h.SwitchOff([]int{0}))

	// THEN a set-resource-state request targets the sleep power state and the
	// host is not sleeping yet
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	srs, ok := reqs[0].(*SetResourceStateRequest)
	require.True(t, ok)
	assert.Equal(t, []int{0}, srs.Resources)
	assert.Equal(t, testSleepPState, srs.State)
	assert.NotEqual(t, HostSleeping, host.State())

	// AND only the engine's confirmation puts it to sleep
	require.NoError(t, h.Proceed())
	assert.Equal(t, HostSleeping, host.State())
	assert.Equal(t, testSleepPState, host.PowerState().ID)
}

func TestSwitchOff_IsRefusedForBusyOrSleepingHosts(t *testing.T) {
	h, _, _ := startedHandler(t, 1, submitMessage(5, "w!1", 1))
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Allocate("w!1", []int{0}))

	err := h.SwitchOff([]int{0})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, h.SwitchOff([]int{9}), ErrNotFound)
}

func TestSwitchOn_RequiresSleeping(t *testing.T) {
	h, _, _ := startedHandler(t, 1)
	err := h.SwitchOn([]int{0})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPowerRequests_CoalescePerDestination(t *testing.T) {
	h, _, _ := startedHandler(t, 3)

	require.NoError(t, h.SwitchOff([]int{0}))
	require.NoError(t, h.SwitchOff([]int{1, 2}))

	// One request carries the union of all hosts heading to sleep now.
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	srs := reqs[0].(*SetResourceStateRequest)
	assert.Equal(t, []int{0, 1, 2}, srs.Resources)
	assert.Equal(t, testSleepPState, srs.State)
}

func TestSetPowerState_ChangesProfileAndQueuesRequest(t *testing.T) {
	h, _, _ := startedHandler(t, 1, stateChangedMessage(8, []int{0}, 1))
	host, err := h.Platform().Get(0)
	require.NoError(t, err)

	require.NoError(t, h.SetPowerState(0, 1))
	assert.Equal(t, 1, host.PowerState().ID)
	assert.Equal(t, HostIdle, host.State())
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	assert.Equal(t, RequestSetResourceState, reqs[0].Type())

	// The engine's echo matches the mirrored state: no fault.
	require.NoError(t, h.Proceed())
	assert.Equal(t, 1, host.PowerState().ID)
}

func TestSetPowerState_Validation(t *testing.T) {
	h, _, _ := startedHandler(t, 1)
	assert.ErrorIs(t, h.SetPowerState(9, 1), ErrNotFound)
	assert.ErrorIs(t, h.SetPowerState(0, 99), ErrNotFound)
	assert.ErrorIs(t, h.SetPowerState(0, testSleepPState), ErrInvalidTransition)
}

func TestResourceStateChanged_MismatchIsFatal(t *testing.T) {
	// The engine reports the sleep pstate for a host that never requested a
	// transition: the mirror is out of sync and that is a defect, not an error.
	h, _, _ := startedHandler(t, 1, stateChangedMessage(10, []int{0}, testSleepPState))
	assert.Panics(t, func() { _ = h.Proceed() })
}

func TestCallbacks_FireInRegistrationOrderExactlyOnce(t *testing.T) {
	h, _, _ := startedHandler(t, 1, requestedCallMessage(10))

	var order []string
	require.NoError(t, h.SetCallback(10, func(now float64) {
		order = append(order, "a")
		assert.Equal(t, 10.0, now)
	}))
	require.NoError(t, h.SetCallback(10, func(float64) { order = append(order, "b") }))

	// Two registrations, one timer request.
	timerRequests := 0
	for _, r := range pendingRequests(h) {
		if r.Type() == RequestCallMeLater {
			timerRequests++
		}
	}
	assert.Equal(t, 1, timerRequests)

	require.NoError(t, h.Proceed())
	assert.Equal(t, []string{"a", "b"}, order)

	// Single-shot: the entry is gone.
	assert.Empty(t, h.callbacks)
}

func TestSetCallback_RoundsToProtocolResolution(t *testing.T) {
	h, _, _ := startedHandler(t, 1, requestedCallMessage(10.3))

	fired := -1.0
	require.NoError(t, h.SetCallback(10.25, func(now float64) { fired = now }))
	reqs := pendingRequests(h)
	require.Len(t, reqs, 1)
	assert.Equal(t, 10.3, reqs[0].(*CallMeLaterRequest).At)

	// The engine echoes the rounded time; the callback must not leak.
	require.NoError(t, h.Proceed())
	assert.Equal(t, 10.3, fired)
	assert.Empty(t, h.callbacks)
}

func TestSetCallback_RejectsPastTargets(t *testing.T) {
	h, _, _ := startedHandler(t, 1)
	err := h.SetCallback(0, func(float64) {})
	assert.ErrorIs(t, err, ErrPastTime)
	assert.Empty(t, pendingRequests(h))
}

func TestProceedTime_RejectsPastTargetsWithoutTraffic(t *testing.T) {
	h, network, _ := startedHandler(t, 1)
	err := h.ProceedTime(0)
	assert.ErrorIs(t, err, ErrPastTime)
	assert.Empty(t, network.sent)
}

func TestProceedTime_AdvancesThroughIntermediateEvents(t *testing.T) {
	h, _, _ := startedHandler(t, 1,
		submitMessage(5, "w!1", 1),
		requestedCallMessage(25),
	)

	require.NoError(t, h.ProceedTime(25))
	assert.Equal(t, 25.0, h.CurrentTime())
	// The intermediate submission was consumed on the way.
	require.Len(t, h.Queue(), 1)
	assert.True(t, h.IsRunning())
}

func TestProceed_DeadlockIsSurfaced(t *testing.T) {
	h, network, _ := startedHandler(t, 1,
		submitMessage(5, "w!1", 1),
		noMoreJobsMessage(6),
	)
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Proceed())
	require.True(t, h.IsSubmitterFinished())

	// A queued job alone cannot produce an event: the engine has nothing to
	// advance and no timer bounds the wait.
	sentBefore := len(network.sent)
	err := h.Proceed()
	assert.ErrorIs(t, err, ErrDeadlock)
	assert.Len(t, network.sent, sentBefore)
	assert.True(t, h.IsRunning())

	// The caller recovers by bounding the wait with an explicit target.
	network.replies = append(network.replies, requestedCallMessage(50))
	require.NoError(t, h.ProceedTime(50))
	assert.Equal(t, 50.0, h.CurrentTime())
}

func TestProceed_PendingKillAssuresTheNextEvent(t *testing.T) {
	// Submitter finished, no limit, one job running and one queued. Killing
	// the running job empties the running set, but the engine acknowledges
	// kills with an event, so the unflushed kill still bounds the wait.
	h, network, _ := startedHandler(t, 1,
		submitMessage(5, "w!1", 1),
		submitMessage(6, "w!2", 1),
		noMoreJobsMessage(7),
		&Message{Now: 12},
	)
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Allocate("w!1", []int{0}))
	require.NoError(t, h.Proceed())
	require.True(t, h.IsSubmitterFinished())

	require.NoError(t, h.KillJob("w!1"))
	require.NoError(t, h.Proceed())
	require.Len(t, network.lastSent(t).Requests, 1)
	assert.Equal(t, RequestKillJob, network.lastSent(t).Requests[0].Type())
	assert.Equal(t, 12.0, h.CurrentTime())

	// With the kill flushed, only the queued job remains: now it deadlocks.
	assert.ErrorIs(t, h.Proceed(), ErrDeadlock)
}

func TestProceed_RunningJobAssuresTheNextEvent(t *testing.T) {
	// Submitter finished, no explicit limit, but a job is still running: the
	// loop keeps advancing by event, no timer needed.
	h, _, _ := startedHandler(t, 1,
		submitMessage(5, "w!1", 1),
		noMoreJobsMessage(6),
		completedMessage(20, "w!1", JobCompletedSuccessfully),
	)
	require.NoError(t, h.Proceed())
	require.NoError(t, h.Allocate("w!1", []int{0}))
	require.NoError(t, h.Proceed())

	require.NoError(t, h.Proceed())
	assert.Equal(t, 20.0, h.CurrentTime())
	assert.Empty(t, h.Jobs())
}

func TestProceed_EndOfSimulation(t *testing.T) {
	// All jobs done, submitter finished, no limit: a plain Proceed reaches
	// the engine's end-of-simulation without deadlocking.
	h, network, engine := startedHandler(t, 1,
		noMoreJobsMessage(5),
		endsMessage(9),
	)
	ended := false
	h.Subscribe(SimulationEnds, func(*SimulatorHandler) { ended = true })

	require.NoError(t, h.Proceed())
	require.NoError(t, h.Proceed())

	assert.False(t, h.IsRunning())
	assert.True(t, ended)
	assert.True(t, engine.waited)
	// The end-of-simulation event is acknowledged with an empty envelope.
	assert.Empty(t, network.lastSent(t).Requests)
	assert.ErrorIs(t, h.Proceed(), ErrNotRunning)
}

func TestProceedTime_DegradesToNextEventWhenNothingRemains(t *testing.T) {
	h, network, _ := startedHandler(t, 1,
		noMoreJobsMessage(5),
		endsMessage(9),
	)
	require.NoError(t, h.Proceed())

	// No jobs, no limit, submitter finished: waiting on a timer would
	// deadlock the engine, so the target is ignored.
	require.NoError(t, h.ProceedTime(100))
	assert.False(t, h.IsRunning())
	for _, msg := range network.sent {
		for _, r := range msg.Requests {
			assert.NotEqual(t, RequestCallMeLater, r.Type())
		}
	}
}

func TestJobsAndQueueAreSnapshots(t *testing.T) {
	h, _, _ := startedHandler(t, 1, submitMessage(5, "w!1", 1))
	require.NoError(t, h.Proceed())

	jobs := h.Jobs()
	require.Len(t, jobs, 1)
	jobs[0] = nil
	require.NotNil(t, h.Jobs()[0])
}
