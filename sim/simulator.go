// sim/simulator.go
package sim

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// engineExitGrace bounds how long Close waits for the engine process.
const engineExitGrace = 5 * time.Second

// Config groups the handler's deployment parameters. The zero value is
// usable: a free local port is probed, the engine command defaults to
// "batsim", and per-run output goes to a fresh temp directory.
type Config struct {
	Address       string // tcp://host:port endpoint to bind for the engine
	EngineCommand string // engine executable name or path
	OutputDir     string // directory for the engine's result files
}

// CallbackFunc is invoked with the current simulated time when its target
// time is reached. Callbacks are single-shot.
type CallbackFunc func(now float64)

// AgendaEntry is one host together with the ids of the jobs allocated to it.
type AgendaEntry struct {
	Host *Host
	Jobs []string
}

// SimulatorHandler drives one simulation run: it owns the transport exchange
// with the engine, mirrors jobs and hosts, and exposes the scheduling
// primitives a policy calls. All state is owned by a single logical thread;
// actions must be invoked between Proceed calls, never concurrently.
type SimulatorHandler struct {
	cfg     Config
	network NetworkHandler
	launch  launchFunc

	running        bool
	engine         engineHandle
	currentTime    float64
	simulationTime float64 // 0 means no explicit limit
	platform       *Platform
	jobs           []*Job
	noMoreJobs     bool
	batch          requestBatch
	callbacks      map[float64][]CallbackFunc
	waitCallback   bool
	subscribers    map[SimulatorEvent][]SubscriberFunc
}

// NewSimulatorHandler builds a handler bound to a ZMQ endpoint the engine
// subprocess will connect to.
func NewSimulatorHandler(cfg Config) (*SimulatorHandler, error) {
	if cfg.EngineCommand == "" {
		cfg.EngineCommand = "batsim"
	}
	if cfg.Address == "" {
		addr, err := freeTCPAddress()
		if err != nil {
			return nil, err
		}
		cfg.Address = addr
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "batsim-"+uuid.NewString()[:8])
	}
	return newHandler(cfg, newZMQNetwork(cfg.Address), launchEngine), nil
}

func newHandler(cfg Config, network NetworkHandler, launch launchFunc) *SimulatorHandler {
	return &SimulatorHandler{
		cfg:       cfg,
		network:   network,
		launch:    launch,
		callbacks: make(map[float64][]CallbackFunc),
	}
}

// CurrentTime returns the current simulated time, rounded to the protocol's
// 0.1s resolution.
func (h *SimulatorHandler) CurrentTime() float64 {
	return math.Round(h.currentTime*10) / 10
}

// IsRunning reports whether a simulation is in progress.
func (h *SimulatorHandler) IsRunning() bool { return h.running }

// IsSubmitterFinished reports whether the workload has no more jobs to submit.
func (h *SimulatorHandler) IsSubmitterFinished() bool { return h.noMoreJobs }

// Platform returns the simulation platform, or nil before Start loaded it.
func (h *SimulatorHandler) Platform() *Platform { return h.platform }

// Jobs returns all jobs currently known to the client: queued or running.
// Terminal jobs are discarded.
func (h *SimulatorHandler) Jobs() []*Job {
	out := make([]*Job, len(h.jobs))
	copy(out, h.jobs)
	return out
}

// Queue returns the jobs waiting in the queue without an allocation.
func (h *SimulatorHandler) Queue() []*Job {
	var out []*Job
	for _, j := range h.jobs {
		if j.IsSubmitted() {
			out = append(out, j)
		}
	}
	return out
}

// Agenda returns each host with the ids of its allocated jobs, or nil before
// the platform is loaded.
func (h *SimulatorHandler) Agenda() []AgendaEntry {
	if h.platform == nil {
		return nil
	}
	out := make([]AgendaEntry, 0, h.platform.Size())
	for _, host := range h.platform.hosts {
		out = append(out, AgendaEntry{Host: host, Jobs: host.Jobs()})
	}
	return out
}

// Start launches the engine with the given platform and workload description
// files and consumes engine events until the platform is loaded. When
// simulationTime is positive the run stops once that time is reached,
// regardless of outstanding jobs; zero means no explicit limit.
func (h *SimulatorHandler) Start(platform, workload string, verbosity Verbosity, simulationTime float64) error {
	if h.running {
		return ErrAlreadyRunning
	}
	if simulationTime < 0 {
		return fmt.Errorf("simulation time %g must be positive: %w", simulationTime, ErrPastTime)
	}
	if verbosity == "" {
		verbosity = VerbosityQuiet
	}

	h.jobs = nil
	h.platform = nil
	h.currentTime = 0
	h.simulationTime = simulationTime
	h.noMoreJobs = false
	h.waitCallback = false
	h.batch.clear()
	h.callbacks = make(map[float64][]CallbackFunc)

	engine, err := h.launch(launchSpec{
		command:   h.cfg.EngineCommand,
		address:   h.cfg.Address,
		platform:  platform,
		workload:  workload,
		verbosity: verbosity,
		outputDir: h.cfg.OutputDir,
	})
	if err != nil {
		return err
	}
	h.engine = engine

	if err := h.network.Bind(); err != nil {
		h.releaseResources()
		return err
	}
	h.running = true

	// The engine speaks first: its opening envelope carries SIMULATION_BEGINS.
	if err := h.handleEvents(); err != nil {
		h.running = false
		h.releaseResources()
		return err
	}
	if h.platform == nil {
		h.running = false
		h.releaseResources()
		return fmt.Errorf("engine did not report a platform before the first exchange completed")
	}

	if h.simulationTime > 0 {
		h.batch.addCallMeLater(h.CurrentTime(), h.simulationTime)
	}

	logrus.Infof("[t=%07.1f] Simulation begins: %d hosts on %s", h.CurrentTime(), h.platform.Size(), h.network.Address())
	h.notify(SimulationBegins)
	return nil
}

// Close terminates the run: the engine process and the transport are
// released, pending requests and callbacks discarded. No-op when not running.
func (h *SimulatorHandler) Close() {
	if !h.running {
		return
	}
	h.running = false
	h.releaseResources()
	h.simulationTime = 0
	h.batch.clear()
	h.callbacks = make(map[float64][]CallbackFunc)
	logrus.Infof("[t=%07.1f] Simulation ends", h.CurrentTime())
	h.notify(SimulationEnds)
}

func (h *SimulatorHandler) releaseResources() {
	if h.engine != nil {
		h.engine.terminate(engineExitGrace)
		h.engine = nil
	}
	if err := h.network.Close(); err != nil {
		logrus.Warnf("Closing transport: %v", err)
	}
}

// Proceed advances the simulation to the next engine event.
func (h *SimulatorHandler) Proceed() error {
	if !h.running {
		return ErrNotRunning
	}
	h.waitCallback = false
	return h.run()
}

// ProceedTime advances the simulation to the given future simulated time,
// consuming every engine event on the way. When nothing remains that a timer
// could reveal (submitter finished, no jobs, no explicit time limit) the call
// degrades to Proceed, because the next event is the engine's own end of
// simulation and waiting on a timer would deadlock it.
func (h *SimulatorHandler) ProceedTime(target float64) error {
	if !h.running {
		return ErrNotRunning
	}
	if target <= h.CurrentTime() {
		return fmt.Errorf("target time %g is not after current time %g: %w", target, h.CurrentTime(), ErrPastTime)
	}
	if h.simulationTime == 0 && h.noMoreJobs && len(h.jobs) == 0 {
		h.waitCallback = false
		return h.run()
	}
	h.waitCallback = true
	if err := h.SetCallback(target, func(float64) { h.waitCallback = false }); err != nil {
		h.waitCallback = false
		return err
	}
	return h.run()
}

// SetCallback registers fn to be invoked at simulated time at, which must be
// strictly in the future. The target is rounded to the protocol's 0.1s
// resolution; callbacks are keyed by the rounded time so the engine's echo
// always matches. Multiple callbacks may share a target time; they fire in
// registration order, exactly once.
func (h *SimulatorHandler) SetCallback(at float64, fn CallbackFunc) error {
	if !h.running {
		return ErrNotRunning
	}
	at = math.Round(at*10) / 10
	if at <= h.CurrentTime() {
		return fmt.Errorf("callback time %g is not after current time %g: %w", at, h.CurrentTime(), ErrPastTime)
	}
	h.callbacks[at] = append(h.callbacks[at], fn)
	h.batch.addCallMeLater(h.CurrentTime(), at)
	return nil
}

// Allocate binds hosts to a job. The allocation is fixed: it can be set only
// once per job. The job starts as soon as every allocated host is idle,
// which may be immediately or after pending power transitions finish.
func (h *SimulatorHandler) Allocate(jobID string, hostIDs []int) error {
	if !h.running {
		return ErrNotRunning
	}
	platform := h.mustPlatform()
	job := h.findJob(jobID)
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	hosts := make([]*Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		host, err := platform.Get(id)
		if err != nil {
			return err
		}
		hosts = append(hosts, host)
	}
	if err := job.allocate(hostIDs); err != nil {
		return err
	}
	for _, host := range hosts {
		host.allocate(job.ID)
	}
	h.startRunnableJobs()
	return nil
}

// KillJob removes a queued or running job. The job leaves the local registry
// immediately; the engine's asynchronous confirmation is not awaited.
func (h *SimulatorHandler) KillJob(jobID string) error {
	if !h.running {
		return ErrNotRunning
	}
	job := h.findJob(jobID)
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	h.removeJob(job)
	h.batch.addKillJob(h.CurrentTime(), job.ID)
	return nil
}

// RejectJob drops a job that is still waiting in the queue. Unlike KillJob
// it is refused once the job has an allocation or is running.
func (h *SimulatorHandler) RejectJob(jobID string) error {
	if !h.running {
		return ErrNotRunning
	}
	job := h.findJob(jobID)
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if !job.IsSubmitted() {
		return fmt.Errorf("job %s cannot be rejected while %s: %w", job.ID, job.State(), ErrInvalidTransition)
	}
	h.removeJob(job)
	h.batch.addRejectJob(h.CurrentTime(), job.ID)
	return nil
}

// SwitchOn requests sleeping hosts to power up. The activity state changes
// only when the engine confirms the transition.
func (h *SimulatorHandler) SwitchOn(hostIDs []int) error {
	if !h.running {
		return ErrNotRunning
	}
	platform := h.mustPlatform()
	hosts := make([]*Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		host, err := platform.Get(id)
		if err != nil {
			return err
		}
		if !host.IsSleeping() {
			return fmt.Errorf("host %d cannot switch on while %s: %w", host.ID, host.State(), ErrInvalidTransition)
		}
		hosts = append(hosts, host)
	}
	for _, host := range hosts {
		if err := host.switchOn(); err != nil {
			return err
		}
		h.batch.addSetResourceState(h.CurrentTime(), host.ID, host.DefaultPowerState().ID)
	}
	return nil
}

// SwitchOff requests idle hosts to power down. Hosts with allocated jobs are
// refused; the activity state changes only when the engine confirms.
func (h *SimulatorHandler) SwitchOff(hostIDs []int) error {
	if !h.running {
		return ErrNotRunning
	}
	platform := h.mustPlatform()
	hosts := make([]*Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		host, err := platform.Get(id)
		if err != nil {
			return err
		}
		if !host.IsIdle() {
			return fmt.Errorf("host %d cannot switch off while %s: %w", host.ID, host.State(), ErrInvalidTransition)
		}
		if len(host.jobs) > 0 {
			return fmt.Errorf("host %d cannot switch off with allocated jobs: %w", host.ID, ErrInvalidTransition)
		}
		if _, err := host.SleepPowerState(); err != nil {
			return err
		}
		hosts = append(hosts, host)
	}
	for _, host := range hosts {
		sleep, err := host.SleepPowerState()
		if err != nil {
			return err
		}
		if err := host.switchOff(); err != nil {
			return err
		}
		h.batch.addSetResourceState(h.CurrentTime(), host.ID, sleep.ID)
	}
	return nil
}

// SetPowerState changes a host's computation power profile (DVFS-style). The
// host must be idle or computing and the power state must be a computation
// entry of its catalog.
func (h *SimulatorHandler) SetPowerState(hostID, pstateID int) error {
	if !h.running {
		return ErrNotRunning
	}
	platform := h.mustPlatform()
	host, err := platform.Get(hostID)
	if err != nil {
		return err
	}
	if _, err := host.PowerStateByID(pstateID); err != nil {
		return err
	}
	if err := host.setComputationPState(pstateID); err != nil {
		return err
	}
	h.batch.addSetResourceState(h.CurrentTime(), host.ID, pstateID)
	return nil
}

// run is one Proceed call's loop: exchange with the engine until the stop
// condition for this call is met or the simulation ends.
func (h *SimulatorHandler) run() error {
	for {
		if err := h.advance(); err != nil {
			return err
		}
		h.startRunnableJobs()
		if !h.running || !h.waitCallback {
			return nil
		}
	}
}

// advance performs one exchange: flush the batch, receive the engine's
// events, dispatch them, and enforce the explicit time limit.
func (h *SimulatorHandler) advance() error {
	if !h.nextEventAssured() {
		return fmt.Errorf("no running jobs, transitions, or timers can produce an event; "+
			"use ProceedTime to bound the wait: %w", ErrDeadlock)
	}
	if err := h.network.Send(h.batch.flush(h.CurrentTime())); err != nil {
		return err
	}
	if err := h.handleEvents(); err != nil {
		return err
	}
	if h.running && h.simulationTime > 0 && h.CurrentTime() >= h.simulationTime {
		h.Close()
	}
	return nil
}

// nextEventAssured reports whether the engine is guaranteed to produce a
// next event. When the submitter has finished and nothing is running,
// switching, or timed, a queue-only system would block forever on Recv.
func (h *SimulatorHandler) nextEventAssured() bool {
	if !h.noMoreJobs {
		return true // more submissions are coming
	}
	if h.simulationTime > 0 {
		return true // the time-limit timer is pending engine-side
	}
	for _, j := range h.jobs {
		if j.IsRunning() {
			return true
		}
	}
	if h.platform != nil {
		for _, host := range h.platform.hosts {
			if host.IsSwitchingOn() || host.IsSwitchingOff() {
				return true
			}
		}
	}
	if len(h.callbacks) > 0 {
		return true
	}
	if h.batch.producesEvent() {
		return true
	}
	// No jobs at all: the engine's next event is the end of the simulation.
	return len(h.jobs) == 0
}

// handleEvents blocks on the transport for the engine's next envelope and
// dispatches each event in time order. The envelope's own timestamp is the
// authoritative current time after dispatch.
func (h *SimulatorHandler) handleEvents() error {
	msg, err := h.network.Recv()
	if err != nil {
		return err
	}
	for _, ev := range msg.Events {
		h.currentTime = ev.Timestamp()
		logrus.Debugf("[t=%07.1f] Handling %s", h.CurrentTime(), ev.Type())
		h.dispatchEvent(ev)
		if !h.running {
			break
		}
	}
	if h.running {
		h.currentTime = msg.Now
	}
	return nil
}

// dispatchEvent is the closed match over engine event kinds.
func (h *SimulatorHandler) dispatchEvent(ev Event) {
	switch e := ev.(type) {
	case *SimulationBeginsEvent:
		h.platform = e.Platform
	case *SimulationEndsEvent:
		h.onSimulationEnds()
	case *JobSubmittedEvent:
		h.onJobSubmitted(e)
	case *JobCompletedEvent:
		h.onJobCompleted(e)
	case *ResourceStateChangedEvent:
		h.onResourceStateChanged(e)
	case *RequestedCallEvent:
		h.onRequestedCall()
	case *NotifyEvent:
		if e.Notify == NotifyNoMoreStaticJobs {
			h.noMoreJobs = true
		}
	}
}

func (h *SimulatorHandler) onSimulationEnds() {
	// The engine expects an empty acknowledgement before it exits.
	if err := h.network.Send(&RequestMessage{Now: h.CurrentTime()}); err != nil {
		logrus.Warnf("Acknowledging end of simulation: %v", err)
	}
	if h.engine != nil {
		if err := h.engine.wait(engineExitGrace); err != nil {
			logrus.Warnf("Waiting for engine exit: %v", err)
		}
	}
	h.Close()
}

func (h *SimulatorHandler) onJobSubmitted(e *JobSubmittedEvent) {
	e.Job.submit(h.CurrentTime())
	h.jobs = append(h.jobs, e.Job)
	logrus.Infof("[t=%07.1f] Job %s submitted (res=%d)", h.CurrentTime(), e.Job.ID, e.Job.Res)
}

func (h *SimulatorHandler) onJobCompleted(e *JobCompletedEvent) {
	job := h.findJob(e.JobID)
	if job == nil {
		panic(fmt.Sprintf("engine completed job %s which is not in the registry", e.JobID))
	}
	if err := job.terminate(h.CurrentTime(), e.State); err != nil {
		panic(fmt.Sprintf("engine completed job %s in state %s: %v", job.ID, job.State(), err))
	}
	h.removeJob(job)
	logrus.Infof("[t=%07.1f] Job %s completed (%s)", h.CurrentTime(), job.ID, e.State)
	h.startRunnableJobs()
}

// onResourceStateChanged applies the engine-confirmed end of a power
// transition. The engine models non-zero transition costs, so the local
// activity state only changes here, never when the request is issued.
func (h *SimulatorHandler) onResourceStateChanged(e *ResourceStateChangedEvent) {
	platform := h.mustPlatform()
	for _, id := range e.Resources {
		host, err := platform.Get(id)
		if err != nil {
			panic(fmt.Sprintf("engine reported a state change for unknown host %d", id))
		}
		switch {
		case host.IsSwitchingOff():
			host.setOff()
		case host.IsSwitchingOn():
			host.setOn()
		case (host.IsIdle() || host.IsComputing()) && host.PowerState().ID != e.State:
			if err := host.setComputationPState(e.State); err != nil {
				panic(fmt.Sprintf("applying engine power state %d to host %d: %v", e.State, id, err))
			}
		}
		if host.PowerState().ID != e.State {
			panic(fmt.Sprintf("mirrored power state of host %d is %d but engine reported %d",
				id, host.PowerState().ID, e.State))
		}
	}
	h.startRunnableJobs()
}

func (h *SimulatorHandler) onRequestedCall() {
	now := h.CurrentTime()
	callbacks := h.callbacks[now]
	if len(callbacks) == 0 {
		return
	}
	delete(h.callbacks, now)
	for _, fn := range callbacks {
		fn(now)
	}
}

// startRunnableJobs starts every allocated job whose full allocation is
// ready. Readiness depends on asynchronous power transitions, so this runs
// after every allocation, host state change, and job completion, not only at
// submission time. Sleeping allocated hosts are switched on opportunistically.
func (h *SimulatorHandler) startRunnableJobs() {
	if !h.running {
		return
	}
	for _, job := range h.jobs {
		if !job.IsRunnable() {
			continue
		}
		if len(job.allocation) == 0 {
			panic(fmt.Sprintf("job %s is runnable without an allocation", job.ID))
		}
		platform := h.mustPlatform()
		ready := true
		for _, id := range job.allocation {
			host, err := platform.Get(id)
			if err != nil {
				panic(fmt.Sprintf("job %s is allocated to unknown host %d", job.ID, id))
			}
			if !host.IsIdle() {
				ready = false
			}
			if host.IsSleeping() {
				if err := h.SwitchOn([]int{host.ID}); err != nil {
					panic(fmt.Sprintf("waking host %d for job %s: %v", host.ID, job.ID, err))
				}
			}
		}
		if !ready {
			continue
		}
		if err := job.start(h.CurrentTime()); err != nil {
			panic(fmt.Sprintf("starting job %s: %v", job.ID, err))
		}
		for _, id := range job.allocation {
			host, _ := platform.Get(id)
			host.startComputing()
		}
		h.batch.addExecuteJob(h.CurrentTime(), job.ID, job.Allocation())
		logrus.Infof("[t=%07.1f] Job %s starts on hosts %s", h.CurrentTime(), job.ID, formatIntervalSet(job.allocation))
	}
}

func (h *SimulatorHandler) findJob(id string) *Job {
	for _, j := range h.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// removeJob drops a job from the registry and releases its hosts.
func (h *SimulatorHandler) removeJob(job *Job) {
	for i, j := range h.jobs {
		if j == job {
			h.jobs = append(h.jobs[:i], h.jobs[i+1:]...)
			break
		}
	}
	if h.platform == nil {
		return
	}
	for _, id := range job.allocation {
		if host, err := h.platform.Get(id); err == nil {
			host.release(job.ID)
		}
	}
}

func (h *SimulatorHandler) mustPlatform() *Platform {
	if h.platform == nil {
		panic("platform referenced before the engine reported it")
	}
	return h.platform
}
