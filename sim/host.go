// Defines the Host power/activity state machine and the Platform mirror.
// Hosts are created once from the engine's SIMULATION_BEGINS description and
// persist for the whole run; activity states change only when the engine
// confirms a transition, because transitions have non-zero simulated cost.

package sim

import (
	"fmt"
	"sort"
)

// HostState represents the activity state of a host.
type HostState string

const (
	HostIdle         HostState = "idle"
	HostComputing    HostState = "computing"
	HostSleeping     HostState = "sleeping"
	HostSwitchingOn  HostState = "switching_on"
	HostSwitchingOff HostState = "switching_off"
)

// PowerStateType classifies the entries of a host's power-state catalog.
type PowerStateType string

const (
	PowerStateComputation  PowerStateType = "computation"
	PowerStateSleep        PowerStateType = "sleep"
	PowerStateSwitchingOn  PowerStateType = "switching_on"
	PowerStateSwitchingOff PowerStateType = "switching_off"
)

// PowerState is one entry of a host's power-state catalog: a named
// computation-capability/energy profile. The switching_on/switching_off
// entries are transition pseudo-states whose wattage models transition cost.
type PowerState struct {
	ID       int
	Type     PowerStateType
	WattIdle float64
	WattFull float64
}

// Host mirrors one engine-side compute resource. The mirrored power-state id
// must always equal the last id reported by the engine; the handler panics on
// a mismatch because that indicates a protocol desync, not a business error.
type Host struct {
	ID   int
	Name string

	state   HostState
	pstates []PowerState // catalog, sorted by id
	pstate  int          // index into pstates of the current power state
	jobs    []string     // agenda: ids of jobs allocated to this host, in allocation order
}

func newHost(id int, name string, state HostState, pstates []PowerState) (*Host, error) {
	if len(pstates) == 0 {
		return nil, fmt.Errorf("host %d has no power states", id)
	}
	sorted := make([]PowerState, len(pstates))
	copy(sorted, pstates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := &Host{ID: id, Name: name, state: state, pstates: sorted}
	switch state {
	case HostSleeping:
		idx, ok := h.indexOfType(PowerStateSleep)
		if !ok {
			return nil, fmt.Errorf("host %d starts sleeping but has no sleep power state", id)
		}
		h.pstate = idx
	case HostIdle:
		idx, ok := h.indexOfType(PowerStateComputation)
		if !ok {
			return nil, fmt.Errorf("host %d has no computation power state", id)
		}
		h.pstate = idx
	default:
		return nil, fmt.Errorf("host %d has unsupported initial state %q", id, state)
	}
	return h, nil
}

// State returns the host's current activity state.
func (h *Host) State() HostState { return h.state }

// PowerState returns the host's current power state.
func (h *Host) PowerState() PowerState { return h.pstates[h.pstate] }

// PowerStates returns a copy of the host's power-state catalog, sorted by id.
func (h *Host) PowerStates() []PowerState {
	out := make([]PowerState, len(h.pstates))
	copy(out, h.pstates)
	return out
}

// Jobs returns a copy of the host's agenda: the ids of jobs allocated to it.
func (h *Host) Jobs() []string {
	out := make([]string, len(h.jobs))
	copy(out, h.jobs)
	return out
}

func (h *Host) IsIdle() bool         { return h.state == HostIdle }
func (h *Host) IsComputing() bool    { return h.state == HostComputing }
func (h *Host) IsSleeping() bool     { return h.state == HostSleeping }
func (h *Host) IsSwitchingOn() bool  { return h.state == HostSwitchingOn }
func (h *Host) IsSwitchingOff() bool { return h.state == HostSwitchingOff }

// DefaultPowerState returns the computation power state the host wakes up
// into: the lowest-id computation entry of the catalog.
func (h *Host) DefaultPowerState() PowerState {
	idx, ok := h.indexOfType(PowerStateComputation)
	if !ok {
		// newHost guarantees at least one computation pstate for hosts that
		// can ever be on; reaching this is a bookkeeping defect.
		panic(fmt.Sprintf("host %d has no computation power state", h.ID))
	}
	return h.pstates[idx]
}

// SleepPowerState returns the host's designated sleep power state.
func (h *Host) SleepPowerState() (PowerState, error) {
	idx, ok := h.indexOfType(PowerStateSleep)
	if !ok {
		return PowerState{}, fmt.Errorf("host %d sleep power state: %w", h.ID, ErrNotFound)
	}
	return h.pstates[idx], nil
}

// PowerStateByID looks up a catalog entry by power-state id.
func (h *Host) PowerStateByID(id int) (PowerState, error) {
	idx, ok := h.indexOfID(id)
	if !ok {
		return PowerState{}, fmt.Errorf("host %d power state %d: %w", h.ID, id, ErrNotFound)
	}
	return h.pstates[idx], nil
}

func (h *Host) String() string {
	return fmt.Sprintf("Host(id=%d state=%s pstate=%d)", h.ID, h.state, h.PowerState().ID)
}

func (h *Host) indexOfType(t PowerStateType) (int, bool) {
	for i, ps := range h.pstates {
		if ps.Type == t {
			return i, true
		}
	}
	return 0, false
}

func (h *Host) indexOfID(id int) (int, bool) {
	for i, ps := range h.pstates {
		if ps.ID == id {
			return i, true
		}
	}
	return 0, false
}

// allocate appends a job to the host's agenda. The activity state does not
// change until the job actually starts.
func (h *Host) allocate(jobID string) {
	h.jobs = append(h.jobs, jobID)
}

// startComputing marks the host busy. The handler only calls this when the
// host is idle; anything else is a bookkeeping defect.
func (h *Host) startComputing() {
	if h.state != HostIdle {
		panic(fmt.Sprintf("host %d cannot start computing while %s", h.ID, h.state))
	}
	h.state = HostComputing
}

// release removes a job from the agenda. The host returns to idle once its
// agenda is empty.
func (h *Host) release(jobID string) {
	for i, id := range h.jobs {
		if id == jobID {
			h.jobs = append(h.jobs[:i], h.jobs[i+1:]...)
			break
		}
	}
	if len(h.jobs) == 0 && h.state == HostComputing {
		h.state = HostIdle
	}
}

// switchOn begins the sleeping → idle transition. The host stays in
// switching_on until the engine confirms with a RESOURCE_STATE_CHANGED event.
func (h *Host) switchOn() error {
	if h.state != HostSleeping {
		return fmt.Errorf("host %d cannot switch on while %s: %w", h.ID, h.state, ErrInvalidTransition)
	}
	idx, ok := h.indexOfType(PowerStateSwitchingOn)
	if !ok {
		return fmt.Errorf("host %d switching-on power state: %w", h.ID, ErrNotFound)
	}
	h.pstate = idx
	h.state = HostSwitchingOn
	return nil
}

// switchOff begins the idle → sleeping transition. A host with allocated
// jobs cannot be powered down.
func (h *Host) switchOff() error {
	if h.state != HostIdle {
		return fmt.Errorf("host %d cannot switch off while %s: %w", h.ID, h.state, ErrInvalidTransition)
	}
	if len(h.jobs) > 0 {
		return fmt.Errorf("host %d cannot switch off with %d allocated jobs: %w", h.ID, len(h.jobs), ErrInvalidTransition)
	}
	if _, ok := h.indexOfType(PowerStateSleep); !ok {
		return fmt.Errorf("host %d sleep power state: %w", h.ID, ErrNotFound)
	}
	idx, ok := h.indexOfType(PowerStateSwitchingOff)
	if !ok {
		return fmt.Errorf("host %d switching-off power state: %w", h.ID, ErrNotFound)
	}
	h.pstate = idx
	h.state = HostSwitchingOff
	return nil
}

// setOff applies the engine-confirmed end of a switch-off transition.
func (h *Host) setOff() {
	idx, ok := h.indexOfType(PowerStateSleep)
	if !ok {
		panic(fmt.Sprintf("host %d confirmed off without a sleep power state", h.ID))
	}
	h.pstate = idx
	h.state = HostSleeping
}

// setOn applies the engine-confirmed end of a switch-on transition.
func (h *Host) setOn() {
	idx, ok := h.indexOfType(PowerStateComputation)
	if !ok {
		panic(fmt.Sprintf("host %d confirmed on without a computation power state", h.ID))
	}
	h.pstate = idx
	h.state = HostIdle
}

// setComputationPState changes the computation power profile (DVFS). Allowed
// only while idle or computing, and only towards a computation catalog entry.
func (h *Host) setComputationPState(id int) error {
	if h.state != HostIdle && h.state != HostComputing {
		return fmt.Errorf("host %d cannot change computation power state while %s: %w", h.ID, h.state, ErrInvalidTransition)
	}
	idx, ok := h.indexOfID(id)
	if !ok {
		return fmt.Errorf("host %d power state %d: %w", h.ID, id, ErrNotFound)
	}
	if h.pstates[idx].Type != PowerStateComputation {
		return fmt.Errorf("host %d power state %d is %s, not computation: %w", h.ID, id, h.pstates[idx].Type, ErrInvalidTransition)
	}
	h.pstate = idx
	return nil
}

// Platform is the fixed collection of hosts for a run. Membership is
// immutable after the engine's SIMULATION_BEGINS event.
type Platform struct {
	hosts []*Host
}

func newPlatform(hosts []*Host) *Platform {
	sorted := make([]*Host, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Platform{hosts: sorted}
}

// Get looks a host up by id.
func (p *Platform) Get(id int) (*Host, error) {
	for _, h := range p.hosts {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, fmt.Errorf("host %d: %w", id, ErrNotFound)
}

// Hosts returns the platform's hosts sorted by id. The slice is a copy;
// host mutation stays inside the sim package.
func (p *Platform) Hosts() []*Host {
	out := make([]*Host, len(p.hosts))
	copy(out, p.hosts)
	return out
}

// Size returns the number of hosts in the platform.
func (p *Platform) Size() int { return len(p.hosts) }
