package sim

import (
	"fmt"
	"testing"
	"time"
)

// fakeNetwork is a scripted engine: Recv pops the next prepared envelope and
// Send records everything the handler flushed.
type fakeNetwork struct {
	replies []*Message
	sent    []*RequestMessage
	bound   bool
	closed  bool
}

func (f *fakeNetwork) Bind() error {
	f.bound = true
	return nil
}

func (f *fakeNetwork) Recv() (*Message, error) {
	if len(f.replies) == 0 {
		return nil, fmt.Errorf("scripted engine has no reply left")
	}
	msg := f.replies[0]
	f.replies = f.replies[1:]
	return msg, nil
}

func (f *fakeNetwork) Send(m *RequestMessage) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeNetwork) Close() error {
	f.closed = true
	return nil
}

func (f *fakeNetwork) Address() string { return "tcp://127.0.0.1:28000" }

// lastSent returns the most recently flushed envelope.
func (f *fakeNetwork) lastSent(t *testing.T) *RequestMessage {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("no request message was sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeEngine struct {
	terminated bool
	waited     bool
}

func (f *fakeEngine) wait(time.Duration) error {
	f.waited = true
	return nil
}

func (f *fakeEngine) terminate(time.Duration) {
	f.terminated = true
}

// testPowerStates is a catalog with one computation pstate (id 0), a second
// computation pstate for DVFS (id 1), and the sleep transition trio.
func testPowerStates() []PowerState {
	return []PowerState{
		{ID: 0, Type: PowerStateComputation, WattIdle: 95, WattFull: 190},
		{ID: 1, Type: PowerStateComputation, WattIdle: 120, WattFull: 210},
		{ID: 2, Type: PowerStateSleep, WattIdle: 9, WattFull: 9},
		{ID: 3, Type: PowerStateSwitchingOff, WattIdle: 120, WattFull: 120},
		{ID: 4, Type: PowerStateSwitchingOn, WattIdle: 150, WattFull: 150},
	}
}

const (
	testSleepPState   = 2
	testDefaultPState = 0
)

func testHost(t *testing.T, id int) *Host {
	t.Helper()
	host, err := newHost(id, fmt.Sprintf("host%d", id), HostIdle, testPowerStates())
	if err != nil {
		t.Fatalf("building host %d: %v", id, err)
	}
	return host
}

func testPlatform(t *testing.T, size int) *Platform {
	t.Helper()
	hosts := make([]*Host, 0, size)
	for id := 0; id < size; id++ {
		hosts = append(hosts, testHost(t, id))
	}
	return newPlatform(hosts)
}

// beginsMessage is the engine's opening envelope.
func beginsMessage(t *testing.T, hosts int) *Message {
	t.Helper()
	return &Message{Now: 0, Events: []Event{
		&SimulationBeginsEvent{time: 0, Platform: testPlatform(t, hosts)},
	}}
}

func submitMessage(now float64, id string, res int) *Message {
	return &Message{Now: now, Events: []Event{
		&JobSubmittedEvent{time: now, Job: NewJob(id, res, "profile1", 100)},
	}}
}

func completedMessage(now float64, id string, state JobState) *Message {
	return &Message{Now: now, Events: []Event{
		&JobCompletedEvent{time: now, JobID: id, State: state},
	}}
}

func stateChangedMessage(now float64, hosts []int, pstate int) *Message {
	return &Message{Now: now, Events: []Event{
		&ResourceStateChangedEvent{time: now, Resources: hosts, State: pstate},
	}}
}

func requestedCallMessage(now float64) *Message {
	return &Message{Now: now, Events: []Event{&RequestedCallEvent{time: now}}}
}

func noMoreJobsMessage(now float64) *Message {
	return &Message{Now: now, Events: []Event{
		&NotifyEvent{time: now, Notify: NotifyNoMoreStaticJobs},
	}}
}

func endsMessage(now float64) *Message {
	return &Message{Now: now, Events: []Event{&SimulationEndsEvent{time: now}}}
}

// newTestHandler wires a handler to a scripted engine.
func newTestHandler(replies ...*Message) (*SimulatorHandler, *fakeNetwork, *fakeEngine) {
	network := &fakeNetwork{replies: replies}
	engine := &fakeEngine{}
	h := newHandler(
		Config{Address: network.Address(), EngineCommand: "batsim", OutputDir: "/tmp/batsim-test"},
		network,
		func(launchSpec) (engineHandle, error) { return engine, nil },
	)
	return h, network, engine
}

// startedHandler returns a handler that already completed the Start handshake
// on a platform of the given size.
func startedHandler(t *testing.T, hosts int, replies ...*Message) (*SimulatorHandler, *fakeNetwork, *fakeEngine) {
	t.Helper()
	h, network, engine := newTestHandler(append([]*Message{beginsMessage(t, hosts)}, replies...)...)
	if err := h.Start("platform.xml", "workload.json", VerbosityQuiet, 0); err != nil {
		t.Fatalf("starting handler: %v", err)
	}
	return h, network, engine
}

// pendingRequests exposes the not-yet-flushed batch for assertions.
func pendingRequests(h *SimulatorHandler) []Request {
	return h.batch.requests
}
