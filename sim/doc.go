// Package sim is a control-plane client for the Batsim discrete-event
// simulation engine. It mirrors the subset of engine state a scheduler needs
// (jobs, hosts, power states) and translates scheduling actions into protocol
// requests; the engine owns ground-truth timing and job execution outcomes.
//
// # Reading Guide
//
// Start with these three files to understand the client kernel:
//   - job.go: Job lifecycle (submitted → allocated → running → terminal) and state machine
//   - host.go: Host activity/power state machine and the Platform mirror
//   - simulator.go: SimulatorHandler, the request/event exchange loop
//
// # Architecture
//
// The exchange with the engine is a strict request→response cycle per
// simulated instant:
//   - protocol.go: the JSON wire format (timestamped envelopes of typed events/requests)
//   - batch.go: the outgoing request batch, with power-state coalescing and timer dedup
//   - network.go: the ZMQ REP channel the engine connects to
//   - engine.go: the engine subprocess lifecycle
//   - events.go: simulation-begins/ends notifications for observers
//
// The handler owns all mirrored state on a single logical thread. Caller
// actions (Allocate, KillJob, SwitchOff, ...) must be invoked between Proceed
// calls, never concurrently with an in-progress exchange.
package sim
