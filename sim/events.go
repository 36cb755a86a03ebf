// Simulation lifecycle notifications. Subscriptions are scoped to a handler
// instance; there is no global dispatcher.

package sim

// SimulatorEvent identifies a handler lifecycle notification.
type SimulatorEvent string

const (
	// SimulationBegins fires after Start loaded the platform.
	SimulationBegins SimulatorEvent = "simulation_begins"
	// SimulationEnds fires when the run terminates, from Close or from the
	// engine's own end-of-simulation event.
	SimulationEnds SimulatorEvent = "simulation_ends"
)

// SubscriberFunc observes a handler lifecycle notification.
type SubscriberFunc func(*SimulatorHandler)

// Subscribe registers fn for a lifecycle notification. Subscribers for the
// same notification run in registration order.
func (h *SimulatorHandler) Subscribe(event SimulatorEvent, fn SubscriberFunc) {
	if h.subscribers == nil {
		h.subscribers = make(map[SimulatorEvent][]SubscriberFunc)
	}
	h.subscribers[event] = append(h.subscribers[event], fn)
}

func (h *SimulatorHandler) notify(event SimulatorEvent) {
	for _, fn := range h.subscribers[event] {
		fn(h)
	}
}
