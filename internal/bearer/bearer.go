// Package bearer establishes and supervises the network path underneath
// the MQTT session.
//
// Two implementations exist: Cellular drives a SIM7600 modem from SIM
// readiness through network registration, PDP context activation and the
// module's TCP/IP stack; HostNet assumes the operating system already
// provides connectivity and only verifies reachability.
package bearer

import "context"

// Bearer is the network attachment underneath an MQTT session.
//
// Connect is expected to fail often in the field (no coverage, SIM faults,
// carrier rejects); callers retry indefinitely with backoff rather than
// treating failure as fatal.
type Bearer interface {
	// Connect brings the bearer up from any state. It is safe to call
	// again after a failure; progress restarts from the first unmet step.
	Connect(ctx context.Context) error

	// Probe re-verifies the attachment without reconnecting. It returns
	// nil only if the bearer still holds network access, and is the
	// diagnosis hook after publish failures.
	Probe(ctx context.Context) error

	// SignalStrength returns the current RSSI indicator (0..31 per the
	// CSQ scale, 99 when unknown).
	SignalStrength(ctx context.Context) (int, error)

	// Close releases bearer resources. The underlying transport is owned
	// by the caller and is not closed.
	Close() error
}

// State tracks how far a cellular attach has progressed. Transitions are
// strictly forward during Connect; any failure resets to PoweredOff.
type State int

const (
	StatePoweredOff State = iota
	StateInitializing
	StateSimReady
	StateRegistered
	StateContextActive
	StateNetworkOpen
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "powered_off"
	case StateInitializing:
		return "initializing"
	case StateSimReady:
		return "sim_ready"
	case StateRegistered:
		return "registered"
	case StateContextActive:
		return "context_active"
	case StateNetworkOpen:
		return "network_open"
	default:
		return "unknown"
	}
}
