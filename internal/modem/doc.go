// Package modem provides the serial line transport and AT command executor
// for SIM7600-class cellular modems.
//
// The modem exposes a single half-duplex serial channel that carries both
// command/response exchanges and unsolicited result codes (URCs). The
// transport resolves this with one rule: exactly one goroutine reads the
// physical stream. It classifies every incoming line as either part of the
// in-flight command's response or an unsolicited event, and delivers events
// through a bounded queue so a slow consumer can never stall the reader.
//
// # Architecture
//
//	caller ──SendCommand──▶ Transport ──▶ serial port ──▶ modem
//	                           ▲ reader goroutine
//	                           ├── response lines → pending exchange
//	                           └── URC lines      → event queue → dispatch worker
//
// Command exchanges are strictly serialized: at most one command is in
// flight at any time, enforced by a transport-wide lock. The transport
// never retries; every caller owns its retry policy.
//
// # Timeouts
//
// Every exchange carries an explicit timeout and returns within it. There
// is no cancellation of an in-flight command on the wire: a timed-out
// exchange may still complete on the modem side. Its late output arrives
// with no exchange pending and is shunted onto the event queue, where
// consumers ignore lines they did not ask for.
package modem
