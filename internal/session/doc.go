// Package session manages the MQTT connection to the cloud broker.
//
// Two implementations share one interface: Cellular drives the SIM7600's
// embedded MQTT-over-TLS engine with AT commands, and Paho runs a direct
// TLS connection over the host network using the Eclipse Paho client.
// The supervisory loop selects one at startup from the bearer mode and
// never mixes them.
//
// Connect is teardown-first: every attempt begins by disconnecting,
// releasing and stopping any half-open previous session, so a retry can
// never inherit stale broker state. Inbound messages are delivered to a
// single registered handler in arrival order.
package session
