package shadow

import "encoding/json"

// ReportedState is the device-side shadow document. Field names match the
// cloud schema; the digital inputs array is fixed at four channels.
type ReportedState struct {
	DeviceID       string  `json:"device_id"`
	MACAddress     string  `json:"mac_address"`
	SignalStrength int     `json:"signal_strength"`
	Heartbeat      uint64  `json:"heartbeat"`
	RelayOutput    bool    `json:"relay_output"`
	Temperature    int     `json:"temperature"`
	Humidity       int     `json:"humidity"`
	Timestamp      int64   `json:"timestamp"`
	DigitalInputs  [4]bool `json:"digital_inputs"`
}

// updateEnvelope wraps a reported state in the shadow service's update
// document shape: {"state":{"reported":{...}}}.
type updateEnvelope struct {
	State updateState `json:"state"`
}

type updateState struct {
	Reported ReportedState `json:"reported"`
}

// deltaEnvelope is the shadow service's desired-state delta. Only fields
// the device recognises are interpreted; everything else is ignored.
type deltaEnvelope struct {
	State map[string]json.RawMessage `json:"state"`
}

// marshalUpdate builds the update document payload.
func marshalUpdate(state ReportedState) ([]byte, error) {
	return json.Marshal(updateEnvelope{State: updateState{Reported: state}})
}

// parseRelayDelta extracts the relay_output field from a delta or command
// payload. The second return is false when the field is absent or the
// document is malformed.
func parseRelayDelta(payload []byte) (bool, bool) {
	var env deltaEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.State == nil {
		// Command payloads carry the fields at top level.
		var direct map[string]json.RawMessage
		if err := json.Unmarshal(payload, &direct); err != nil {
			return false, false
		}
		return relayFrom(direct)
	}
	return relayFrom(env.State)
}

func relayFrom(fields map[string]json.RawMessage) (bool, bool) {
	raw, ok := fields["relay_output"]
	if !ok {
		return false, false
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, false
	}
	return value, true
}
