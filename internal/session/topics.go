package session

import "fmt"

// Topics is the fixed topic set for one device, derived deterministically
// from its thing name. Shadow topics follow the AWS IoT reserved topic
// scheme; telemetry and commands are application topics.
type Topics struct {
	ShadowUpdate   string // reported state publications
	ShadowGet      string // request the persisted shadow document
	ShadowDelta    string // desired-state changes from the cloud
	ShadowAccepted string // shadow service accepted an update
	ShadowRejected string // shadow service rejected an update
	Telemetry      string // periodic sensor readings
	Commands       string // direct device commands
}

// NewTopics builds the topic set for a thing name.
func NewTopics(thingName string) Topics {
	shadow := fmt.Sprintf("$aws/things/%s/shadow", thingName)
	return Topics{
		ShadowUpdate:   shadow + "/update",
		ShadowGet:      shadow + "/get",
		ShadowDelta:    shadow + "/update/delta",
		ShadowAccepted: shadow + "/update/accepted",
		ShadowRejected: shadow + "/update/rejected",
		Telemetry:      fmt.Sprintf("device/%s/telemetry", thingName),
		Commands:       fmt.Sprintf("device/%s/commands", thingName),
	}
}

// Subscriptions returns the topics the device listens on.
func (t Topics) Subscriptions() []string {
	return []string{
		t.ShadowDelta,
		t.ShadowAccepted,
		t.ShadowRejected,
		t.Commands,
	}
}

// ThingNameFromMAC derives the device's thing name from its MAC address,
// e.g. AA:BB:CC:DD:EE:FF becomes esp32-s3-device-AABBCCDDEEFF.
func ThingNameFromMAC(mac string) string {
	hex := make([]byte, 0, 12)
	for i := 0; i < len(mac); i++ {
		c := mac[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
			hex = append(hex, c)
		case c >= 'a' && c <= 'f':
			hex = append(hex, c-'a'+'A')
		}
	}
	return "esp32-s3-device-" + string(hex)
}
