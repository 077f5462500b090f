package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTelemetry records one delivered telemetry reading.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Calls on a closed client are silently dropped.
//
// Parameters:
//   - deviceID: The device's thing name
//   - signalStrength: RSSI indicator at sample time
//   - relayOutput: Relay state at sample time
//   - temperature, humidity: Ambient readings
//   - heartbeat: Monotonic sample counter
//   - inputs: The four digital input channels
//   - ts: Sample timestamp
func (c *Client) WriteTelemetry(deviceID string, signalStrength int, relayOutput bool, temperature, humidity float64, heartbeat uint64, inputs [4]bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"signal_strength": signalStrength,
			"relay_output":    relayOutput,
			"temperature":     temperature,
			"humidity":        humidity,
			"heartbeat":       int64(heartbeat),
			"d0":              inputs[0],
			"d1":              inputs[1],
			"d2":              inputs[2],
			"d3":              inputs[3],
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
