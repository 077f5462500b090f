// Package influxdb mirrors delivered telemetry into a local InfluxDB v2
// instance.
//
// The mirror is optional and strictly best-effort: writes are batched and
// asynchronous, and a down server never slows the reporting loop. Async
// write failures surface through an error callback for logging only.
package influxdb
