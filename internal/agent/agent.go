// Package agent runs the supervisory loop that keeps a field device
// connected and reporting.
//
// The loop walks three readiness rungs in strict order: network attach,
// bearer verification, broker session. Every failure backs off and
// restarts from the deepest broken rung; the loop never exits on
// connectivity errors, only on shutdown.
package agent

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/bearer"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-link-agent/internal/session"
	"github.com/nerrad567/gray-link-agent/internal/shadow"
)

// maxConsecutiveFailures is how many publish failures are tolerated before
// the loop diagnoses the stack and forces a reconnect.
const maxConsecutiveFailures = 3

// MessageSpool stores undeliverable telemetry for later replay.
type MessageSpool interface {
	Enqueue(topic string, payload []byte) error
	Drain(ctx context.Context, publish func(ctx context.Context, topic string, payload []byte) error) (int, error)
}

// TelemetryMirror receives a copy of every delivered reading, typically
// for a local time-series store. Implementations must not block.
type TelemetryMirror interface {
	Record(deviceID string, r Reading)
}

// Options wires an Agent's collaborators.
type Options struct {
	Bearer     bearer.Bearer
	Session    session.Session
	Shadow     *shadow.Synchronizer
	Sampler    *Sampler
	Topics     session.Topics
	ThingName  string
	MACAddress string

	ShadowInterval    time.Duration
	TelemetryInterval time.Duration
	RetryBackoff      time.Duration

	Spool  MessageSpool    // optional
	Mirror TelemetryMirror // optional

	Logger *logging.Logger
}

// Agent is the device's supervisory loop.
type Agent struct {
	opts   Options
	logger *logging.Logger
	flags  *FlagGroup

	failures int

	// tick is the inner loop cadence, shortened in tests.
	tick time.Duration
}

// New creates an agent. Run must be called to start it.
func New(opts Options) *Agent {
	return &Agent{
		opts:   opts,
		logger: opts.Logger.With("component", "agent"),
		flags:  NewFlagGroup(),
		tick:   time.Second,
	}
}

// Flags exposes the readiness flags for observation.
func (a *Agent) Flags() *FlagGroup {
	return a.flags
}

// Run drives the supervisory loop until the context ends. Connectivity
// failures are retried forever with a fixed backoff.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("supervisory loop starting",
		"thing_name", a.opts.ThingName,
		"shadow_interval", a.opts.ShadowInterval,
		"telemetry_interval", a.opts.TelemetryInterval)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := a.bringUp(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("bring-up failed, backing off",
				"error", err,
				"backoff", a.opts.RetryBackoff)
			if !sleepCtx(ctx, a.opts.RetryBackoff) {
				return nil
			}
			continue
		}

		a.steadyState(ctx)
	}
}

// bringUp advances the readiness ladder from its deepest unset rung. Each
// rung is only attempted once its predecessor holds.
func (a *Agent) bringUp(ctx context.Context) error {
	if !a.flags.Has(FlagNetworkReady) {
		if err := a.opts.Bearer.Connect(ctx); err != nil {
			return err
		}
		a.flags.Set(FlagNetworkReady)
		a.logger.Info("network ready")
	}

	if !a.flags.Has(FlagBearerReady) {
		if err := a.opts.Bearer.Probe(ctx); err != nil {
			a.flags.Clear(FlagNetworkReady)
			return err
		}
		a.flags.Set(FlagBearerReady)
		a.logger.Info("bearer verified")
	}

	if !a.flags.Has(FlagBrokerConnected) {
		if err := a.opts.Session.Connect(ctx); err != nil {
			return err
		}
		a.flags.Set(FlagBrokerConnected)
		a.failures = 0
		a.logger.Info("broker connected")

		// Converge on the persisted desired state, then announce ours.
		if err := a.opts.Shadow.RequestShadow(ctx); err != nil {
			a.logger.Warn("shadow request failed", "error", err)
		}
	}

	return nil
}

// steadyState runs the reporting cadences until a readiness flag drops or
// the context ends. Cadences are elapsed-time checks on a coarse tick, so
// a long stall publishes once when it clears instead of bursting.
func (a *Agent) steadyState(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	var lastShadow, lastTelemetry time.Time

	for a.flags.Has(FlagAll) {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !a.opts.Session.Connected() {
				a.logger.Warn("session dropped")
				a.flags.Clear(FlagBrokerConnected)
				return
			}

			if now.Sub(lastShadow) >= a.opts.ShadowInterval || lastShadow.IsZero() {
				if a.publishShadow(ctx) {
					lastShadow = now
				}
			}
			if now.Sub(lastTelemetry) >= a.opts.TelemetryInterval || lastTelemetry.IsZero() {
				if a.publishTelemetry(ctx) {
					lastTelemetry = now
				}
			}
		}
	}
}

// publishShadow samples the device and reports the full state document.
func (a *Agent) publishShadow(ctx context.Context) bool {
	r := a.sample(ctx)

	err := a.opts.Shadow.Update(ctx, func(st *shadow.ReportedState) {
		st.SignalStrength = r.SignalStrength
		st.Heartbeat = r.Heartbeat
		st.RelayOutput = r.RelayOutput
		// The shadow schema carries whole-degree and whole-percent values.
		st.Temperature = int(math.Round(r.Temperature))
		st.Humidity = int(math.Round(r.Humidity))
		st.DigitalInputs = r.DigitalInputs
	})
	if err != nil {
		a.logger.Error("shadow state update failed", "error", err)
		return false
	}

	if err := a.opts.Shadow.PublishUpdate(ctx); err != nil {
		a.logger.Warn("shadow publish failed", "error", err)
		a.onPublishFailure(ctx)
		return false
	}

	a.failures = 0
	return true
}

// publishTelemetry samples the device and publishes one reading. Failed
// readings are spooled when a spool is configured; delivered readings
// trigger a spool drain and the mirror.
func (a *Agent) publishTelemetry(ctx context.Context) bool {
	r := a.sample(ctx)

	payload, err := marshalTelemetry(a.opts.ThingName, a.opts.MACAddress, r)
	if err != nil {
		a.logger.Error("telemetry marshal failed", "error", err)
		return false
	}

	if err := a.opts.Session.Publish(ctx, a.opts.Topics.Telemetry, payload); err != nil {
		a.logger.Warn("telemetry publish failed", "error", err)
		if a.opts.Spool != nil {
			if err := a.opts.Spool.Enqueue(a.opts.Topics.Telemetry, payload); err != nil {
				a.logger.Error("telemetry spool failed", "error", err)
			}
		}
		a.onPublishFailure(ctx)
		return false
	}

	a.failures = 0
	if a.opts.Mirror != nil {
		a.opts.Mirror.Record(a.opts.ThingName, r)
	}
	a.drainSpool(ctx)
	return true
}

// drainSpool replays spooled messages oldest-first while deliveries keep
// succeeding.
func (a *Agent) drainSpool(ctx context.Context) {
	if a.opts.Spool == nil {
		return
	}
	n, err := a.opts.Spool.Drain(ctx, a.opts.Session.Publish)
	if err != nil {
		a.logger.Warn("spool drain interrupted", "replayed", n, "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("spooled telemetry replayed", "count", n)
	}
}

// sample takes one reading, folding in the bearer's signal strength.
func (a *Agent) sample(ctx context.Context) Reading {
	rssi, err := a.opts.Bearer.SignalStrength(ctx)
	if err != nil {
		a.logger.Debug("signal strength unavailable", "error", err)
		rssi = 99
	}
	return a.opts.Sampler.Sample(rssi)
}

// onPublishFailure counts consecutive failures; once the limit is hit it
// probes the stack and clears the deepest broken readiness flag, which
// sends the loop back through bring-up.
func (a *Agent) onPublishFailure(ctx context.Context) {
	a.failures++
	if a.failures < maxConsecutiveFailures {
		return
	}
	a.failures = 0

	err := a.opts.Bearer.Probe(ctx)
	switch {
	case errors.Is(err, bearer.ErrNotRegistered):
		a.logger.Warn("diagnosis: network registration lost")
		a.flags.Clear(FlagNetworkReady)
	case errors.Is(err, bearer.ErrNotAttached):
		a.logger.Warn("diagnosis: packet attach lost")
		a.flags.Clear(FlagBearerReady)
	case err != nil:
		a.logger.Warn("diagnosis: bearer probe failed", "error", err)
		a.flags.Clear(FlagNetworkReady)
	default:
		a.logger.Warn("diagnosis: bearer healthy, session at fault")
		a.flags.Clear(FlagBrokerConnected)
	}
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
