package agent

import (
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RelayDriver abstracts the relay output so the cloud-commanded state can
// drive real hardware or a stand-in.
type RelayDriver interface {
	Set(on bool)
	Get() bool
}

// MemoryRelay is an in-process relay driver used until a hardware backend
// is wired in.
type MemoryRelay struct {
	on atomic.Bool
}

func (r *MemoryRelay) Set(on bool) { r.on.Store(on) }
func (r *MemoryRelay) Get() bool   { return r.on.Load() }

// InputReader provides the four digital input channels.
type InputReader interface {
	Read() [4]bool
}

// EnvironmentReader provides ambient temperature and humidity.
type EnvironmentReader interface {
	Read() (temperature, humidity float64)
}

// SimulatedInputs produces plausible digital input activity: each channel
// flips occasionally and independently.
type SimulatedInputs struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state [4]bool
}

// NewSimulatedInputs creates a simulated input bank seeded for variety.
func NewSimulatedInputs(seed int64) *SimulatedInputs {
	return &SimulatedInputs{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedInputs) Read() [4]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state {
		if s.rng.Intn(10) == 0 {
			s.state[i] = !s.state[i]
		}
	}
	return s.state
}

// SimulatedEnvironment drifts temperature and humidity within indoor
// ranges.
type SimulatedEnvironment struct {
	mu          sync.Mutex
	rng         *rand.Rand
	temperature float64
	humidity    float64
}

// NewSimulatedEnvironment creates a simulated sensor starting at typical
// indoor conditions.
func NewSimulatedEnvironment(seed int64) *SimulatedEnvironment {
	return &SimulatedEnvironment{
		rng:         rand.New(rand.NewSource(seed)),
		temperature: 21.5,
		humidity:    45.0,
	}
}

func (s *SimulatedEnvironment) Read() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = clamp(s.temperature+(s.rng.Float64()-0.5)*0.4, 15.0, 30.0)
	s.humidity = clamp(s.humidity+(s.rng.Float64()-0.5)*1.0, 25.0, 70.0)
	return s.temperature, s.humidity
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Reading is one telemetry sample.
type Reading struct {
	Heartbeat      uint64
	SignalStrength int
	RelayOutput    bool
	DigitalInputs  [4]bool
	Temperature    float64
	Humidity       float64
	Timestamp      int64
}

// Sampler collects one Reading per tick, incrementing the heartbeat
// counter each time.
//
// Thread Safety:
//   - Sample is safe for concurrent use, though the supervisory loop is
//     the only expected caller.
type Sampler struct {
	relay  RelayDriver
	inputs InputReader
	env    EnvironmentReader

	heartbeat atomic.Uint64
	now       func() time.Time
}

// NewSampler creates a sampler over the given hardware abstractions.
func NewSampler(relay RelayDriver, inputs InputReader, env EnvironmentReader) *Sampler {
	return &Sampler{
		relay:  relay,
		inputs: inputs,
		env:    env,
		now:    time.Now,
	}
}

// Sample takes one reading. The signal strength is supplied by the caller,
// which owns access to the bearer.
func (s *Sampler) Sample(signalStrength int) Reading {
	temp, hum := s.env.Read()
	return Reading{
		Heartbeat:      s.heartbeat.Add(1),
		SignalStrength: signalStrength,
		RelayOutput:    s.relay.Get(),
		DigitalInputs:  s.inputs.Read(),
		Temperature:    temp,
		Humidity:       hum,
		Timestamp:      s.now().Unix(),
	}
}

// telemetryDocument is the wire shape of a telemetry publication. Relay
// state and environment readings travel in the shadow document only.
type telemetryDocument struct {
	DeviceID       string          `json:"device_id"`
	MACAddress     string          `json:"mac_address"`
	Timestamp      int64           `json:"timestamp"`
	Heartbeat      uint64          `json:"heartbeat"`
	SignalStrength int             `json:"signal_strength"`
	Sensors        map[string]bool `json:"sensors"`
}

// marshalTelemetry builds the telemetry payload for one reading. Digital
// inputs are labelled D0..D3.
func marshalTelemetry(deviceID, macAddress string, r Reading) ([]byte, error) {
	return json.Marshal(telemetryDocument{
		DeviceID:       deviceID,
		MACAddress:     macAddress,
		Timestamp:      r.Timestamp,
		Heartbeat:      r.Heartbeat,
		SignalStrength: r.SignalStrength,
		Sensors: map[string]bool{
			"D0": r.DigitalInputs[0],
			"D1": r.DigitalInputs[1],
			"D2": r.DigitalInputs[2],
			"D3": r.DigitalInputs[3],
		},
	})
}
