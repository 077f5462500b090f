package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/bearer"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-link-agent/internal/session"
	"github.com/nerrad567/gray-link-agent/internal/shadow"
)

type fakeBearer struct {
	mu           sync.Mutex
	connectCalls int
	probeCalls   int
	connectErr   error
	probeQueue   []error
	rssi         int
}

func (b *fakeBearer) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	return b.connectErr
}

func (b *fakeBearer) Probe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeCalls++
	if len(b.probeQueue) > 0 {
		err := b.probeQueue[0]
		b.probeQueue = b.probeQueue[1:]
		return err
	}
	return nil
}

func (b *fakeBearer) SignalStrength(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rssi, nil
}

func (b *fakeBearer) Close() error { return nil }

func (b *fakeBearer) connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCalls
}

type fakeSession struct {
	mu           sync.Mutex
	connectCalls int
	connected    bool
	publishErr   error
	published    []string // topics in order
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	s.connected = true
	return nil
}

func (s *fakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, topic)
	return nil
}

func (s *fakeSession) SetHandler(h session.Handler) {}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func (s *fakeSession) publishedTo(suffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.published {
		if strings.HasSuffix(t, suffix) {
			return true
		}
	}
	return false
}

func (s *fakeSession) setPublishErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErr = err
}

func (s *fakeSession) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

type fakeSpool struct {
	mu       sync.Mutex
	enqueued int
	drains   int
}

func (f *fakeSpool) Enqueue(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued++
	return nil
}

func (f *fakeSpool) Drain(ctx context.Context, publish func(context.Context, string, []byte) error) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return 0, nil
}

const agentThing = "esp32-s3-device-AABBCCDDEEFF"

func newTestAgent(t *testing.T, b *fakeBearer, s *fakeSession, sp MessageSpool) *Agent {
	t.Helper()
	topics := session.NewTopics(agentThing)
	syn, err := shadow.New(s, topics, agentThing, "AA:BB:CC:DD:EE:FF", func(bool) {}, logging.Default())
	if err != nil {
		t.Fatalf("shadow.New failed: %v", err)
	}

	a := New(Options{
		Bearer:            b,
		Session:           s,
		Shadow:            syn,
		Sampler:           NewSampler(&MemoryRelay{}, NewSimulatedInputs(1), NewSimulatedEnvironment(1)),
		Topics:            topics,
		ThingName:         agentThing,
		MACAddress:        "AA:BB:CC:DD:EE:FF",
		ShadowInterval:    20 * time.Millisecond,
		TelemetryInterval: 20 * time.Millisecond,
		RetryBackoff:      5 * time.Millisecond,
		Spool:             sp,
		Logger:            logging.Default(),
	})
	a.tick = 2 * time.Millisecond
	return a
}

func runAgent(t *testing.T, a *Agent) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop on cancellation")
		}
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestRun_BringUpAndSteadyPublishing(t *testing.T) {
	b := &fakeBearer{rssi: 24}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)
	runAgent(t, a)

	waitFor(t, func() bool { return a.flags.Has(FlagAll) }, "readiness flags never all set")

	if b.connects() != 1 {
		t.Errorf("bearer connected %d times, want 1", b.connects())
	}
	if s.connects() != 1 {
		t.Errorf("session connected %d times, want 1", s.connects())
	}

	waitFor(t, func() bool { return s.publishedTo("/shadow/get") }, "persisted shadow never requested")
	waitFor(t, func() bool { return s.publishedTo("/shadow/update") }, "shadow update never published")
	waitFor(t, func() bool { return s.publishedTo("/telemetry") }, "telemetry never published")
}

func TestRun_BearerFailureRetriesForever(t *testing.T) {
	b := &fakeBearer{connectErr: errors.New("bearer: not registered on network")}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)
	runAgent(t, a)

	waitFor(t, func() bool { return b.connects() >= 3 }, "bearer connect not retried")

	if s.connects() != 0 {
		t.Error("session connect attempted while bearer down")
	}
	if a.flags.Has(FlagNetworkReady) {
		t.Error("network flag set despite bearer failure")
	}
}

func TestRun_PublishFailuresReconnectSessionOnly(t *testing.T) {
	b := &fakeBearer{rssi: 20}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)
	runAgent(t, a)

	waitFor(t, func() bool { return s.publishedTo("/telemetry") }, "initial telemetry never published")

	// A healthy bearer with a failing session must reconnect the session
	// without touching the bearer.
	s.setPublishErr(errors.New("session: publish failed"))
	waitFor(t, func() bool { return s.connects() >= 2 }, "session never reconnected after publish failures")

	if b.connects() != 1 {
		t.Errorf("bearer reconnected (%d connects) despite healthy probe", b.connects())
	}

	// Clearing the fault lets reporting resume.
	before := len(s.published)
	s.setPublishErr(nil)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.published) > before
	}, "publishing never resumed after recovery")
}

func TestRun_RegistrationLossReconnectsBearer(t *testing.T) {
	b := &fakeBearer{rssi: 20}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)

	// First probe (bring-up verification) succeeds; the diagnosis probe
	// reports lost registration.
	b.probeQueue = []error{nil, bearer.ErrNotRegistered}

	runAgent(t, a)
	waitFor(t, func() bool { return s.publishedTo("/telemetry") }, "initial telemetry never published")

	s.setPublishErr(errors.New("session: publish failed"))
	waitFor(t, func() bool { return b.connects() >= 2 }, "bearer never reconnected after registration loss")
}

func TestRun_SessionDropReconnects(t *testing.T) {
	b := &fakeBearer{rssi: 20}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)
	runAgent(t, a)

	waitFor(t, func() bool { return s.connects() == 1 }, "session never connected")

	s.setConnected(false)
	waitFor(t, func() bool { return s.connects() >= 2 }, "dropped session never re-established")
}

func TestRun_SpoolOnFailureDrainOnRecovery(t *testing.T) {
	b := &fakeBearer{rssi: 20}
	s := &fakeSession{}
	sp := &fakeSpool{}
	a := newTestAgent(t, b, s, sp)

	s.publishErr = errors.New("session: publish failed")
	runAgent(t, a)

	waitFor(t, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.enqueued >= 1
	}, "failed telemetry never spooled")

	s.setPublishErr(nil)
	waitFor(t, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.drains >= 1
	}, "spool never drained after recovery")
}

func TestRun_StopsOnCancel(t *testing.T) {
	b := &fakeBearer{rssi: 20}
	s := &fakeSession{}
	a := newTestAgent(t, b, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return a.flags.Has(FlagAll) }, "agent never came up")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on shutdown, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
