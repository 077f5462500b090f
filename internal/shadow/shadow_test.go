package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-link-agent/internal/session"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, capturedPublish{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakePublisher) last(t *testing.T) capturedPublish {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

const (
	testThing = "esp32-s3-device-AABBCCDDEEFF"
	testMAC   = "AA:BB:CC:DD:EE:FF"
)

func newTestSync(t *testing.T, pub *fakePublisher, onRelay RelayHandler) *Synchronizer {
	t.Helper()
	if onRelay == nil {
		onRelay = func(bool) {}
	}
	s, err := New(pub, session.NewTopics(testThing), testThing, testMAC, onRelay, logging.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	pub := &fakePublisher{}
	topics := session.NewTopics(testThing)

	if _, err := New(pub, topics, "", testMAC, func(bool) {}, logging.Default()); !errors.Is(err, ErrInvalidThingName) {
		t.Errorf("empty thing name: got %v, want ErrInvalidThingName", err)
	}
	if _, err := New(pub, topics, testThing, testMAC, nil, logging.Default()); !errors.Is(err, ErrNilRelayHandler) {
		t.Errorf("nil handler: got %v, want ErrNilRelayHandler", err)
	}
}

func TestPublishUpdate_DocumentShape(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSync(t, pub, nil)

	err := s.Update(context.Background(), func(st *ReportedState) {
		st.SignalStrength = 24
		st.Heartbeat = 7
		st.Temperature = 21
		st.Humidity = 40
		st.DigitalInputs = [4]bool{true, false, true, false}
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.PublishUpdate(context.Background()); err != nil {
		t.Fatalf("PublishUpdate failed: %v", err)
	}

	got := pub.last(t)
	if got.topic != "$aws/things/"+testThing+"/shadow/update" {
		t.Errorf("published to %q", got.topic)
	}

	var doc struct {
		State struct {
			Reported ReportedState `json:"reported"`
		} `json:"state"`
	}
	if err := json.Unmarshal(got.payload, &doc); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	r := doc.State.Reported
	if r.DeviceID != testThing || r.MACAddress != testMAC {
		t.Errorf("identity fields wrong: %q %q", r.DeviceID, r.MACAddress)
	}
	if r.SignalStrength != 24 || r.Heartbeat != 7 || r.Temperature != 21 || r.Humidity != 40 {
		t.Errorf("sensor fields wrong: %+v", r)
	}
	if r.DigitalInputs != [4]bool{true, false, true, false} {
		t.Errorf("digital inputs wrong: %v", r.DigitalInputs)
	}
	if r.Timestamp == 0 {
		t.Error("timestamp not stamped")
	}
}

func TestPublishUpdate_WholeNumberReadings(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSync(t, pub, nil)

	err := s.Update(context.Background(), func(st *ReportedState) {
		st.Temperature = 21
		st.Humidity = 45
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.PublishUpdate(context.Background()); err != nil {
		t.Fatalf("PublishUpdate failed: %v", err)
	}

	// The cloud schema types these as integers; a fractional value on the
	// wire breaks consumers that parse them as such.
	payload := string(pub.last(t).payload)
	for _, want := range []string{`"temperature":21`, `"humidity":45`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %s: %s", want, payload)
		}
	}
	for _, stray := range []string{`"temperature":21.`, `"humidity":45.`} {
		if strings.Contains(payload, stray) {
			t.Errorf("fractional reading on the wire: %s", payload)
		}
	}
}

func TestRequestShadow(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSync(t, pub, nil)

	if err := s.RequestShadow(context.Background()); err != nil {
		t.Fatalf("RequestShadow failed: %v", err)
	}
	got := pub.last(t)
	if got.topic != "$aws/things/"+testThing+"/shadow/get" {
		t.Errorf("published to %q", got.topic)
	}
	if string(got.payload) != "{}" {
		t.Errorf("payload = %q, want empty document", got.payload)
	}
}

func TestHandleMessage_DeltaAppliesRelay(t *testing.T) {
	pub := &fakePublisher{}
	var calls []bool
	s := newTestSync(t, pub, func(on bool) { calls = append(calls, on) })
	topics := session.NewTopics(testThing)

	s.HandleMessage(session.Message{
		Topic:   topics.ShadowDelta,
		Payload: []byte(`{"state":{"relay_output":true}}`),
	})

	if len(calls) != 1 || !calls[0] {
		t.Fatalf("relay handler calls = %v, want [true]", calls)
	}

	snap, _ := s.Snapshot(context.Background())
	if !snap.RelayOutput {
		t.Error("reported state not updated after delta")
	}
	// Applying a delta confirms the new state back to the shadow.
	if pub.count() != 1 {
		t.Errorf("expected 1 confirming publish, got %d", pub.count())
	}
}

func TestHandleMessage_DeltaIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	var calls int
	s := newTestSync(t, pub, func(bool) { calls++ })
	topics := session.NewTopics(testThing)

	delta := session.Message{
		Topic:   topics.ShadowDelta,
		Payload: []byte(`{"state":{"relay_output":true}}`),
	}
	s.HandleMessage(delta)
	s.HandleMessage(delta)
	s.HandleMessage(delta)

	if calls != 1 {
		t.Errorf("relay handler fired %d times for repeated delta, want 1", calls)
	}
}

func TestHandleMessage_CommandTopic(t *testing.T) {
	pub := &fakePublisher{}
	var calls []bool
	s := newTestSync(t, pub, func(on bool) { calls = append(calls, on) })
	topics := session.NewTopics(testThing)

	s.HandleMessage(session.Message{
		Topic:   topics.Commands,
		Payload: []byte(`{"relay_output":true}`),
	})

	if len(calls) != 1 || !calls[0] {
		t.Fatalf("command not applied, calls = %v", calls)
	}
}

func TestHandleMessage_ExactTopicMatchOnly(t *testing.T) {
	pub := &fakePublisher{}
	var calls int
	s := newTestSync(t, pub, func(bool) { calls++ })

	// Near-miss topics must not route: prefix, suffix and substring
	// variants of the delta topic.
	topics := session.NewTopics(testThing)
	for _, topic := range []string{
		topics.ShadowDelta + "/extra",
		"x" + topics.ShadowDelta,
		"$aws/things/other-thing/shadow/update/delta",
	} {
		s.HandleMessage(session.Message{
			Topic:   topic,
			Payload: []byte(`{"state":{"relay_output":true}}`),
		})
	}

	if calls != 0 {
		t.Errorf("relay handler fired %d times for non-matching topics", calls)
	}
}

func TestHandleMessage_MalformedDelta(t *testing.T) {
	pub := &fakePublisher{}
	var calls int
	s := newTestSync(t, pub, func(bool) { calls++ })
	topics := session.NewTopics(testThing)

	for _, payload := range []string{
		`not json`,
		`{"state":{}}`,
		`{"state":{"relay_output":"yes"}}`,
		`{}`,
	} {
		s.HandleMessage(session.Message{Topic: topics.ShadowDelta, Payload: []byte(payload)})
	}

	if calls != 0 {
		t.Errorf("malformed deltas fired the relay handler %d times", calls)
	}
}

func TestUpdate_LockTimeout(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSync(t, pub, nil)
	s.lockWait = 20 * time.Millisecond

	// Hold the lock from outside the API.
	s.lock <- struct{}{}
	defer func() { <-s.lock }()

	err := s.Update(context.Background(), func(*ReportedState) {})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestPublishUpdate_PublisherError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("session: publish failed")}
	s := newTestSync(t, pub, nil)

	if err := s.PublishUpdate(context.Background()); err == nil {
		t.Fatal("expected error from failing publisher")
	}
}
