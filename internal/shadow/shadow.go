// Package shadow synchronizes device state with the cloud's persisted
// shadow document.
//
// The device reports its full state on a fixed cadence and applies
// desired-state deltas from the cloud. Local state lives behind a bounded
// lock: a holder that stalls for more than the wait limit causes waiters
// to fail loudly instead of deadlocking the supervisory loop.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-link-agent/internal/session"
)

// Domain-specific errors for shadow operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrLockTimeout is returned when the state lock could not be taken
	// within the bounded wait.
	ErrLockTimeout = errors.New("shadow: state lock timeout")

	// ErrInvalidThingName is returned when constructing with an empty thing name.
	ErrInvalidThingName = errors.New("shadow: thing name required")

	// ErrNilRelayHandler is returned when constructing without a relay callback.
	ErrNilRelayHandler = errors.New("shadow: relay handler required")
)

// lockWait bounds how long any operation waits for the state lock.
const lockWait = 5 * time.Second

// Publisher is the slice of the session the synchronizer needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// RelayHandler is invoked when the cloud requests a relay change. It runs
// with the state lock released; implementations drive the actual output.
type RelayHandler func(on bool)

// Synchronizer owns the device's reported state and its exchange with the
// cloud shadow service.
//
// Thread Safety:
//   - All methods are safe for concurrent use. State access serializes on
//     a bounded lock; see ErrLockTimeout.
type Synchronizer struct {
	pub     Publisher
	topics  session.Topics
	onRelay RelayHandler
	logger  *logging.Logger

	lock  chan struct{}
	state ReportedState

	lockWait time.Duration
}

// New creates a synchronizer for one device.
//
// Parameters:
//   - pub: Session used for shadow publications
//   - topics: The device's topic set
//   - thingName: Device identity, also reported as device_id
//   - mac: Hardware address reported in the shadow document
//   - onRelay: Callback for cloud-requested relay changes, must not be nil
//
// Returns:
//   - *Synchronizer: Ready synchronizer with zeroed state
//   - error: ErrInvalidThingName or ErrNilRelayHandler
func New(pub Publisher, topics session.Topics, thingName, mac string, onRelay RelayHandler, logger *logging.Logger) (*Synchronizer, error) {
	if thingName == "" {
		return nil, ErrInvalidThingName
	}
	if onRelay == nil {
		return nil, ErrNilRelayHandler
	}

	s := &Synchronizer{
		pub:      pub,
		topics:   topics,
		onRelay:  onRelay,
		logger:   logger.With("component", "shadow"),
		lock:     make(chan struct{}, 1),
		lockWait: lockWait,
	}
	s.state.DeviceID = thingName
	s.state.MACAddress = mac
	return s, nil
}

// Update applies a mutation to the reported state under the bounded lock.
// The mutation must not block.
func (s *Synchronizer) Update(ctx context.Context, fn func(*ReportedState)) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	fn(&s.state)
	return nil
}

// Snapshot returns a copy of the current reported state.
func (s *Synchronizer) Snapshot(ctx context.Context) (ReportedState, error) {
	if err := s.acquire(ctx); err != nil {
		return ReportedState{}, err
	}
	defer s.release()
	return s.state, nil
}

// PublishUpdate stamps the state and publishes the full reported document
// to the shadow update topic.
func (s *Synchronizer) PublishUpdate(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	s.state.Timestamp = time.Now().Unix()
	payload, err := marshalUpdate(s.state)
	s.release()

	if err != nil {
		return fmt.Errorf("shadow: marshalling update: %w", err)
	}
	if err := s.pub.Publish(ctx, s.topics.ShadowUpdate, payload); err != nil {
		return fmt.Errorf("shadow: publishing update: %w", err)
	}
	s.logger.Debug("shadow update published", "bytes", len(payload))
	return nil
}

// RequestShadow asks the shadow service for the persisted document,
// typically once after connecting so the device can converge on the last
// desired state.
func (s *Synchronizer) RequestShadow(ctx context.Context) error {
	if err := s.pub.Publish(ctx, s.topics.ShadowGet, []byte("{}")); err != nil {
		return fmt.Errorf("shadow: requesting document: %w", err)
	}
	return nil
}

// HandleMessage routes an inbound publication by exact topic match. Delta
// and command topics may change the relay; accepted and rejected are
// logged. Unknown topics are ignored.
func (s *Synchronizer) HandleMessage(msg session.Message) {
	switch msg.Topic {
	case s.topics.ShadowDelta, s.topics.Commands:
		s.handleRelayRequest(msg)
	case s.topics.ShadowAccepted:
		s.logger.Debug("shadow update accepted")
	case s.topics.ShadowRejected:
		s.logger.Warn("shadow update rejected", "payload", string(msg.Payload))
	default:
		s.logger.Debug("ignoring message on unrouted topic", "topic", msg.Topic)
	}
}

// handleRelayRequest applies a requested relay state. A request matching
// the current state is a no-op: the callback never fires twice for the
// same value, so replayed deltas are harmless.
func (s *Synchronizer) handleRelayRequest(msg session.Message) {
	want, ok := parseRelayDelta(msg.Payload)
	if !ok {
		s.logger.Debug("no relay field in request", "topic", msg.Topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.lockWait)
	defer cancel()

	if err := s.acquire(ctx); err != nil {
		s.logger.Error("relay request dropped, state lock unavailable", "error", err)
		return
	}
	changed := s.state.RelayOutput != want
	s.state.RelayOutput = want
	s.release()

	if !changed {
		return
	}

	s.logger.Info("relay state change requested", "on", want, "topic", msg.Topic)
	s.onRelay(want)

	if err := s.PublishUpdate(ctx); err != nil {
		s.logger.Warn("could not confirm relay change to shadow", "error", err)
	}
}

func (s *Synchronizer) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-time.After(s.lockWait):
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synchronizer) release() {
	<-s.lock
}
