package modem

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

const (
	// maxResponseBytes bounds the accumulated response of a single exchange.
	// Lines beyond the limit are dropped tail-first; the exchange still
	// terminates normally.
	maxResponseBytes = 4096

	// eventQueueSize bounds the unsolicited event queue between the reader
	// goroutine and the dispatch worker.
	eventQueueSize = 64

	// lineQueueSize bounds the per-exchange response line channel. The
	// reader never blocks on it; overflow lines are counted and dropped.
	lineQueueSize = 32

	// ctrlZ terminates a data body (topic, payload, certificate upload).
	ctrlZ = "\x1A"
)

// urcPrefixes identifies lines that are unsolicited result codes even while
// a command exchange is in flight. Everything else received mid-exchange
// belongs to the pending command's response.
var urcPrefixes = []string{
	"+CMQTTRXSTART:",
	"+CMQTTRXTOPIC:",
	"+CMQTTRXPAYLOAD:",
	"+CMQTTRXEND:",
	"+CMQTTCONNLOST:",
	"+CMQTTNONET",
	"+CPIN: NOT READY",
	"+SIMCARD:",
	"RING",
	"NO CARRIER",
}

// Event is a single unsolicited line from the modem, delivered in arrival
// order to the registered handler.
type Event struct {
	Line string
}

// EventHandler receives unsolicited modem output. Handlers run on the
// dispatch worker goroutine; a slow handler delays later events but never
// the reader.
type EventHandler func(Event)

// Stats holds transport counters. All fields are updated atomically and
// may be read at any time via Transport.Stats.
type Stats struct {
	CommandsSent  uint64
	LinesReceived uint64
	Timeouts      uint64
	Rejections    uint64
	EventsQueued  uint64
	EventsDropped uint64
	LinesDropped  uint64
}

// Transport is the AT command executor over a single serial channel.
//
// One reader goroutine owns the port's read side and demultiplexes lines
// between the in-flight exchange and the unsolicited event queue. Command
// exchanges are serialized; at most one is on the wire at any time.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Transport struct {
	port   io.ReadWriteCloser
	logger *logging.Logger

	// cmdMu serializes complete request/response exchanges.
	cmdMu sync.Mutex

	// pending is the line channel of the in-flight exchange, nil when idle.
	// Guarded by pendingMu, not cmdMu, because the reader goroutine needs it.
	pendingMu sync.Mutex
	pending   chan string

	events chan Event

	handlerMu sync.RWMutex
	handler   EventHandler

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	commandsSent  atomic.Uint64
	linesReceived atomic.Uint64
	timeouts      atomic.Uint64
	rejections    atomic.Uint64
	eventsQueued  atomic.Uint64
	eventsDropped atomic.Uint64
	linesDropped  atomic.Uint64
}

// NewTransport wraps an open port and starts the reader and event dispatch
// goroutines. The caller owns the port's lifetime until Close is called.
func NewTransport(port io.ReadWriteCloser, logger *logging.Logger) *Transport {
	t := &Transport{
		port:   port,
		logger: logger.With("component", "modem"),
		events: make(chan Event, eventQueueSize),
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.dispatchLoop()

	return t
}

// SetEventHandler registers the handler for unsolicited modem output.
// Passing nil discards events. Safe to call at any time.
func (t *Transport) SetEventHandler(h EventHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// SendCommand writes an AT command and collects response lines until the
// modem answers OK or an error token, or the timeout expires.
//
// The returned response contains every line received for this exchange,
// including the terminator, joined by newlines. On rejection the response
// is still returned alongside ErrCommandRejected so callers can inspect
// +CME ERROR details.
//
// Parameters:
//   - ctx: Cancels the wait (not the command already on the wire)
//   - cmd: Command without line ending, e.g. "AT+CSQ"
//   - timeout: Hard deadline for the exchange
//
// Returns:
//   - string: Accumulated response
//   - error: ErrTimeout, ErrCommandRejected, ErrClosed, or a write error
func (t *Transport) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	return t.exchange(ctx, cmd+"\r\n", "", timeout)
}

// SendCommandExpect behaves like SendCommand but treats any line containing
// expect as the success terminator instead of OK. This serves commands whose
// final verdict arrives after the OK, such as AT+CMQTTCONNECT which reports
// the result asynchronously as "+CMQTTCONNECT: 0,<err>".
func (t *Transport) SendCommandExpect(ctx context.Context, cmd, expect string, timeout time.Duration) (string, error) {
	return t.exchange(ctx, cmd+"\r\n", expect, timeout)
}

// SendData transmits a raw body terminated by Ctrl+Z and waits for OK.
// Used after a ">" prompt for topic, payload, and certificate uploads.
func (t *Transport) SendData(ctx context.Context, data []byte, timeout time.Duration) (string, error) {
	return t.exchange(ctx, string(data)+ctrlZ, "", timeout)
}

// exchange runs one serialized request/response cycle.
func (t *Transport) exchange(ctx context.Context, raw, expect string, timeout time.Duration) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	lines := make(chan string, lineQueueSize)
	t.pendingMu.Lock()
	t.pending = lines
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		t.pending = nil
		t.pendingMu.Unlock()
	}()

	if _, err := t.port.Write([]byte(raw)); err != nil {
		return "", fmt.Errorf("modem: write failed: %w", err)
	}
	t.commandsSent.Add(1)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var buf strings.Builder
	echo := strings.TrimRight(raw, "\r\n"+ctrlZ)

	for {
		select {
		case line := <-lines:
			if line == echo {
				// Command echo, not part of the response.
				continue
			}
			if buf.Len()+len(line)+1 <= maxResponseBytes {
				if buf.Len() > 0 {
					buf.WriteByte('\n')
				}
				buf.WriteString(line)
			} else {
				t.linesDropped.Add(1)
			}

			switch {
			case isErrorLine(line):
				t.rejections.Add(1)
				return buf.String(), fmt.Errorf("%w: %s", ErrCommandRejected, line)
			case expect != "" && strings.Contains(line, expect):
				return buf.String(), nil
			case expect == "" && (line == "OK" || line == ">"):
				return buf.String(), nil
			}

		case <-deadline.C:
			t.timeouts.Add(1)
			return buf.String(), fmt.Errorf("%w: %s after %s", ErrTimeout, echo, timeout)

		case <-ctx.Done():
			return buf.String(), ctx.Err()
		}
	}
}

// readLoop is the sole reader of the serial port. It classifies each line
// and never blocks on a consumer.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.events)

	scanner := bufio.NewScanner(t.port)
	scanner.Buffer(make([]byte, 4096), maxResponseBytes)
	scanner.Split(scanATTokens)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.linesReceived.Add(1)

		if isUnsolicited(line) {
			t.enqueueEvent(line)
			continue
		}

		t.pendingMu.Lock()
		pending := t.pending
		t.pendingMu.Unlock()

		if pending == nil {
			// No exchange in flight. This is either a URC body line
			// (topic or payload content following +CMQTTRXTOPIC) or a
			// late response from a timed-out exchange. Both go to the
			// event queue; consumers ignore lines they did not ask for.
			t.enqueueEvent(line)
			continue
		}

		select {
		case pending <- line:
		default:
			t.linesDropped.Add(1)
		}
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		t.logger.Error("serial read failed", "error", err)
	}
	t.closed.Store(true)
}

// dispatchLoop delivers queued events to the registered handler in order.
func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for ev := range t.events {
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(ev)
		}
	}
}

func (t *Transport) enqueueEvent(line string) {
	select {
	case t.events <- Event{Line: line}:
		t.eventsQueued.Add(1)
	default:
		t.eventsDropped.Add(1)
		t.logger.Warn("event queue full, dropping", "line", line)
	}
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		CommandsSent:  t.commandsSent.Load(),
		LinesReceived: t.linesReceived.Load(),
		Timeouts:      t.timeouts.Load(),
		Rejections:    t.rejections.Load(),
		EventsQueued:  t.eventsQueued.Load(),
		EventsDropped: t.eventsDropped.Load(),
		LinesDropped:  t.linesDropped.Load(),
	}
}

// Close shuts down the transport and releases the serial port. Safe to call
// multiple times. In-flight exchanges fail with a read error or timeout.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.port.Close()
		t.wg.Wait()
	})
	return err
}

// isErrorLine reports whether a line is a modem error terminator.
func isErrorLine(line string) bool {
	return line == "ERROR" ||
		strings.HasPrefix(line, "+CME ERROR") ||
		strings.HasPrefix(line, "+CMS ERROR")
}

// isUnsolicited reports whether a line is a known URC.
func isUnsolicited(line string) bool {
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// scanATTokens splits the serial stream into trimmed lines and also emits
// the bare ">" data prompt, which the modem sends without a line ending.
func scanATTokens(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '>' {
		return len(data), []byte(">"), nil
	}
	if atEOF {
		return len(data), bytes.TrimRight(data, "\r"), nil
	}
	return 0, nil, nil
}
