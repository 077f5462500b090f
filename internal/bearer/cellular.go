package bearer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

// Commander is the slice of the modem transport the bearer needs.
type Commander interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

const (
	// registrationPollInterval spaces out CREG polls while waiting for
	// the carrier to accept the device.
	registrationPollInterval = 2 * time.Second

	// registrationPollLimit bounds a single Connect attempt; the caller's
	// retry loop handles anything longer.
	registrationPollLimit = 30

	// defaultCmdTimeout applies when no exchange timeout is configured.
	defaultCmdTimeout = 3 * time.Second

	netOpenTimeout = 10 * time.Second
)

// Cellular attaches a SIM7600 modem to the packet network and opens the
// module's TCP/IP stack.
//
// Thread Safety:
//   - Connect, Probe and SignalStrength serialize on an internal mutex;
//     the supervisory loop is the only expected caller.
type Cellular struct {
	cmd    Commander
	apn    string
	logger *logging.Logger

	cmdTimeout   time.Duration
	pollInterval time.Duration
	pollLimit    int

	mu    sync.Mutex
	state State
}

// NewCellular creates a cellular bearer over an AT command transport.
// cmdTimeout bounds each ordinary AT exchange; zero selects the default.
func NewCellular(cmd Commander, apn string, cmdTimeout time.Duration, logger *logging.Logger) *Cellular {
	if cmdTimeout <= 0 {
		cmdTimeout = defaultCmdTimeout
	}
	return &Cellular{
		cmd:          cmd,
		apn:          apn,
		logger:       logger.With("component", "bearer"),
		cmdTimeout:   cmdTimeout,
		pollInterval: registrationPollInterval,
		pollLimit:    registrationPollLimit,
		state:        StatePoweredOff,
	}
}

// State returns the last reached attach state.
func (c *Cellular) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect walks the modem from power-on checks to an open network stack:
// radio on, SIM ready, registered, packet-attached, PDP context active,
// TCP/IP stack open. Any failed step aborts the attempt; the next call
// starts over from the first step.
func (c *Cellular) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StatePoweredOff)

	if err := c.initialise(ctx); err != nil {
		return err
	}
	c.setState(StateInitializing)

	if err := c.waitSimReady(ctx); err != nil {
		return err
	}
	c.setState(StateSimReady)

	if err := c.waitRegistered(ctx); err != nil {
		return err
	}
	c.setState(StateRegistered)

	if err := c.activateContext(ctx); err != nil {
		return err
	}
	c.setState(StateContextActive)

	if err := c.openNetwork(ctx); err != nil {
		return err
	}
	c.setState(StateNetworkOpen)

	c.logger.Info("bearer up", "apn", c.apn)
	return nil
}

// Probe re-checks registration and packet attach without tearing anything
// down. A failure here tells the supervisory loop which layer collapsed.
func (c *Cellular) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.cmd.SendCommand(ctx, "AT+CREG?", c.cmdTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRegistered, err)
	}
	if !parseCREG(resp) {
		c.setState(StateSimReady)
		return ErrNotRegistered
	}

	resp, err = c.cmd.SendCommand(ctx, "AT+CGATT?", c.cmdTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAttached, err)
	}
	if !parseCGATT(resp) {
		c.setState(StateRegistered)
		return ErrNotAttached
	}

	return nil
}

// SignalStrength reads the CSQ RSSI indicator.
func (c *Cellular) SignalStrength(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.cmd.SendCommand(ctx, "AT+CSQ", c.cmdTimeout)
	if err != nil {
		return 99, err
	}
	return parseCSQ(resp), nil
}

// Close resets the tracked state. The modem transport stays open; it is
// shared with the session layer and owned by the caller.
func (c *Cellular) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StatePoweredOff
	return nil
}

func (c *Cellular) setState(s State) {
	if c.state != s {
		c.logger.Debug("state transition", "from", c.state.String(), "to", s.String())
		c.state = s
	}
}

func (c *Cellular) initialise(ctx context.Context) error {
	// Basic liveness, echo off, full functionality.
	if _, err := c.cmd.SendCommand(ctx, "AT", c.cmdTimeout); err != nil {
		return fmt.Errorf("bearer: modem not responding: %w", err)
	}
	if _, err := c.cmd.SendCommand(ctx, "ATE0", c.cmdTimeout); err != nil {
		return fmt.Errorf("bearer: disabling echo: %w", err)
	}
	if _, err := c.cmd.SendCommand(ctx, "AT+CFUN=1", c.cmdTimeout); err != nil {
		return fmt.Errorf("bearer: setting full functionality: %w", err)
	}
	return nil
}

func (c *Cellular) waitSimReady(ctx context.Context) error {
	resp, err := c.cmd.SendCommand(ctx, "AT+CPIN?", c.cmdTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSimNotReady, err)
	}
	if !strings.Contains(resp, "+CPIN: READY") {
		return fmt.Errorf("%w: %s", ErrSimNotReady, firstLine(resp))
	}
	return nil
}

func (c *Cellular) waitRegistered(ctx context.Context) error {
	for attempt := 1; attempt <= c.pollLimit; attempt++ {
		resp, err := c.cmd.SendCommand(ctx, "AT+CREG?", c.cmdTimeout)
		if err == nil && parseCREG(resp) {
			if ops, err := c.cmd.SendCommand(ctx, "AT+COPS?", c.cmdTimeout); err == nil {
				c.logger.Info("registered", "operator", parseCOPS(ops), "attempts", attempt)
			}
			return nil
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrNotRegistered
}

func (c *Cellular) activateContext(ctx context.Context) error {
	resp, err := c.cmd.SendCommand(ctx, "AT+CGATT?", c.cmdTimeout)
	if err != nil || !parseCGATT(resp) {
		if _, err := c.cmd.SendCommand(ctx, "AT+CGATT=1", netOpenTimeout); err != nil {
			return fmt.Errorf("%w: %w", ErrNotAttached, err)
		}
	}

	define := fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, c.apn)
	if _, err := c.cmd.SendCommand(ctx, define, c.cmdTimeout); err != nil {
		return fmt.Errorf("%w: defining context: %w", ErrContextFailed, err)
	}

	if _, err := c.cmd.SendCommand(ctx, "AT+CGACT=1,1", netOpenTimeout); err != nil {
		return fmt.Errorf("%w: activating context: %w", ErrContextFailed, err)
	}

	if resp, err := c.cmd.SendCommand(ctx, "AT+CGPADDR=1", c.cmdTimeout); err == nil {
		c.logger.Info("PDP context active", "address", parseCGPADDR(resp))
	}
	return nil
}

func (c *Cellular) openNetwork(ctx context.Context) error {
	resp, err := c.cmd.SendCommand(ctx, "AT+NETOPEN", netOpenTimeout)
	if err != nil && !strings.Contains(resp, "already opened") {
		return fmt.Errorf("%w: %w", ErrNetworkOpenFailed, err)
	}

	if state, err := c.cmd.SendCommand(ctx, "AT+NETSTATE", c.cmdTimeout); err == nil {
		c.logger.Debug("network state", "response", firstLine(state))
	}
	if info, err := c.cmd.SendCommand(ctx, "AT+CPSI?", c.cmdTimeout); err == nil {
		c.logger.Debug("serving cell", "response", firstLine(info))
	}
	return nil
}

// parseCREG reports whether a +CREG? response shows home (1) or roaming
// (5) registration.
func parseCREG(resp string) bool {
	idx := strings.Index(resp, "+CREG:")
	if idx < 0 {
		return false
	}
	fields := strings.Split(firstLine(resp[idx:]), ",")
	if len(fields) < 2 {
		return false
	}
	stat := strings.TrimSpace(fields[1])
	return stat == "1" || stat == "5"
}

// parseCGATT reports whether a +CGATT? response shows packet attach.
func parseCGATT(resp string) bool {
	idx := strings.Index(resp, "+CGATT:")
	if idx < 0 {
		return false
	}
	val := strings.TrimSpace(strings.TrimPrefix(firstLine(resp[idx:]), "+CGATT:"))
	return val == "1"
}

// parseCSQ extracts the RSSI indicator from a +CSQ response, 99 if absent.
func parseCSQ(resp string) int {
	idx := strings.Index(resp, "+CSQ:")
	if idx < 0 {
		return 99
	}
	fields := strings.Split(strings.TrimPrefix(firstLine(resp[idx:]), "+CSQ:"), ",")
	if len(fields) < 1 {
		return 99
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 99
	}
	return rssi
}

// parseCOPS extracts the operator name from a +COPS? response.
func parseCOPS(resp string) string {
	start := strings.Index(resp, `"`)
	if start < 0 {
		return "unknown"
	}
	end := strings.Index(resp[start+1:], `"`)
	if end < 0 {
		return "unknown"
	}
	return resp[start+1 : start+1+end]
}

// parseCGPADDR extracts the assigned address from a +CGPADDR response.
func parseCGPADDR(resp string) string {
	idx := strings.Index(resp, "+CGPADDR:")
	if idx < 0 {
		return "unknown"
	}
	fields := strings.Split(firstLine(resp[idx:]), ",")
	if len(fields) < 2 {
		return "unknown"
	}
	return strings.Trim(strings.TrimSpace(fields[1]), `"`)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
