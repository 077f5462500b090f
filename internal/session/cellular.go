package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/certstore"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

// Commander is the slice of the modem transport the session needs.
type Commander interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	SendCommandExpect(ctx context.Context, cmd, expect string, timeout time.Duration) (string, error)
	SendData(ctx context.Context, data []byte, timeout time.Duration) (string, error)
}

const (
	// defaultCmdTimeout applies to ordinary engine exchanges when no
	// timeout is configured. Certificate upload, broker connect and
	// publish keep their own longer bounds.
	defaultCmdTimeout = 5 * time.Second

	certTimeout    = 15 * time.Second
	connectTimeout = 30 * time.Second
	publishTimeout = 15 * time.Second

	// mqttStartAlreadyRunning is the engine's result code when CMQTTSTART
	// is issued while the service is already up.
	mqttStartAlreadyRunning = "23"
)

// CellularConfig parameterises a modem MQTT session.
type CellularConfig struct {
	Endpoint  string
	Port      int
	ClientID  string
	KeepAlive int
	QoS       int
	Topics    Topics
	Certs     *certstore.Bundle

	// CommandTimeout bounds ordinary engine exchanges; zero selects the
	// default.
	CommandTimeout time.Duration

	// Names of the credential files inside the modem's certificate store.
	CACertName     string
	ClientCertName string
	ClientKeyName  string
}

// Cellular is an MQTT session running on the SIM7600's embedded engine.
//
// Thread Safety:
//   - Connect, Publish and Close serialize on an internal mutex.
//   - HandleLine is called from the transport's event dispatcher and only
//     touches the assembler and atomic connection flag.
type Cellular struct {
	cmd        Commander
	cfg        CellularConfig
	cmdTimeout time.Duration
	logger     *logging.Logger

	mu        sync.Mutex
	connected atomic.Bool

	handlerMu sync.RWMutex
	handler   Handler

	asm rxAssembler
}

// NewCellular creates a session over the modem's MQTT engine. Wire
// HandleLine to the transport's event handler before calling Connect.
func NewCellular(cmd Commander, cfg CellularConfig, logger *logging.Logger) *Cellular {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	return &Cellular{
		cmd:        cmd,
		cfg:        cfg,
		cmdTimeout: timeout,
		logger:     logger.With("component", "session"),
	}
}

// SetHandler registers the inbound message handler.
func (c *Cellular) SetHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connected reports whether the engine session is established.
func (c *Cellular) Connected() bool {
	return c.connected.Load()
}

// Connect establishes the full session: teardown of any previous state,
// TLS configuration, engine start, client acquisition, broker connect and
// topic subscriptions. A failure at any step leaves the engine torn down
// enough that the next call can start clean.
func (c *Cellular) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	c.teardown(ctx)

	if err := c.configureTLS(ctx); err != nil {
		return err
	}
	if err := c.startEngine(ctx); err != nil {
		return err
	}
	if err := c.acquireClient(ctx); err != nil {
		return err
	}
	if err := c.connectBroker(ctx); err != nil {
		return err
	}
	if err := c.subscribeAll(ctx); err != nil {
		return err
	}

	c.connected.Store(true)
	c.logger.Info("session established",
		"endpoint", c.cfg.Endpoint,
		"client_id", c.cfg.ClientID,
		"subscriptions", len(c.cfg.Topics.Subscriptions()))
	return nil
}

// Publish sends one message through the engine's three-step sequence:
// stage topic, stage payload, trigger publish. The engine's result line
// is awaited so a delivery failure surfaces to the caller.
func (c *Cellular) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stage(ctx, fmt.Sprintf("AT+CMQTTTOPIC=0,%d", len(topic)), []byte(topic)); err != nil {
		return fmt.Errorf("%w: topic: %w", ErrPublishFailed, err)
	}
	if err := c.stage(ctx, fmt.Sprintf("AT+CMQTTPAYLOAD=0,%d", len(payload)), payload); err != nil {
		return fmt.Errorf("%w: payload: %w", ErrPublishFailed, err)
	}

	pub := fmt.Sprintf("AT+CMQTTPUB=0,%d,%d", c.cfg.QoS, c.cfg.KeepAlive)
	resp, err := c.cmd.SendCommandExpect(ctx, pub, "+CMQTTPUB:", publishTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if !strings.Contains(resp, "+CMQTTPUB: 0,0") {
		return fmt.Errorf("%w: engine result %q", ErrPublishFailed, firstMatch(resp, "+CMQTTPUB:"))
	}
	return nil
}

// HandleLine feeds one unsolicited modem line into the session. It
// reassembles inbound publications from the engine's RX URC sequence and
// tracks connection-loss notifications.
func (c *Cellular) HandleLine(line string) {
	if strings.HasPrefix(line, "+CMQTTCONNLOST:") || strings.HasPrefix(line, "+CMQTTNONET") {
		c.logger.Warn("broker connection lost", "line", line)
		c.connected.Store(false)
		return
	}

	msg, ok := c.asm.feed(line)
	if !ok {
		return
	}

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(msg)
	}
}

// Close disconnects and stops the engine.
func (c *Cellular) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected.Store(false)
	c.teardown(context.Background())
	return nil
}

// teardown disconnects, releases the client slot and stops the engine.
// Every step is expected to fail when there is nothing to tear down;
// errors are ignored so a clean slate is always reachable.
func (c *Cellular) teardown(ctx context.Context) {
	_, _ = c.cmd.SendCommand(ctx, fmt.Sprintf("AT+CMQTTDISC=0,%d", c.cfg.KeepAlive), c.cmdTimeout)
	_, _ = c.cmd.SendCommand(ctx, "AT+CMQTTREL=0", c.cmdTimeout)
	_, _ = c.cmd.SendCommand(ctx, "AT+CMQTTSTOP", c.cmdTimeout)
}

// configureTLS uploads any missing credential files to the modem's
// certificate store and points the SSL context at them: TLS 1.2, mutual
// authentication, server verification against the pinned CA.
func (c *Cellular) configureTLS(ctx context.Context) error {
	listing, _ := c.cmd.SendCommand(ctx, "AT+CCERTLIST", c.cmdTimeout)

	uploads := []struct {
		name string
		data []byte
	}{
		{c.cfg.CACertName, c.cfg.Certs.RootCA},
		{c.cfg.ClientCertName, c.cfg.Certs.ClientCert},
		{c.cfg.ClientKeyName, c.cfg.Certs.ClientKey},
	}
	for _, u := range uploads {
		if strings.Contains(listing, u.name) {
			continue
		}
		if err := c.stage(ctx, fmt.Sprintf(`AT+CCERTDOWN="%s",%d`, u.name, len(u.data)), u.data); err != nil {
			return fmt.Errorf("%w: uploading %s: %w", ErrTLSConfigFailed, u.name, err)
		}
		c.logger.Info("certificate uploaded", "file", u.name, "bytes", len(u.data))
	}

	sslCfg := []string{
		`AT+CSSLCFG="sslversion",0,4`,
		`AT+CSSLCFG="authmode",0,2`,
		fmt.Sprintf(`AT+CSSLCFG="cacert",0,"%s"`, c.cfg.CACertName),
		fmt.Sprintf(`AT+CSSLCFG="clientcert",0,"%s"`, c.cfg.ClientCertName),
		fmt.Sprintf(`AT+CSSLCFG="clientkey",0,"%s"`, c.cfg.ClientKeyName),
		"AT+CMQTTSSLCFG=0,1",
	}
	for _, cmd := range sslCfg {
		if _, err := c.cmd.SendCommand(ctx, cmd, c.cmdTimeout); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTLSConfigFailed, cmd, err)
		}
	}
	return nil
}

func (c *Cellular) startEngine(ctx context.Context) error {
	resp, err := c.cmd.SendCommandExpect(ctx, "AT+CMQTTSTART", "+CMQTTSTART:", c.cmdTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceStartFailed, err)
	}
	result := resultCode(resp, "+CMQTTSTART:")
	if result != "0" && result != mqttStartAlreadyRunning {
		return fmt.Errorf("%w: engine result %s", ErrServiceStartFailed, result)
	}
	return nil
}

func (c *Cellular) acquireClient(ctx context.Context) error {
	cmd := fmt.Sprintf(`AT+CMQTTACCQ=0,"%s",1`, c.cfg.ClientID)
	if _, err := c.cmd.SendCommand(ctx, cmd, c.cmdTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrClientAcquireFailed, err)
	}
	return nil
}

func (c *Cellular) connectBroker(ctx context.Context) error {
	uri := fmt.Sprintf("tcp://%s:%d", c.cfg.Endpoint, c.cfg.Port)
	cmd := fmt.Sprintf(`AT+CMQTTCONNECT=0,"%s",%d,1`, uri, c.cfg.KeepAlive)

	resp, err := c.cmd.SendCommandExpect(ctx, cmd, "+CMQTTCONNECT:", connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if !strings.Contains(resp, "+CMQTTCONNECT: 0,0") {
		return fmt.Errorf("%w: engine result %q", ErrConnectFailed, firstMatch(resp, "+CMQTTCONNECT:"))
	}
	return nil
}

func (c *Cellular) subscribeAll(ctx context.Context) error {
	for _, topic := range c.cfg.Topics.Subscriptions() {
		cmd := fmt.Sprintf("AT+CMQTTSUB=0,%d,%d", len(topic), c.cfg.QoS)
		if err := c.stage(ctx, cmd, []byte(topic)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		c.logger.Debug("subscribed", "topic", topic)
	}
	return nil
}

// stage issues a length-announcing command, waits for the data prompt and
// transmits the body.
func (c *Cellular) stage(ctx context.Context, cmd string, body []byte) error {
	resp, err := c.cmd.SendCommand(ctx, cmd, c.cmdTimeout)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, ">") {
		return fmt.Errorf("no data prompt, got %q", resp)
	}
	if _, err := c.cmd.SendData(ctx, body, certTimeout); err != nil {
		return err
	}
	return nil
}

// resultCode extracts the last comma-separated field of the line starting
// with prefix, e.g. "+CMQTTSTART: 23" yields "23".
func resultCode(resp, prefix string) string {
	line := firstMatch(resp, prefix)
	if line == "" {
		return ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if i := strings.LastIndexByte(rest, ','); i >= 0 {
		rest = rest[i+1:]
	}
	return strings.TrimSpace(rest)
}

// firstMatch returns the first line in resp starting with prefix.
func firstMatch(resp, prefix string) string {
	for _, line := range strings.Split(resp, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
