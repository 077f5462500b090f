package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

// PahoConfig parameterises a direct TLS session over the host network.
type PahoConfig struct {
	Endpoint  string
	Port      int
	ClientID  string
	KeepAlive int
	QoS       int
	Topics    Topics
	TLS       *tls.Config
}

// Paho is an MQTT session over the host network stack using the Eclipse
// Paho client with mutual TLS.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The client handle is
//     guarded by connMu; Publish is reachable from paho's dispatch
//     goroutine while the supervisory loop reconnects.
type Paho struct {
	cfg    PahoConfig
	logger *logging.Logger

	connMu sync.RWMutex
	client mqtt.Client

	handlerMu sync.RWMutex
	handler   Handler
}

// NewPaho creates a host-network session. TLS must carry the device
// keypair and pinned CA; the broker rejects anything less.
func NewPaho(cfg PahoConfig, logger *logging.Logger) *Paho {
	return &Paho{
		cfg:    cfg,
		logger: logger.With("component", "session"),
	}
}

// SetHandler registers the inbound message handler.
func (p *Paho) SetHandler(h Handler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// Connected reports whether the client holds a live broker connection.
func (p *Paho) Connected() bool {
	p.connMu.RLock()
	client := p.client
	p.connMu.RUnlock()
	return client != nil && client.IsConnected()
}

// BrokerURI returns the ssl:// endpoint this session connects to.
func (p *Paho) BrokerURI() string {
	return fmt.Sprintf("ssl://%s:%d", p.cfg.Endpoint, p.cfg.Port)
}

// Connect dials the broker and subscribes to the configured topics. Any
// previous client is disconnected first so a retry starts clean.
func (p *Paho) Connect(ctx context.Context) error {
	p.connMu.Lock()
	old := p.client
	p.client = nil
	p.connMu.Unlock()
	if old != nil {
		old.Disconnect(250)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.BrokerURI()).
		SetClientID(p.cfg.ClientID).
		SetTLSConfig(p.cfg.TLS).
		SetKeepAlive(time.Duration(p.cfg.KeepAlive) * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn("broker connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := p.waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	for _, topic := range p.cfg.Topics.Subscriptions() {
		tok := client.Subscribe(topic, byte(p.cfg.QoS), p.dispatch)
		if err := p.waitToken(ctx, tok); err != nil {
			client.Disconnect(250)
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		p.logger.Debug("subscribed", "topic", topic)
	}

	p.connMu.Lock()
	p.client = client
	p.connMu.Unlock()
	p.logger.Info("session established",
		"broker", p.BrokerURI(),
		"client_id", p.cfg.ClientID,
		"subscriptions", len(p.cfg.Topics.Subscriptions()))
	return nil
}

// Publish sends one message at the configured QoS and waits for broker
// acknowledgement.
func (p *Paho) Publish(ctx context.Context, topic string, payload []byte) error {
	p.connMu.RLock()
	client := p.client
	p.connMu.RUnlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	tok := client.Publish(topic, byte(p.cfg.QoS), false, payload)
	if err := p.waitToken(ctx, tok); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (p *Paho) Close() error {
	p.connMu.Lock()
	client := p.client
	p.client = nil
	p.connMu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// dispatch bridges paho callbacks onto the session handler. A panicking
// handler is contained so the client's router keeps running.
func (p *Paho) dispatch(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message handler panicked",
				"topic", msg.Topic(),
				"panic", r)
		}
	}()

	p.handlerMu.RLock()
	h := p.handler
	p.handlerMu.RUnlock()
	if h != nil {
		h(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	}
}

// waitToken blocks on a paho token until completion or context expiry.
func (p *Paho) waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
