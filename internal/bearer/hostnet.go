package bearer

import (
	"context"
	"fmt"
	"net"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

// HostNet is the bearer for deployments where the operating system already
// provides connectivity (ethernet, Wi-Fi, a separately managed modem).
// Connect and Probe only verify that the broker endpoint resolves.
type HostNet struct {
	endpoint string
	resolver *net.Resolver
	logger   *logging.Logger
}

// NewHostNet creates a host network bearer for the given broker hostname.
func NewHostNet(endpoint string, logger *logging.Logger) *HostNet {
	return &HostNet{
		endpoint: endpoint,
		resolver: net.DefaultResolver,
		logger:   logger.With("component", "bearer"),
	}
}

// Connect verifies the endpoint resolves via the host's DNS.
func (h *HostNet) Connect(ctx context.Context) error {
	addrs, err := h.resolver.LookupHost(ctx, h.endpoint)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, h.endpoint, err)
	}
	h.logger.Info("bearer up", "endpoint", h.endpoint, "addresses", len(addrs))
	return nil
}

// Probe repeats the resolution check.
func (h *HostNet) Probe(ctx context.Context) error {
	if _, err := h.resolver.LookupHost(ctx, h.endpoint); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, h.endpoint, err)
	}
	return nil
}

// SignalStrength always reports unknown on the host network path.
func (h *HostNet) SignalStrength(ctx context.Context) (int, error) {
	return 99, nil
}

// Close is a no-op; the host network needs no teardown.
func (h *HostNet) Close() error {
	return nil
}
