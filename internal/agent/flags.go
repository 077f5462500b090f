package agent

import (
	"context"
	"sync"
)

// Flag is one readiness bit of the connectivity stack. The bits form a
// strict ladder: a broker connection implies a usable bearer, which
// implies an attached network. Clearing a lower rung clears everything
// above it so the invariant can never be observed violated.
type Flag uint32

const (
	// FlagNetworkReady: the modem (or host) is registered and packet-attached.
	FlagNetworkReady Flag = 1 << iota

	// FlagBearerReady: the data path underneath MQTT is verified open.
	FlagBearerReady

	// FlagBrokerConnected: the MQTT session is established and subscribed.
	FlagBrokerConnected
)

// FlagAll is the fully-up mask.
const FlagAll = FlagNetworkReady | FlagBearerReady | FlagBrokerConnected

// FlagGroup is a broadcast-capable flag set. Waiters block until every bit
// of their mask is set; any change wakes all waiters for re-evaluation.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type FlagGroup struct {
	mu     sync.Mutex
	bits   Flag
	waitCh chan struct{}
}

// NewFlagGroup creates an empty flag group.
func NewFlagGroup() *FlagGroup {
	return &FlagGroup{waitCh: make(chan struct{})}
}

// Set raises the given flags and wakes waiters.
func (g *FlagGroup) Set(f Flag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bits|f == g.bits {
		return
	}
	g.bits |= f
	g.broadcast()
}

// Clear lowers the given flags along with every flag above them in the
// ladder, then wakes waiters.
func (g *FlagGroup) Clear(f Flag) {
	if f&FlagNetworkReady != 0 {
		f |= FlagBearerReady | FlagBrokerConnected
	}
	if f&FlagBearerReady != 0 {
		f |= FlagBrokerConnected
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bits&^f == g.bits {
		return
	}
	g.bits &^= f
	g.broadcast()
}

// Has reports whether every bit of the mask is currently set.
func (g *FlagGroup) Has(mask Flag) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits&mask == mask
}

// Wait blocks until every bit of the mask is set or the context ends.
func (g *FlagGroup) Wait(ctx context.Context, mask Flag) error {
	for {
		g.mu.Lock()
		if g.bits&mask == mask {
			g.mu.Unlock()
			return nil
		}
		ch := g.waitCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcast wakes all waiters. Caller holds g.mu.
func (g *FlagGroup) broadcast() {
	close(g.waitCh)
	g.waitCh = make(chan struct{})
}
