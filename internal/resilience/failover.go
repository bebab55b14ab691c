package resilience

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Failover implements [s2s.Provider] by connecting through the first
// healthy backend of a [Chain].
type Failover struct {
	chain *Chain[s2s.Provider]

	mu   sync.Mutex
	last s2s.Provider
	name string
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover returns a Failover over primary and fallbacks.
func NewFailover(cfg BreakerConfig, primary Entry[s2s.Provider], fallbacks ...Entry[s2s.Provider]) *Failover {
	entries := append([]Entry[s2s.Provider]{primary}, fallbacks...)
	return &Failover{
		chain: NewChain(cfg, entries...),
		last:  primary.Value,
		name:  primary.Name,
	}
}

// Connect tries each backend in order. A voice the backend does not list is
// replaced by that backend's default voice, so a fallback of a different
// vendor still accepts the call. Handshake errors are returned as
// *[s2s.ConnectError].
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	type conn struct {
		p s2s.Provider
		h s2s.SessionHandle
	}
	res, name, err := Try(f.chain, func(p s2s.Provider) (conn, error) {
		h, err := p.Connect(ctx, voiceFor(p.Capabilities(), cfg))
		return conn{p: p, h: h}, err
	})
	if err != nil {
		var ce *s2s.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &s2s.ConnectError{Provider: "failover", Err: err}
	}

	f.mu.Lock()
	switched := f.name != name
	f.last, f.name = res.p, name
	f.mu.Unlock()
	if switched {
		slog.Info("resilience: connected through backend", "backend", name)
	}
	return res.h, nil
}

// Capabilities returns the capabilities of the backend that served the most
// recent successful Connect, or of the primary before the first one.
func (f *Failover) Capabilities() s2s.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last.Capabilities()
}

// Active returns the name of the backend that served the most recent
// successful Connect.
func (f *Failover) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// Backends returns the backend names in failover order.
func (f *Failover) Backends() []string { return f.chain.Names() }

// BreakerState returns the breaker state of the named backend.
func (f *Failover) BreakerState(name string) (State, bool) {
	b := f.chain.Breaker(name)
	if b == nil {
		return StateClosed, false
	}
	return b.State(), true
}

func voiceFor(caps s2s.Capabilities, cfg s2s.SessionConfig) s2s.SessionConfig {
	if cfg.Voice == "" || len(caps.Voices) == 0 || slices.Contains(caps.Voices, cfg.Voice) {
		return cfg
	}
	cfg.Voice = caps.DefaultVoice
	return cfg
}
