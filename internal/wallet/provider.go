package wallet

import (
	"errors"
	"sync"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
)

// ErrNoHost is the cause reported when no connector can be built
var ErrNoHost = errors.New("no wallet host configured")

// Factory builds the adapter on first use
type Factory func() (*Adapter, error)

// Provider hands out the process-wide Adapter, constructing it lazily
type Provider struct {
	mu       sync.Mutex
	factory  Factory
	instance *Adapter
}

// NewProvider creates a provider. A nil factory means wallet features are
// unavailable in this process.
func NewProvider(factory Factory) *Provider {
	return &Provider{factory: factory}
}

// StaticProvider returns a provider that always yields adapter
func StaticProvider(adapter *Adapter) *Provider {
	return &Provider{instance: adapter}
}

// Instance returns the shared adapter. A failed construction is not cached,
// so a later call may succeed.
func (p *Provider) Instance() (*Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instance != nil {
		return p.instance, nil
	}
	if p.factory == nil {
		return nil, apperrors.NewWalletNotInitializedError(ErrNoHost)
	}
	adapter, err := p.factory()
	if err != nil {
		return nil, apperrors.NewWalletNotInitializedError(err)
	}
	p.instance = adapter
	return adapter, nil
}

// Close closes the adapter if one was built
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance != nil {
		p.instance.Close()
	}
}
