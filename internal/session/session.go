package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/glamlocks/storefront/internal/storage"
	"github.com/glamlocks/storefront/pkg/logger"
)

// Provider produces and persists the anonymous session identifier that
// associates a guest cart with this client. It never fails: when the
// durable store is unavailable the identifier lives in memory only.
type Provider struct {
	mu    sync.Mutex
	store storage.Store
	id    string
}

// NewProvider creates a session provider backed by the given store.
func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store}
}

// GetOrCreate returns the stable session identifier, generating and
// persisting one on first use.
func (p *Provider) GetOrCreate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id
	}

	if raw, err := p.store.Get(storage.KeySessionID); err == nil {
		var id string
		if json.Unmarshal(raw, &id) == nil && id != "" {
			p.id = id
			return p.id
		}
	}

	p.id = "guest_" + uuid.NewString()
	raw, _ := json.Marshal(p.id)
	if err := p.store.Set(storage.KeySessionID, raw); err != nil {
		logger.Warn("Session id not persisted, using volatile id", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return p.id
}

// Current returns the session identifier without creating one.
func (p *Provider) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id
	}
	if raw, err := p.store.Get(storage.KeySessionID); err == nil {
		var id string
		if json.Unmarshal(raw, &id) == nil {
			p.id = id
		}
	}
	return p.id
}

// Clear discards the session identifier. Called after a successful
// guest-cart merge; the next GetOrCreate issues a fresh identity.
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = ""
	if err := p.store.Delete(storage.KeySessionID); err != nil {
		logger.Warn("Failed to remove persisted session id", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
