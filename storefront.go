// Package storefront is a headless client for the glamlocks e-commerce
// backend: local cart state with optimistic mutation, best-effort
// synchronization against the authoritative server cart, and a checkout
// flow that ends in a payment gateway handoff.
package storefront

import (
	"fmt"

	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/auth"
	"github.com/glamlocks/storefront/internal/cart"
	"github.com/glamlocks/storefront/internal/cartsync"
	"github.com/glamlocks/storefront/internal/catalog"
	"github.com/glamlocks/storefront/internal/checkout"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/orders"
	"github.com/glamlocks/storefront/internal/session"
	"github.com/glamlocks/storefront/internal/storage"
)

// Client bundles the storefront components behind one entry point.
// Construct with New; components share the store, event bus and the
// resilient request layer.
type Client struct {
	Bus      *events.Bus
	Sessions *session.Provider
	Cart     *cart.Cache
	Sync     *cartsync.Engine
	Auth     *auth.Service
	Catalog  *catalog.Client
	Orders   *orders.Client
	Checkout *checkout.Orchestrator

	api   *api.Client
	store storage.Store
}

// New wires a storefront client from configuration.
func New(cfg *config.Config) (*Client, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store), nil
}

// NewWithStore wires a storefront client over a caller-provided store.
func NewWithStore(cfg *config.Config, store storage.Store) *Client {
	bus := events.NewBus()
	sessions := session.NewProvider(store)
	cache := cart.NewCache(store, bus)

	var authService *auth.Service
	apiClient := api.NewClient(cfg.API,
		api.WithTokenSource(func() string {
			if authService == nil {
				return ""
			}
			return authService.Token()
		}),
		api.WithOnUnauthorized(func() {
			// Background 401s only drop credentials; the UI decides
			// whether to navigate.
			if authService != nil {
				authService.ClearCredentials()
			}
		}),
	)

	catalogClient := catalog.NewClient(apiClient)
	ordersClient := orders.NewClient(apiClient)
	engine := cartsync.NewEngine(apiClient, cache, catalogClient, sessions, func() bool {
		return authService != nil && authService.IsAuthenticated()
	})
	authService = auth.NewService(apiClient, store, bus, engine)

	// Checkout-in-progress state is tab-scoped: memory only, never the
	// durable store.
	orchestrator := checkout.NewOrchestrator(
		cfg.Pricing, cache, engine, ordersClient, apiClient,
		authService, sessions, storage.NewMemory(),
	)

	return &Client{
		Bus:      bus,
		Sessions: sessions,
		Cart:     cache,
		Sync:     engine,
		Auth:     authService,
		Catalog:  catalogClient,
		Orders:   ordersClient,
		Checkout: orchestrator,
		api:      apiClient,
		store:    store,
	}
}

// CancelRequests aborts every outstanding network request (page
// navigation semantics).
func (c *Client) CancelRequests() {
	c.api.CancelAll()
}

// Close releases resources held by the backing store.
func (c *Client) Close() error {
	c.api.CancelAll()
	if closer, ok := c.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "redis":
		return storage.NewRedis(cfg.Redis)
	case "memory":
		return storage.NewMemory(), nil
	case "file", "":
		return storage.NewFile(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
