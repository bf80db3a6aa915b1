package cartsync

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/apierrors"
	"github.com/glamlocks/storefront/internal/cart"
	"github.com/glamlocks/storefront/internal/catalog"
	"github.com/glamlocks/storefront/internal/session"
	"github.com/glamlocks/storefront/pkg/logger"
)

// IssueKind classifies a pre-checkout stock problem.
type IssueKind string

const (
	IssueOutOfStock        IssueKind = "out_of_stock"
	IssueInsufficientStock IssueKind = "insufficient_stock"
)

// StockIssue reports one unavailable or short cart line.
type StockIssue struct {
	VariantID string    `json:"variantId"`
	Kind      IssueKind `json:"kind"`
	Available int       `json:"available"`
}

// remoteCart is the backend cart wire shape.
type remoteCart struct {
	Items []cart.Item `json:"items"`
}

// Engine keeps the local cart cache eventually consistent with the
// backend's authoritative cart. Synchronization is best-effort and
// never blocks local cart mutation.
type Engine struct {
	api     *api.Client
	cache   *cart.Cache
	catalog *catalog.Client
	session *session.Provider

	// authenticated reports whether a user token is present.
	authenticated func() bool

	syncInProgress atomic.Bool

	mergeMu       sync.Mutex
	mergedSession string
}

// NewEngine creates a synchronization engine.
func NewEngine(apiClient *api.Client, cache *cart.Cache, catalogClient *catalog.Client, sessions *session.Provider, authenticated func() bool) *Engine {
	return &Engine{
		api:           apiClient,
		cache:         cache,
		catalog:       catalogClient,
		session:       sessions,
		authenticated: authenticated,
	}
}

// Sync runs one push+pull cycle. A cycle arriving while another is in
// flight is dropped; the next natural trigger picks up the latest
// local state.
func (e *Engine) Sync(ctx context.Context) {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		logger.Debug("Cart sync already in progress, dropping cycle", nil)
		return
	}
	defer e.syncInProgress.Store(false)

	e.pushLocal(ctx)
	e.pullRemote(ctx)
}

// PushLocal mirrors the local item list to the backend. Failures are
// logged, never surfaced: the local cart stays usable regardless.
func (e *Engine) PushLocal(ctx context.Context) {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		return
	}
	defer e.syncInProgress.Store(false)
	e.pushLocal(ctx)
}

func (e *Engine) pushLocal(ctx context.Context) {
	if !e.authenticated() {
		return
	}

	payload := remoteCart{Items: e.cache.Items()}
	if err := e.api.Post(ctx, "cart:push", "/cart/items", payload, nil); err != nil {
		logger.Warn("Cart push failed, local cart remains usable", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.Debug("Local cart pushed", map[string]interface{}{
		"items": len(payload.Items),
	})
}

// PullRemote fetches the authoritative cart and merges it into the
// local cache. For a variant present on both sides the remote quantity
// wins; remote-only items are appended; local-only items are preserved
// (added while offline).
func (e *Engine) PullRemote(ctx context.Context) error {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncInProgress.Store(false)
	return e.pullRemote(ctx)
}

func (e *Engine) pullRemote(ctx context.Context) error {
	path := "/cart"
	if !e.authenticated() {
		sid := e.session.Current()
		if sid == "" {
			return nil
		}
		path += "?sessionId=" + url.QueryEscape(sid)
	}

	var remote remoteCart
	if err := e.api.Get(ctx, "cart:pull", path, &remote); err != nil {
		logger.Warn("Cart pull failed, keeping local state", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	e.cache.Replace(Merge(e.cache.Items(), remote.Items))
	logger.Info("Cart reconciled with backend", map[string]interface{}{
		"items": len(e.cache.Items()),
	})
	return nil
}

// Merge reconciles a local and a remote item list. Remote is
// authoritative for anything it knows about; local-only lines survive.
// Re-applying the same remote list is a fixed point.
func Merge(local, remote []cart.Item) []cart.Item {
	remoteByVariant := make(map[string]cart.Item, len(remote))
	for _, item := range remote {
		remoteByVariant[item.VariantID] = item
	}

	merged := make([]cart.Item, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))
	for _, item := range local {
		if r, ok := remoteByVariant[item.VariantID]; ok {
			merged = append(merged, r)
		} else {
			merged = append(merged, item)
		}
		seen[item.VariantID] = true
	}
	for _, item := range remote {
		if !seen[item.VariantID] {
			merged = append(merged, item)
		}
	}
	return merged
}

// MergeGuestCartOnLogin folds the guest session's cart into the
// authenticated user's cart, then discards the guest session id.
// Invoked once per login event; re-invocation for the same session
// (a retried login) is a no-op.
func (e *Engine) MergeGuestCartOnLogin(ctx context.Context) error {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	sid := e.session.Current()
	if sid == "" || sid == e.mergedSession {
		return nil
	}

	payload := struct {
		SessionID string      `json:"sessionId"`
		Items     []cart.Item `json:"items"`
	}{SessionID: sid, Items: e.cache.Items()}

	if err := e.api.Post(ctx, "cart:merge", "/cart/merge", payload, nil); err != nil {
		logger.Error("Guest cart merge failed", err, map[string]interface{}{
			"session_id": sid,
		})
		return err
	}

	e.mergedSession = sid
	e.session.Clear()
	logger.Info("Guest cart merged into user cart", map[string]interface{}{
		"session_id": sid,
	})

	// The merged server cart is now authoritative; reconcile before
	// any subsequent cart read.
	return e.pullRemote(ctx)
}

// ValidateBeforeCheckout re-fetches authoritative stock per cart line
// and reports every unavailable or short item.
func (e *Engine) ValidateBeforeCheckout(ctx context.Context) ([]StockIssue, error) {
	var issues []StockIssue
	for _, item := range e.cache.Items() {
		product, err := e.catalog.Get(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, apierrors.ErrNotFound) {
				issues = append(issues, StockIssue{VariantID: item.VariantID, Kind: IssueOutOfStock})
				continue
			}
			return nil, err
		}

		available := -1
		for _, v := range product.Variants {
			if v.ID == item.VariantID {
				available = v.Stock
				break
			}
		}

		switch {
		case available == 0:
			issues = append(issues, StockIssue{VariantID: item.VariantID, Kind: IssueOutOfStock})
		case available > 0 && item.Quantity > available:
			issues = append(issues, StockIssue{
				VariantID: item.VariantID,
				Kind:      IssueInsufficientStock,
				Available: available,
			})
		}
	}
	return issues, nil
}
