package cartsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/cart"
	"github.com/glamlocks/storefront/internal/catalog"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/session"
	"github.com/glamlocks/storefront/internal/storage"
)

type engineFixture struct {
	engine   *Engine
	cache    *cart.Cache
	store    storage.Store
	sessions *session.Provider
	authed   *atomic.Bool
}

func setupEngineTest(t *testing.T, handler http.Handler) *engineFixture {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	apiClient := api.NewClient(config.APIConfig{
		BaseURL:        server.URL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     0,
		InitialBackoff: time.Millisecond,
	})

	store := storage.NewMemory()
	cache := cart.NewCache(store, events.NewBus())
	sessions := session.NewProvider(store)

	authed := &atomic.Bool{}
	engine := NewEngine(apiClient, cache, catalog.NewClient(apiClient), sessions, authed.Load)

	return &engineFixture{
		engine:   engine,
		cache:    cache,
		store:    store,
		sessions: sessions,
		authed:   authed,
	}
}

func item(variantID string, qty int) cart.Item {
	return cart.Item{VariantID: variantID, ProductID: "p-" + variantID, Quantity: qty, UnitPrice: 100, Stock: -1}
}

func TestMerge_RemoteQuantityWins(t *testing.T) {
	local := []cart.Item{item("A", 3), item("B", 1)}
	remote := []cart.Item{item("A", 5), item("C", 2)}

	merged := Merge(local, remote)

	require.Len(t, merged, 3)
	assert.Equal(t, "A", merged[0].VariantID)
	assert.Equal(t, 5, merged[0].Quantity, "remote quantity is authoritative")
	assert.Equal(t, "B", merged[1].VariantID, "local-only items are preserved")
	assert.Equal(t, 1, merged[1].Quantity)
	assert.Equal(t, "C", merged[2].VariantID, "remote-only items are appended")
	assert.Equal(t, 2, merged[2].Quantity)
}

func TestMerge_IsFixedPoint(t *testing.T) {
	local := []cart.Item{item("A", 3), item("B", 1)}
	remote := []cart.Item{item("A", 5)}

	once := Merge(local, remote)
	twice := Merge(once, remote)
	assert.Equal(t, once, twice, "re-pulling the same remote state must converge")
}

func TestEngine_PullRemoteMergesIntoCache(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteCart{Items: []cart.Item{item("A", 5)}})
	})

	f := setupEngineTest(t, mux)
	f.authed.Store(true)
	f.cache.Replace([]cart.Item{item("A", 3), item("B", 2)})

	require.NoError(t, f.engine.PullRemote(context.Background()))

	items := f.cache.Items()
	require.Len(t, items, 2)
	assert.Equal(t, 5, items[0].Quantity)
	assert.Equal(t, "B", items[1].VariantID)
}

func TestEngine_PullRemoteGuestUsesSessionID(t *testing.T) {
	var gotSessionID string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		gotSessionID = r.URL.Query().Get("sessionId")
		json.NewEncoder(w).Encode(remoteCart{})
	})

	f := setupEngineTest(t, mux)
	sid := f.sessions.GetOrCreate()

	require.NoError(t, f.engine.PullRemote(context.Background()))
	assert.Equal(t, sid, gotSessionID)
}

func TestEngine_PullFailureKeepsLocalState(t *testing.T) {
	f := setupEngineTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	f.authed.Store(true)
	f.cache.Replace([]cart.Item{item("A", 3)})

	err := f.engine.PullRemote(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, f.cache.Items()[0].Quantity)
}

func TestEngine_PushSkippedForGuests(t *testing.T) {
	var calls int32
	f := setupEngineTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	f.cache.Replace([]cart.Item{item("A", 1)})

	f.engine.PushLocal(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestEngine_PushFailureIsSwallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cart/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	f := setupEngineTest(t, mux)
	f.authed.Store(true)
	f.cache.Replace([]cart.Item{item("A", 1)})

	// Must not panic or surface; the local cart stays usable.
	f.engine.PushLocal(context.Background())
	assert.Equal(t, 1, f.cache.Items()[0].Quantity)
}

func TestEngine_MergeGuestCartOnLogin_InvokedOncePerSession(t *testing.T) {
	var mergeCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cart/merge", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mergeCalls, 1)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteCart{Items: []cart.Item{item("V", 2)}})
	})

	f := setupEngineTest(t, mux)
	f.sessions.GetOrCreate()
	f.authed.Store(true)
	f.cache.Replace([]cart.Item{item("V", 2)})

	require.NoError(t, f.engine.MergeGuestCartOnLogin(context.Background()))
	// A retried login must not re-merge.
	require.NoError(t, f.engine.MergeGuestCartOnLogin(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&mergeCalls))
}

func TestEngine_MergeFailureKeepsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cart/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	f := setupEngineTest(t, mux)
	sid := f.sessions.GetOrCreate()
	f.authed.Store(true)

	require.Error(t, f.engine.MergeGuestCartOnLogin(context.Background()))
	assert.Equal(t, sid, f.sessions.Current(), "failed merge must not discard the guest session")
}

func TestEngine_GuestToUserTransition(t *testing.T) {
	// Guest adds 2 units of variant V, then registers; after the single
	// merge the user cart holds exactly 2 units and no session id
	// remains in storage.
	var merged atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cart/merge", func(w http.ResponseWriter, r *http.Request) {
		merged.Store(true)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		if merged.Load() {
			json.NewEncoder(w).Encode(remoteCart{Items: []cart.Item{item("V", 2)}})
			return
		}
		json.NewEncoder(w).Encode(remoteCart{})
	})

	f := setupEngineTest(t, mux)
	f.sessions.GetOrCreate()
	f.cache.Replace([]cart.Item{item("V", 2)})

	// Successful registration.
	f.authed.Store(true)
	require.NoError(t, f.engine.MergeGuestCartOnLogin(context.Background()))

	items := f.cache.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "V", items[0].VariantID)
	assert.Equal(t, 2, items[0].Quantity)

	assert.Empty(t, f.sessions.Current())
	_, err := f.store.Get(storage.KeySessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngine_ValidateBeforeCheckout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "p-A":
			json.NewEncoder(w).Encode(catalog.Product{
				ID:       "p-A",
				Variants: []catalog.Variant{{ID: "A", Stock: 2}},
			})
		case "p-B":
			json.NewEncoder(w).Encode(catalog.Product{
				ID:       "p-B",
				Variants: []catalog.Variant{{ID: "B", Stock: 0}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"product not found"}`))
		}
	})

	f := setupEngineTest(t, mux)
	f.cache.Replace([]cart.Item{item("A", 5), item("B", 1), item("C", 1)})

	issues, err := f.engine.ValidateBeforeCheckout(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 3)

	assert.Equal(t, StockIssue{VariantID: "A", Kind: IssueInsufficientStock, Available: 2}, issues[0])
	assert.Equal(t, StockIssue{VariantID: "B", Kind: IssueOutOfStock}, issues[1])
	assert.Equal(t, StockIssue{VariantID: "C", Kind: IssueOutOfStock}, issues[2])
}

func TestEngine_ValidateBeforeCheckout_CleanCart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(catalog.Product{
			ID:       r.PathValue("id"),
			Variants: []catalog.Variant{{ID: "A", Stock: 10}},
		})
	})

	f := setupEngineTest(t, mux)
	f.cache.Replace([]cart.Item{item("A", 5)})

	issues, err := f.engine.ValidateBeforeCheckout(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}
