package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/apierrors"
	"github.com/glamlocks/storefront/internal/cart"
	"github.com/glamlocks/storefront/internal/cartsync"
	"github.com/glamlocks/storefront/internal/catalog"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/orders"
	"github.com/glamlocks/storefront/internal/session"
	"github.com/glamlocks/storefront/internal/storage"
)

type stubAuth struct{ authed bool }

func (s *stubAuth) IsAuthenticated() bool { return s.authed }

func specPricing() config.PricingConfig {
	return config.PricingConfig{
		VATRate:               0.15,
		FreeShippingThreshold: 1500,
		StandardShippingRate:  150,
		ExpressShippingRate:   300,
	}
}

type checkoutFixture struct {
	orch     *Orchestrator
	cache    *cart.Cache
	auth     *stubAuth
	tabStore storage.Store
}

func setupCheckoutTest(t *testing.T, handler http.Handler) *checkoutFixture {
	t.Helper()

	if handler == nil {
		handler = http.NewServeMux()
	}
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
	authStub := &stubAuth{authed: true}
	engine := cartsync.NewEngine(apiClient, cache, catalog.NewClient(apiClient), sessions,
		func() bool { return authStub.authed })

	tabStore := storage.NewMemory()
	orch := NewOrchestrator(
		specPricing(), cache, engine, orders.NewClient(apiClient), apiClient,
		authStub, sessions, tabStore,
	)

	return &checkoutFixture{orch: orch, cache: cache, auth: authStub, tabStore: tabStore}
}

func fillCart(cache *cart.Cache, unitPrice float64, qty int) {
	cache.Replace([]cart.Item{{
		VariantID: "A",
		ProductID: "p-A",
		Name:      "Silky Straight Bundle",
		UnitPrice: unitPrice,
		Quantity:  qty,
		Stock:     -1,
	}})
}

func validShipping() orders.ShippingInfo {
	return orders.ShippingInfo{
		Name:         "Nora Hassan",
		Phone:        "0551234567",
		AddressLine1: "12 King Fahd Road",
		City:         "Riyadh",
		Province:     "Riyadh",
		PostalCode:   "11564",
	}
}

// stockOKMux serves a catalog where every variant has plenty of stock.
func stockOKMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(catalog.Product{
			ID:       r.PathValue("id"),
			Variants: []catalog.Variant{{ID: "A", Stock: 100}},
		})
	})
	return mux
}

func TestBegin_RequiresNonEmptyCart(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	assert.ErrorIs(t, f.orch.Begin(), ErrEmptyCart)
}

func TestBegin_RequiresAuthentication(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	f.auth.authed = false

	assert.ErrorIs(t, f.orch.Begin(), ErrLoginRequired)
}

func TestBeginGuest_RequiresValidEmail(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)

	assert.ErrorIs(t, f.orch.BeginGuest("not-an-email"), apierrors.ErrValidation)
	require.NoError(t, f.orch.BeginGuest("nora@example.com"))

	sess := f.orch.Current()
	require.NotNil(t, sess)
	assert.True(t, sess.Guest)
	assert.Equal(t, StateCollectingShipping, sess.State)
}

func TestSubmitShippingInfo_FieldErrors(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	fieldErrors, err := f.orch.SubmitShippingInfo(orders.ShippingInfo{
		Name:       "N",
		Phone:      "12345",
		PostalCode: "abc",
	})
	require.ErrorIs(t, err, apierrors.ErrValidation)

	assert.Contains(t, fieldErrors, "name")
	assert.Contains(t, fieldErrors, "phone")
	assert.Contains(t, fieldErrors, "addressLine1")
	assert.Contains(t, fieldErrors, "city")
	assert.Contains(t, fieldErrors, "province")
	assert.Contains(t, fieldErrors, "postalCode")

	assert.False(t, f.orch.Current().ShippingValid, "state must not advance on invalid input")
}

func TestSubmitShippingInfo_Valid(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	fieldErrors, err := f.orch.SubmitShippingInfo(validShipping())
	require.NoError(t, err)
	assert.Empty(t, fieldErrors)
	assert.True(t, f.orch.Current().ShippingValid)
}

func TestSubmitShippingInfo_AddressLine2Optional(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	info := validShipping()
	info.AddressLine2 = ""
	_, err := f.orch.SubmitShippingInfo(info)
	assert.NoError(t, err)
}

func TestSelectMethods_RejectUnknownOptions(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	assert.ErrorIs(t, f.orch.SelectShippingMethod("drone"), apierrors.ErrInvalidOption)
	assert.ErrorIs(t, f.orch.SelectPaymentMethod("barter"), apierrors.ErrInvalidOption)

	require.NoError(t, f.orch.SelectShippingMethod(ShippingExpress))
	require.NoError(t, f.orch.SelectPaymentMethod(PaymentCashOnDelivery))

	sess := f.orch.Current()
	assert.Equal(t, ShippingExpress, sess.ShippingMethod)
	assert.Equal(t, PaymentCashOnDelivery, sess.PaymentMethod)
}

func TestTotals_FreeShippingAboveThreshold(t *testing.T) {
	// S=2000, D=0, T=1500: shipping 0, VAT 300, total 2300.
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 1000, 2)
	require.NoError(t, f.orch.Begin())

	totals := f.orch.Totals()
	assert.Equal(t, 2000.0, totals.Subtotal)
	assert.Equal(t, 0.0, totals.Discount)
	assert.Equal(t, 300.0, totals.VAT)
	assert.Equal(t, 0.0, totals.Shipping)
	assert.Equal(t, 2300.0, totals.Total)
}

func TestTotals_StandardShippingBelowThreshold(t *testing.T) {
	// S=1000, D=100: discounted 900, VAT 135, shipping 150, total 1185.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout/coupon", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"discount": 100})
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 500, 2)
	require.NoError(t, f.orch.Begin())
	require.NoError(t, f.orch.ApplyCoupon(context.Background(), "SAVE100"))

	totals := f.orch.Totals()
	assert.Equal(t, 1000.0, totals.Subtotal)
	assert.Equal(t, 100.0, totals.Discount)
	assert.Equal(t, 135.0, totals.VAT)
	assert.Equal(t, 150.0, totals.Shipping)
	assert.Equal(t, 1185.0, totals.Total)
}

func TestTotals_ExpressShippingRate(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())
	require.NoError(t, f.orch.SelectShippingMethod(ShippingExpress))

	assert.Equal(t, 300.0, f.orch.Totals().Shipping)
}

func TestApplyCoupon_RejectionLeavesStateUnchanged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout/coupon", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"coupon has expired"}`))
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	err := f.orch.ApplyCoupon(context.Background(), "OLD")
	require.ErrorIs(t, err, apierrors.ErrCouponInvalid)
	assert.Equal(t, "coupon has expired", apierrors.Message(err))

	sess := f.orch.Current()
	assert.Empty(t, sess.CouponCode)
	assert.Zero(t, sess.Discount)
}

func TestApplyCoupon_TransientFailureKeepsItsClass(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout/coupon", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	// An unreachable backend is not a coupon verdict.
	err := f.orch.ApplyCoupon(context.Background(), "SAVE50")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, apierrors.ErrCouponInvalid)

	sess := f.orch.Current()
	assert.Empty(t, sess.CouponCode)
	assert.Zero(t, sess.Discount)
}

func TestRemoveCoupon(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout/coupon", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"discount": 50})
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())
	require.NoError(t, f.orch.ApplyCoupon(context.Background(), "SAVE50"))

	f.orch.RemoveCoupon()
	sess := f.orch.Current()
	assert.Empty(t, sess.CouponCode)
	assert.Zero(t, sess.Discount)
}

func readyToSubmit(t *testing.T, f *checkoutFixture) {
	t.Helper()
	require.NoError(t, f.orch.Begin())
	_, err := f.orch.SubmitShippingInfo(validShipping())
	require.NoError(t, err)
	f.orch.SetAgreeToTerms(true)
}

func TestSubmitOrder_EmptyCartNeverCallsBackend(t *testing.T) {
	var orderCalls int32
	mux := stockOKMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&orderCalls, 1)
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 1)
	readyToSubmit(t, f)

	f.cache.Clear()
	_, err := f.orch.SubmitOrder(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, int32(0), atomic.LoadInt32(&orderCalls))
}

func TestSubmitOrder_RequiresShippingAndTerms(t *testing.T) {
	f := setupCheckoutTest(t, stockOKMux())
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())

	_, err := f.orch.SubmitOrder(context.Background())
	assert.ErrorIs(t, err, ErrShippingRequired)

	_, err = f.orch.SubmitShippingInfo(validShipping())
	require.NoError(t, err)

	_, err = f.orch.SubmitOrder(context.Background())
	assert.ErrorIs(t, err, ErrTermsNotAccepted)
}

func TestSubmitOrder_HaltsOnStockIssues(t *testing.T) {
	var orderCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(catalog.Product{
			ID:       r.PathValue("id"),
			Variants: []catalog.Variant{{ID: "A", Stock: 1}},
		})
	})
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&orderCalls, 1)
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 2)
	readyToSubmit(t, f)

	_, err := f.orch.SubmitOrder(context.Background())

	var stockErr *StockValidationError
	require.ErrorAs(t, err, &stockErr)
	require.Len(t, stockErr.Issues, 1)
	assert.Equal(t, "A", stockErr.Issues[0].VariantID)
	assert.Equal(t, cartsync.IssueInsufficientStock, stockErr.Issues[0].Kind)
	assert.Equal(t, 1, stockErr.Issues[0].Available)

	assert.Equal(t, int32(0), atomic.LoadInt32(&orderCalls), "order endpoint must not be called")
	assert.NotNil(t, f.orch.Current(), "session survives for the user to resolve issues")
}

func TestSubmitOrder_PaymentRedirect(t *testing.T) {
	mux := stockOKMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orders.CreateResponse{
			Order: orders.Order{OrderNumber: "GL-1001", Status: orders.StatusPending},
			PaymentData: map[string]interface{}{
				"sandbox":   true,
				"merchant":  "glamlocks",
				"reference": "GL-1001",
				"amount":    1185,
			},
		})
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 2)
	readyToSubmit(t, f)

	result, err := f.orch.SubmitOrder(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "GL-1001", result.Order.OrderNumber)
	assert.False(t, result.Confirmed)
	assert.Contains(t, result.RedirectHTML, gatewaySandboxURL)
	assert.Contains(t, result.RedirectHTML, `name="reference" value="GL-1001"`)
	assert.Contains(t, result.RedirectHTML, `name="amount" value="1185"`)
	assert.NotContains(t, result.RedirectHTML, `name="sandbox"`)

	assert.Zero(t, f.cache.Count(), "cart is cleared after submission")
	assert.Nil(t, f.orch.Current(), "checkout session is destroyed")
}

func TestSubmitOrder_DirectConfirmation(t *testing.T) {
	mux := stockOKMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orders.CreateResponse{
			Order: orders.Order{OrderNumber: "GL-1002", Status: orders.StatusPending},
		})
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 2)
	readyToSubmit(t, f)
	require.NoError(t, f.orch.SelectPaymentMethod(PaymentCashOnDelivery))

	result, err := f.orch.SubmitOrder(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Empty(t, result.RedirectHTML)
}

func TestSubmitOrder_BackendRejectionAllowsResubmission(t *testing.T) {
	var rejected atomic.Bool
	rejected.Store(true)
	mux := stockOKMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		if rejected.Load() {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"card was declined"}`))
			return
		}
		json.NewEncoder(w).Encode(orders.CreateResponse{
			Order: orders.Order{OrderNumber: "GL-1003"},
		})
	})

	f := setupCheckoutTest(t, mux)
	fillCart(f.cache, 100, 2)
	readyToSubmit(t, f)

	_, err := f.orch.SubmitOrder(context.Background())
	require.Error(t, err)
	assert.Equal(t, "card was declined", apierrors.Message(err), "backend message surfaces verbatim")

	sess := f.orch.Current()
	require.NotNil(t, sess, "session stays intact for retry")
	assert.Equal(t, StateFailed, sess.State)
	assert.Equal(t, "card was declined", f.orch.LastError())
	assert.True(t, sess.ShippingValid, "shipping info must not need re-entry")

	// Resubmission succeeds without touching shipping again.
	rejected.Store(false)
	result, err := f.orch.SubmitOrder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GL-1003", result.Order.OrderNumber)
}

func TestCancel_KeepsCart(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 2)
	require.NoError(t, f.orch.Begin())

	f.orch.Cancel()
	assert.Nil(t, f.orch.Current())
	assert.Equal(t, 2, f.cache.Count())
}

func TestSession_PersistsToTabStore(t *testing.T) {
	f := setupCheckoutTest(t, nil)
	fillCart(f.cache, 100, 1)
	require.NoError(t, f.orch.Begin())
	_, err := f.orch.SubmitShippingInfo(validShipping())
	require.NoError(t, err)

	raw, err := f.tabStore.Get(storage.KeyCheckout)
	require.NoError(t, err)

	var sess Session
	require.NoError(t, json.Unmarshal(raw, &sess))
	assert.True(t, sess.ShippingValid)
	assert.Equal(t, "Nora Hassan", sess.Shipping.Name)
}

func TestValidateShipping_PhoneFormats(t *testing.T) {
	valid := []string{"0551234567", "+966551234567", "055 123 4567"}
	for _, phone := range valid {
		info := validShipping()
		info.Phone = phone
		assert.Nil(t, validateShipping(info, false), "expected %q to be accepted", phone)
	}

	invalid := []string{"1234567890", "05512345", "055123456789", "abc"}
	for _, phone := range invalid {
		info := validShipping()
		info.Phone = phone
		assert.Contains(t, validateShipping(info, false), "phone", "expected %q to be rejected", phone)
	}
}

func TestBuildPaymentForm_EscapesValues(t *testing.T) {
	html, err := BuildPaymentForm(map[string]interface{}{
		"sandbox": false,
		"note":    `<script>alert("x")</script>`,
	})
	require.NoError(t, err)
	assert.Contains(t, html, gatewayProductionURL)
	assert.NotContains(t, html, "<script>alert")
}

func TestBuildPaymentForm_EmptyData(t *testing.T) {
	_, err := BuildPaymentForm(nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, apierrors.ErrValidation))
}
