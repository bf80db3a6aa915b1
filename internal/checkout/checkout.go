package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/apierrors"
	"github.com/glamlocks/storefront/internal/cart"
	"github.com/glamlocks/storefront/internal/cartsync"
	"github.com/glamlocks/storefront/internal/orders"
	"github.com/glamlocks/storefront/internal/session"
	"github.com/glamlocks/storefront/internal/storage"
	"github.com/glamlocks/storefront/pkg/logger"
)

// State is the checkout state machine position.
type State string

const (
	StateCollectingShipping State = "collecting_shipping"
	StateValidatingStock    State = "validating_stock"
	StateSubmitting         State = "submitting"
	StateAwaitingPayment    State = "awaiting_payment"
	StateComplete           State = "complete"
	StateFailed             State = "failed"
)

// ShippingMethod is the closed set of delivery options.
type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
)

// PaymentMethod is the closed set of payment options.
type PaymentMethod string

const (
	PaymentCard           PaymentMethod = "card"
	PaymentCashOnDelivery PaymentMethod = "cod"
)

var (
	ErrEmptyCart         = errors.New("checkout requires a non-empty cart")
	ErrNoActiveSession   = errors.New("no active checkout session")
	ErrLoginRequired     = errors.New("login or guest checkout required")
	ErrShippingRequired  = errors.New("shipping information not collected")
	ErrTermsNotAccepted  = errors.New("terms must be accepted")
	ErrAlreadySubmitting = errors.New("order submission already in progress")
)

// StockValidationError halts submission when the authoritative stock
// check finds problems; the UI resolves them line by line.
type StockValidationError struct {
	Issues []cartsync.StockIssue
}

func (e *StockValidationError) Error() string {
	return fmt.Sprintf("checkout blocked by %d stock issue(s)", len(e.Issues))
}

// Session is the ephemeral, tab-scoped checkout state. Destroyed on
// successful submission or explicit cancellation.
type Session struct {
	State          State               `json:"state"`
	Guest          bool                `json:"guest"`
	GuestEmail     string              `json:"guestEmail,omitempty"`
	Shipping       orders.ShippingInfo `json:"shipping"`
	ShippingValid  bool                `json:"shippingValid"`
	ShippingMethod ShippingMethod      `json:"shippingMethod"`
	PaymentMethod  PaymentMethod       `json:"paymentMethod"`
	CouponCode     string              `json:"couponCode,omitempty"`
	Discount       float64             `json:"discount"`
	OrderNotes     string              `json:"orderNotes,omitempty"`
	AgreeToTerms   bool                `json:"agreeToTerms"`
	LastError      string              `json:"lastError,omitempty"`
}

// Totals is the client-side price estimate. The backend recomputes the
// authoritative total at order creation; this is display-only.
type Totals struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	VAT      float64 `json:"vat"`
	Shipping float64 `json:"shipping"`
	Total    float64 `json:"total"`
}

// Result is the outcome of a successful order submission: either a
// payment gateway redirect or a direct confirmation.
type Result struct {
	Order        orders.Order
	RedirectHTML string // auto-submitting gateway form, empty when confirmed directly
	Confirmed    bool
}

// Authenticator reports whether a logged-in user session exists.
type Authenticator interface {
	IsAuthenticated() bool
}

// Orchestrator drives the checkout state machine from shipping
// collection through payment handoff.
type Orchestrator struct {
	mu sync.Mutex

	pricing  config.PricingConfig
	cache    *cart.Cache
	engine   *cartsync.Engine
	orders   *orders.Client
	api      *api.Client
	auth     Authenticator
	sessions *session.Provider
	tabStore storage.Store

	sess *Session
}

// NewOrchestrator creates a checkout orchestrator. tabStore is the
// tab-lifetime store holding checkout-in-progress state.
func NewOrchestrator(
	pricing config.PricingConfig,
	cache *cart.Cache,
	engine *cartsync.Engine,
	ordersClient *orders.Client,
	apiClient *api.Client,
	authenticator Authenticator,
	sessions *session.Provider,
	tabStore storage.Store,
) *Orchestrator {
	o := &Orchestrator{
		pricing:  pricing,
		cache:    cache,
		engine:   engine,
		orders:   ordersClient,
		api:      apiClient,
		auth:     authenticator,
		sessions: sessions,
		tabStore: tabStore,
	}
	o.restore()
	return o
}

// Begin starts checkout for an authenticated user. The cart must not
// be empty.
func (o *Orchestrator) Begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cache.Count() == 0 {
		return ErrEmptyCart
	}
	if !o.auth.IsAuthenticated() {
		return ErrLoginRequired
	}
	o.start(false, "")
	return nil
}

// BeginGuest starts guest checkout: explicit opt-in with a valid
// contact email.
func (o *Orchestrator) BeginGuest(email string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cache.Count() == 0 {
		return ErrEmptyCart
	}
	if !emailPattern.MatchString(email) {
		return apierrors.NewValidation("email", "a valid email address is required for guest checkout")
	}
	o.start(true, email)
	return nil
}

func (o *Orchestrator) start(guest bool, email string) {
	o.sess = &Session{
		State:          StateCollectingShipping,
		Guest:          guest,
		GuestEmail:     email,
		ShippingMethod: ShippingStandard,
		PaymentMethod:  PaymentCard,
	}
	o.persist()
	logger.Info("Checkout started", map[string]interface{}{
		"guest": guest,
	})
}

// Current returns a copy of the active checkout session, nil if none.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return nil
	}
	snapshot := *o.sess
	return &snapshot
}

// SubmitShippingInfo validates and stores the shipping form. On
// validation failure the field-level messages are returned and the
// state does not advance.
func (o *Orchestrator) SubmitShippingInfo(info orders.ShippingInfo) (map[string]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess == nil {
		return nil, ErrNoActiveSession
	}

	fieldErrors := validateShipping(info, o.sess.Guest)
	if len(fieldErrors) > 0 {
		logger.Warn("Shipping info rejected", map[string]interface{}{
			"fields": len(fieldErrors),
		})
		return fieldErrors, apierrors.New(apierrors.ErrValidation, apierrors.CodeValidation,
			"Please correct the highlighted fields")
	}

	if o.sess.Guest && info.Email == "" {
		info.Email = o.sess.GuestEmail
	}
	o.sess.Shipping = info
	o.sess.ShippingValid = true
	o.persist()
	return nil, nil
}

// SelectShippingMethod picks a delivery option from the closed set.
func (o *Orchestrator) SelectShippingMethod(method ShippingMethod) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess == nil {
		return ErrNoActiveSession
	}
	switch method {
	case ShippingStandard, ShippingExpress:
		o.sess.ShippingMethod = method
		o.persist()
		return nil
	default:
		return apierrors.New(apierrors.ErrInvalidOption, apierrors.CodeInvalidOption,
			"Unknown shipping method")
	}
}

// SelectPaymentMethod picks a payment option from the closed set.
func (o *Orchestrator) SelectPaymentMethod(method PaymentMethod) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess == nil {
		return ErrNoActiveSession
	}
	switch method {
	case PaymentCard, PaymentCashOnDelivery:
		o.sess.PaymentMethod = method
		o.persist()
		return nil
	default:
		return apierrors.New(apierrors.ErrInvalidOption, apierrors.CodeInvalidOption,
			"Unknown payment method")
	}
}

// SetOrderNotes stores free-form delivery notes.
func (o *Orchestrator) SetOrderNotes(notes string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		o.sess.OrderNotes = notes
		o.persist()
	}
}

// SetAgreeToTerms records the terms checkbox.
func (o *Orchestrator) SetAgreeToTerms(agree bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		o.sess.AgreeToTerms = agree
		o.persist()
	}
}

type couponRequest struct {
	Code     string  `json:"code"`
	Subtotal float64 `json:"subtotal"`
}

type couponResponse struct {
	Discount float64 `json:"discount"`
}

// ApplyCoupon asks the backend to validate a coupon. A rejected coupon
// leaves checkout state unchanged and reports the backend's reason.
func (o *Orchestrator) ApplyCoupon(ctx context.Context, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess == nil {
		return ErrNoActiveSession
	}

	var resp couponResponse
	req := couponRequest{Code: code, Subtotal: o.cache.Subtotal()}
	if err := o.api.Post(ctx, "checkout:coupon", "/checkout/coupon", req, &resp); err != nil {
		// A timeout or network failure is not a coupon verdict; only a
		// backend rejection is reclassified.
		if apierrors.Retryable(err) {
			return err
		}
		logger.Warn("Coupon rejected", map[string]interface{}{
			"code":  code,
			"error": err.Error(),
		})
		return apierrors.New(apierrors.ErrCouponInvalid, apierrors.CodeCouponInvalid,
			apierrors.Message(err))
	}

	o.sess.CouponCode = code
	o.sess.Discount = resp.Discount
	o.persist()
	logger.Info("Coupon applied", map[string]interface{}{
		"code":     code,
		"discount": resp.Discount,
	})
	return nil
}

// RemoveCoupon clears any applied coupon.
func (o *Orchestrator) RemoveCoupon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		o.sess.CouponCode = ""
		o.sess.Discount = 0
		o.persist()
	}
}

// Totals computes the display estimate:
// (subtotal - discount) * (1 + VAT) + shipping, shipping free above
// the configured threshold.
func (o *Orchestrator) Totals() Totals {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalsLocked()
}

func (o *Orchestrator) totalsLocked() Totals {
	t := Totals{Subtotal: o.cache.Subtotal()}
	if o.sess != nil {
		t.Discount = o.sess.Discount
	}
	discounted := t.Subtotal - t.Discount
	if discounted < 0 {
		discounted = 0
	}
	t.VAT = discounted * o.pricing.VATRate

	if discounted < o.pricing.FreeShippingThreshold {
		rate := o.pricing.StandardShippingRate
		if o.sess != nil && o.sess.ShippingMethod == ShippingExpress {
			rate = o.pricing.ExpressShippingRate
		}
		t.Shipping = rate
	}

	t.Total = discounted + t.VAT + t.Shipping
	return t
}

// SubmitOrder drives the tail of the state machine: authoritative
// stock revalidation, order creation, then payment handoff. On backend
// rejection the session stays intact in Failed for resubmission.
func (o *Orchestrator) SubmitOrder(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess == nil {
		return nil, ErrNoActiveSession
	}
	if o.sess.State == StateSubmitting || o.sess.State == StateValidatingStock {
		return nil, ErrAlreadySubmitting
	}
	if o.cache.Count() == 0 {
		return nil, ErrEmptyCart
	}
	if !o.sess.ShippingValid {
		return nil, ErrShippingRequired
	}
	if !o.sess.AgreeToTerms {
		return nil, ErrTermsNotAccepted
	}

	o.setState(StateValidatingStock)
	issues, err := o.engine.ValidateBeforeCheckout(ctx)
	if err != nil {
		o.fail(apierrors.Message(err))
		return nil, err
	}
	if len(issues) > 0 {
		logger.Warn("Checkout halted by stock issues", map[string]interface{}{
			"issues": len(issues),
		})
		o.setState(StateCollectingShipping)
		return nil, &StockValidationError{Issues: issues}
	}

	o.setState(StateSubmitting)
	req := orders.CreateRequest{
		Items:          o.cache.Items(),
		Shipping:       o.sess.Shipping,
		ShippingMethod: string(o.sess.ShippingMethod),
		PaymentMethod:  string(o.sess.PaymentMethod),
		CouponCode:     o.sess.CouponCode,
		OrderNotes:     o.sess.OrderNotes,
	}
	if o.sess.Guest {
		req.SessionID = o.sessions.Current()
	}

	resp, err := o.orders.Create(ctx, req)
	if err != nil {
		// Surface the backend's message verbatim; shipping input is
		// kept so the user can resubmit.
		o.fail(apierrors.Message(err))
		return nil, err
	}

	logger.Info("Order submitted", map[string]interface{}{
		"order_number": resp.Order.OrderNumber,
	})

	result := &Result{Order: resp.Order}
	if len(resp.PaymentData) > 0 {
		o.setState(StateAwaitingPayment)
		html, err := BuildPaymentForm(resp.PaymentData)
		if err != nil {
			o.fail("payment redirect could not be constructed")
			return nil, err
		}
		result.RedirectHTML = html
	} else {
		result.Confirmed = true
	}

	o.cache.Clear()
	o.sess = &Session{State: StateComplete}
	o.destroyPersisted()
	o.sess = nil
	return result, nil
}

// Cancel abandons the checkout session, keeping the cart intact.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sess = nil
	o.destroyPersisted()
	logger.Info("Checkout cancelled", nil)
}

// LastError returns the redisplayable failure message, empty when the
// session is healthy.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ""
	}
	return o.sess.LastError
}

func (o *Orchestrator) fail(message string) {
	o.sess.State = StateFailed
	o.sess.LastError = message
	o.persist()
}

func (o *Orchestrator) setState(s State) {
	o.sess.State = s
	o.sess.LastError = ""
	o.persist()
}

func (o *Orchestrator) persist() {
	if o.sess == nil {
		return
	}
	raw, err := json.Marshal(o.sess)
	if err != nil {
		return
	}
	if err := o.tabStore.Set(storage.KeyCheckout, raw); err != nil {
		logger.Warn("Checkout session not persisted", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (o *Orchestrator) destroyPersisted() {
	_ = o.tabStore.Delete(storage.KeyCheckout)
}

func (o *Orchestrator) restore() {
	raw, err := o.tabStore.Get(storage.KeyCheckout)
	if err != nil {
		return
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return
	}
	// In-flight states do not survive a restore.
	if sess.State == StateValidatingStock || sess.State == StateSubmitting {
		sess.State = StateCollectingShipping
	}
	o.sess = &sess
}
