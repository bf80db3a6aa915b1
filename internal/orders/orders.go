package orders

import (
	"context"
	"net/url"
	"time"

	"github.com/glamlocks/storefront/internal/api"
	"github.com/glamlocks/storefront/internal/cart"
)

// Status is the order lifecycle state assigned by the backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusCompleted  Status = "completed"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Order is the backend's snapshot of a submitted order. Totals here are
// authoritative; the client never recomputes them.
type Order struct {
	OrderNumber string      `json:"orderNumber"`
	Status      Status      `json:"status"`
	Items       []cart.Item `json:"items"`
	Subtotal    float64     `json:"subtotal"`
	Discount    float64     `json:"discount"`
	VAT         float64     `json:"vat"`
	Shipping    float64     `json:"shipping"`
	Total       float64     `json:"total"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// CreateRequest is the order submission payload.
type CreateRequest struct {
	Items          []cart.Item  `json:"items"`
	Shipping       ShippingInfo `json:"shipping"`
	ShippingMethod string       `json:"shippingMethod"`
	PaymentMethod  string       `json:"paymentMethod"`
	CouponCode     string       `json:"couponCode,omitempty"`
	OrderNotes     string       `json:"orderNotes,omitempty"`
	SessionID      string       `json:"sessionId,omitempty"`
}

// ShippingInfo is the recipient and address block collected during
// checkout. Never derived from cart state.
type ShippingInfo struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email,omitempty"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city"`
	Province     string `json:"province"`
	PostalCode   string `json:"postalCode"`
}

// CreateResponse is the backend's answer to order creation. PaymentData
// being present means the gateway redirect handoff is required.
type CreateResponse struct {
	Order       Order                  `json:"order"`
	PaymentData map[string]interface{} `json:"paymentData,omitempty"`
}

// Client reads and submits orders.
type Client struct {
	api *api.Client
}

// NewClient creates an orders client.
func NewClient(apiClient *api.Client) *Client {
	return &Client{api: apiClient}
}

// Create submits an order.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var resp CreateResponse
	if err := c.api.Post(ctx, "orders:create", "/orders", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List fetches the authenticated user's orders.
func (c *Client) List(ctx context.Context) ([]Order, error) {
	var list []Order
	if err := c.api.Get(ctx, "orders:list", "/orders", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Get fetches one order by backend id.
func (c *Client) Get(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.api.Get(ctx, "orders:get", "/orders/"+url.PathEscape(id), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Track fetches an order's status by its public order number.
func (c *Client) Track(ctx context.Context, orderNumber string) (*Order, error) {
	var order Order
	if err := c.api.Get(ctx, "orders:track", "/orders/track/"+url.PathEscape(orderNumber), &order); err != nil {
		return nil, err
	}
	return &order, nil
}
