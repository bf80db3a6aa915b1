package catalog

import (
	"context"
	"net/url"

	"github.com/glamlocks/storefront/internal/api"
)

// Variant is a purchasable configuration of a product, the unit cart
// lines reference.
type Variant struct {
	ID       string  `json:"id"`
	Texture  string  `json:"texture,omitempty"`
	Length   string  `json:"length,omitempty"`
	Color    string  `json:"color,omitempty"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	ImageURL string  `json:"imageUrl,omitempty"`
}

// Product groups variants under a catalog entry.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Variants    []Variant `json:"variants"`
}

// Client is a thin read-only catalog client.
type Client struct {
	api *api.Client
}

// NewClient creates a catalog client.
func NewClient(apiClient *api.Client) *Client {
	return &Client{api: apiClient}
}

// List fetches the product catalog.
func (c *Client) List(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := c.api.Get(ctx, "catalog:list", "/products", &products); err != nil {
		return nil, err
	}
	return products, nil
}

// Get fetches one product by id.
func (c *Client) Get(ctx context.Context, id string) (*Product, error) {
	var product Product
	if err := c.api.Get(ctx, "catalog:get", "/products/"+url.PathEscape(id), &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// Search queries the catalog. Successive calls share a cancellation
// key, so a newer query supersedes an in-flight one.
func (c *Client) Search(ctx context.Context, query string) ([]Product, error) {
	var products []Product
	path := "/products/search?q=" + url.QueryEscape(query)
	if err := c.api.Get(ctx, "catalog:search", path, &products); err != nil {
		return nil, err
	}
	return products, nil
}
