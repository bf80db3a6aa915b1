package cart

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/glamlocks/storefront/internal/apierrors"
	"github.com/glamlocks/storefront/internal/catalog"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/storage"
	"github.com/glamlocks/storefront/pkg/logger"
)

var (
	ErrItemNotFound   = errors.New("cart item not found")
	ErrUnknownVariant = errors.New("product variant not found")
)

// Item is one cart line, unique by VariantID. Name, UnitPrice and
// ImageURL are denormalized for optimistic rendering only; the backend
// recomputes authoritative prices.
type Item struct {
	VariantID string  `json:"variantId"`
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	ImageURL  string  `json:"imageUrl,omitempty"`
	Quantity  int     `json:"quantity"`
	// Stock is the last known available count, negative when unknown.
	Stock int `json:"stock"`
}

// Cache is the local cart cache: the single shared mutable cart state
// within the client. All mutations are synchronous and optimistic;
// every mutation persists the cart and publishes a change event.
type Cache struct {
	mu    sync.Mutex
	items []Item
	store storage.Store
	bus   *events.Bus
}

// NewCache creates a cart cache, restoring any persisted cart.
func NewCache(store storage.Store, bus *events.Bus) *Cache {
	c := &Cache{store: store, bus: bus}
	if raw, err := store.Get(storage.KeyCart); err == nil {
		var items []Item
		if err := json.Unmarshal(raw, &items); err == nil {
			c.items = items
		}
	}
	return c
}

// Add puts quantity units of the given product variant into the cart.
// Adding a variant already present increments its line instead of
// duplicating it. When the variant carries a known stock count, a
// request that would exceed it is rejected without any partial apply.
func (c *Cache) Add(product *catalog.Product, variantID string, quantity int) error {
	if quantity < 1 {
		return apierrors.NewValidation("quantity", "must be at least 1")
	}

	variant := findVariant(product, variantID)
	if variant == nil {
		return ErrUnknownVariant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(variantID)
	requested := quantity
	if idx >= 0 {
		requested = c.items[idx].Quantity + quantity
	}

	if variant.Stock == 0 {
		logger.Warn("Cannot add to cart: variant out of stock", map[string]interface{}{
			"variant_id": variantID,
		})
		return apierrors.New(apierrors.ErrOutOfStock, apierrors.CodeOutOfStock,
			"This item is currently out of stock")
	}
	if variant.Stock > 0 && requested > variant.Stock {
		logger.Warn("Cannot add to cart: insufficient stock", map[string]interface{}{
			"variant_id": variantID,
			"requested":  requested,
			"available":  variant.Stock,
		})
		return apierrors.New(apierrors.ErrInsufficientStock, apierrors.CodeInsufficientStock,
			"Not enough stock available for this item")
	}

	if idx >= 0 {
		c.items[idx].Quantity = requested
		c.items[idx].Stock = variant.Stock
	} else {
		imageURL := variant.ImageURL
		if imageURL == "" {
			imageURL = product.ImageURL
		}
		c.items = append(c.items, Item{
			VariantID: variantID,
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: variant.Price,
			ImageURL:  imageURL,
			Quantity:  quantity,
			Stock:     variant.Stock,
		})
	}

	logger.Info("Item added to cart", map[string]interface{}{
		"variant_id": variantID,
		"quantity":   quantity,
	})
	c.commit()
	return nil
}

// UpdateQuantity sets a line's quantity in place. A quantity below 1
// removes the line; a quantity above the known stock is clamped to it.
func (c *Cache) UpdateQuantity(variantID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(variantID)
	if idx < 0 {
		return ErrItemNotFound
	}

	if quantity < 1 {
		c.items = append(c.items[:idx], c.items[idx+1:]...)
		logger.Info("Item removed from cart via zero quantity", map[string]interface{}{
			"variant_id": variantID,
		})
		c.commit()
		return nil
	}

	if stock := c.items[idx].Stock; stock >= 0 && quantity > stock {
		logger.Warn("Quantity clamped to available stock", map[string]interface{}{
			"variant_id": variantID,
			"requested":  quantity,
			"available":  stock,
		})
		quantity = stock
	}

	c.items[idx].Quantity = quantity
	c.commit()
	return nil
}

// Remove deletes one cart line.
func (c *Cache) Remove(variantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(variantID)
	if idx < 0 {
		return ErrItemNotFound
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	logger.Info("Item removed from cart", map[string]interface{}{
		"variant_id": variantID,
	})
	c.commit()
	return nil
}

// Clear empties the cart.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.commit()
}

// Items returns a copy of the cart lines in insertion order.
func (c *Cache) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Count returns the total unit count across lines (badge counter).
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, item := range c.items {
		total += item.Quantity
	}
	return total
}

// Subtotal returns the advisory sum of unitPrice*quantity. The backend
// recalculates the authoritative amount at order creation.
func (c *Cache) Subtotal() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, item := range c.items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// Replace installs a reconciled item list wholesale (sync engine merge
// result), persisting and notifying as a single change.
func (c *Cache) Replace(items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make([]Item, len(items))
	copy(c.items, items)
	c.commit()
}

// commit persists the cart and publishes the change event.
// Callers must hold c.mu.
func (c *Cache) commit() {
	raw, err := json.Marshal(c.items)
	if err == nil {
		if err := c.store.Set(storage.KeyCart, raw); err != nil {
			logger.Warn("Failed to persist cart locally", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	count := 0
	for _, item := range c.items {
		count += item.Quantity
	}
	if c.bus != nil {
		c.bus.Publish(events.CartChanged, count)
	}
}

func (c *Cache) indexOf(variantID string) int {
	for i, item := range c.items {
		if item.VariantID == variantID {
			return i
		}
	}
	return -1
}

func findVariant(product *catalog.Product, variantID string) *catalog.Variant {
	if product == nil {
		return nil
	}
	for i := range product.Variants {
		if product.Variants[i].ID == variantID {
			return &product.Variants[i]
		}
	}
	return nil
}
