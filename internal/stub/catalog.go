// Package stub is a fake storefront for exercising the monitor end to end
// without touching the real site.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

type Product struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Currency  string    `json:"currency"`
	SKU       string    `json:"sku"`
	Image     string    `json:"image"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func product(name string, price int64, sku, image string) Product {
	return Product{
		Name:     name,
		Price:    price,
		Currency: "HKD",
		SKU:      sku,
		Image:    "/images/" + image,
		URL:      "/product/" + sku,
	}
}

func DefaultProducts() []Product {
	return []Product{
		product("Birkin 25 bag", 85000, "H123456", "birkin.jpg"),
		product("Kelly 28 bag", 78000, "H234567", "kelly.jpg"),
		product("Picotin Lock 18 bag", 28200, "H345678", "picotin.jpg"),
		product("Roulis mini bag", 71500, "H456789", "roulis.jpg"),
		product("Constance 18 bag", 65000, "H567890", "constance.jpg"),
		product("Evelyne TPM bag", 25000, "H678901", "evelyne.jpg"),
		product("Garden Party 30 bag", 35000, "H789012", "garden.jpg"),
		product("Bolide 27 bag", 58000, "H890123", "bolide.jpg"),
	}
}

// DefaultPool are the products that come and go.
func DefaultPool() []Product {
	return []Product{
		product("Limited Edition Birkin 30", 120000, "L001", "limited_birkin.jpg"),
		product("Kelly Sellier 25", 82000, "L002", "kelly_sellier.jpg"),
		product("Picotin Lock 22", 32000, "L003", "picotin_22.jpg"),
		product("Roulis 23 bag", 78000, "L004", "roulis_23.jpg"),
		product("Special Kelly 32", 95000, "L005", "special_kelly.jpg"),
	}
}

const (
	maxDynamic  = 3
	addChance   = 0.3
	dropChance  = 0.2
	DefaultTick = 10 * time.Second
)

// Catalog holds the fixed products plus a small rotating set.
type Catalog struct {
	mu      sync.RWMutex
	fixed   []Product
	pool    []Product
	dynamic []Product
	rng     *rand.Rand
	now     func() time.Time
	logger  *slog.Logger
}

func NewCatalog(fixed, pool []Product, seed uint64, logger *slog.Logger) *Catalog {
	return &Catalog{
		fixed:  fixed,
		pool:   pool,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:    time.Now,
		logger: logger.With("component", "stub_catalog"),
	}
}

func (c *Catalog) Products() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.fixed)+len(c.dynamic))
	out = append(out, c.fixed...)
	return append(out, c.dynamic...)
}

func (c *Catalog) Fixed() []Product {
	return append([]Product(nil), c.fixed...)
}

func (c *Catalog) Dynamic() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Product{}, c.dynamic...)
}

// Find looks a product up by SKU.
func (c *Catalog) Find(sku string) (Product, bool) {
	for _, p := range c.Products() {
		if p.SKU == sku {
			return p, true
		}
	}
	return Product{}, false
}

// Step applies at most one random change: a pool product may be added while
// fewer than maxDynamic are shown, failing that the oldest may be dropped.
func (c *Catalog) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.dynamic) < maxDynamic && len(c.pool) > 0 && c.rng.Float64() < addChance:
		p := c.pool[c.rng.IntN(len(c.pool))]
		p.Timestamp = c.now()
		p.ID = fmt.Sprintf("dynamic_%d", p.Timestamp.Unix())
		c.dynamic = append(c.dynamic, p)
		c.logger.Info("product added", "name", p.Name)
	case len(c.dynamic) > 0 && c.rng.Float64() < dropChance:
		removed := c.dynamic[0]
		c.dynamic = c.dynamic[1:]
		c.logger.Info("product removed", "name", removed.Name)
	}
}

// Run steps the catalog every tick until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Step()
		}
	}
}
