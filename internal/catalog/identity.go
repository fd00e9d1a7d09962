package catalog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// IdentityKey is the string form of a product identity. The default encoding
// is "{name}_{price}", which is also what the snapshot file stores.
type IdentityKey string

// KeyStrategy derives the identity of a product record.
type KeyStrategy interface {
	Key(p models.ProductRecord) IdentityKey
	Name() string
}

const (
	StrategyNamePrice = "name_price"
	StrategySKU       = "sku"
	StrategyURL       = "url"
)

// NamePriceStrategy identifies a product by its cleaned name and price. A
// repriced product therefore shows up as a new one.
type NamePriceStrategy struct{}

func (NamePriceStrategy) Key(p models.ProductRecord) IdentityKey {
	return IdentityKey(fmt.Sprintf("%s_%d", p.Name, p.Price))
}

func (NamePriceStrategy) Name() string { return StrategyNamePrice }

// SKUStrategy prefers the catalog SKU and falls back when none was extracted.
type SKUStrategy struct {
	Fallback KeyStrategy
}

func (s SKUStrategy) Key(p models.ProductRecord) IdentityKey {
	if sku := strings.TrimSpace(p.SKU); sku != "" {
		return IdentityKey("sku:" + sku)
	}
	return fallback(s.Fallback).Key(p)
}

func (SKUStrategy) Name() string { return StrategySKU }

// URLStrategy keys products on their canonical product URL.
type URLStrategy struct {
	Fallback KeyStrategy
}

func (s URLStrategy) Key(p models.ProductRecord) IdentityKey {
	if canonical := CanonicalURL(p.ProductURL); canonical != "" {
		return IdentityKey("url:" + canonical)
	}
	return fallback(s.Fallback).Key(p)
}

func (URLStrategy) Name() string { return StrategyURL }

func fallback(s KeyStrategy) KeyStrategy {
	if s == nil {
		return NamePriceStrategy{}
	}
	return s
}

// CanonicalURL drops query, fragment and trailing slash and lower-cases the
// host. Unparseable input yields "".
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// StrategyByName resolves the configured identity strategy. An empty name
// selects name_price.
func StrategyByName(name string) (KeyStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyNamePrice:
		return NamePriceStrategy{}, nil
	case StrategySKU:
		return SKUStrategy{Fallback: NamePriceStrategy{}}, nil
	case StrategyURL:
		return URLStrategy{Fallback: NamePriceStrategy{}}, nil
	default:
		return nil, fmt.Errorf("unknown identity strategy %q", name)
	}
}
