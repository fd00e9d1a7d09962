package models

import (
	"fmt"
	"time"
)

// RawProduct is one catalog tile as handed over by a scraper. Every field is
// present but may be empty; nothing has been validated yet.
type RawProduct struct {
	NameCandidates []string  `json:"name_candidates"`
	PriceText      string    `json:"price_text"`
	Currency       string    `json:"currency"`
	ImageURL       string    `json:"image_url"`
	ProductURL     string    `json:"product_url"`
	SKU            string    `json:"sku"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// ProductRecord is a validated catalog entry observed in a single scan.
type ProductRecord struct {
	Name        string    `json:"name"`
	Price       int64     `json:"price"`
	Currency    string    `json:"currency"`
	ImageURL    string    `json:"image_url"`
	ProductURL  string    `json:"product_url"`
	SKU         string    `json:"sku,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

func (p ProductRecord) String() string {
	return fmt.Sprintf("%s (%s %d)", p.Name, p.Currency, p.Price)
}

// WatchRule selects products whose name contains NameContains and whose
// price lies in [MinPrice, MaxPrice].
type WatchRule struct {
	NameContains string `json:"name_contains"`
	MinPrice     int64  `json:"min_price"`
	MaxPrice     int64  `json:"max_price"`
}

func (r WatchRule) Validate() error {
	if r.NameContains == "" {
		return fmt.Errorf("name_contains is required")
	}
	if r.MinPrice < 0 || r.MaxPrice < 0 {
		return fmt.Errorf("rule %q: prices must not be negative", r.NameContains)
	}
	if r.MinPrice > r.MaxPrice {
		return fmt.Errorf("rule %q: min_price %d is greater than max_price %d", r.NameContains, r.MinPrice, r.MaxPrice)
	}
	return nil
}

// Reason renders the human readable match annotation for this rule.
func (r WatchRule) Reason(currency string) string {
	return fmt.Sprintf("%s in range %s %d-%d", r.NameContains, currency, r.MinPrice, r.MaxPrice)
}

type WatchMatch struct {
	Product ProductRecord `json:"product"`
	Rule    WatchRule     `json:"rule"`
	Reason  string        `json:"watch_reason"`
}
