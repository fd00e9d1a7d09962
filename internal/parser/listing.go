package parser

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// Parser turns a rendered listing page into raw product tiles.
type Parser interface {
	ParseListing(r io.Reader) ([]models.RawProduct, error)
}

var (
	DefaultTileSelectors = []string{
		`[data-testid="product-tile"]`,
		".product-item",
		".product-card",
		"article[data-product-id]",
		"article.product-item",
		"article",
	}
	DefaultNameSelectors = []string{
		".product-name",
		".product-title",
		"h3",
		"h2",
		`[data-testid="product-title"]`,
		".item-name",
	}
	DefaultPriceSelectors = []string{
		".price",
		".product-price",
		"[data-price]",
		".current-price",
		".amount",
	}
	DefaultLinkSelectors = []string{
		`a[href*="/product/"]`,
		"a.product-link",
		"a[href]",
	}
	DefaultSKUSelectors = []string{
		".product-sku",
		"[data-sku]",
	}

	badgeSelector = ".badge, .dynamic-badge, [data-badge]"
	skuAttributes = []string{"data-sku", "data-product-id"}
)

// Selectors are tried in order; the first one that finds something wins.
type Selectors struct {
	Tile  []string
	Name  []string
	Price []string
	Link  []string
	SKU   []string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Tile:  DefaultTileSelectors,
		Name:  DefaultNameSelectors,
		Price: DefaultPriceSelectors,
		Link:  DefaultLinkSelectors,
		SKU:   DefaultSKUSelectors,
	}
}

type ListingParser struct {
	selectors Selectors
	now       func() time.Time
}

func NewListingParser(selectors Selectors) *ListingParser {
	defaults := DefaultSelectors()
	if len(selectors.Tile) == 0 {
		selectors.Tile = defaults.Tile
	}
	if len(selectors.Name) == 0 {
		selectors.Name = defaults.Name
	}
	if len(selectors.Price) == 0 {
		selectors.Price = defaults.Price
	}
	if len(selectors.Link) == 0 {
		selectors.Link = defaults.Link
	}
	if len(selectors.SKU) == 0 {
		selectors.SKU = defaults.SKU
	}
	return &ListingParser{selectors: selectors, now: time.Now}
}

func (p *ListingParser) ParseListing(r io.Reader) ([]models.RawProduct, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return p.ParseDocument(doc), nil
}

func (p *ListingParser) ParseHTML(html string) ([]models.RawProduct, error) {
	return p.ParseListing(strings.NewReader(html))
}

// ParseDocument extracts one raw record per tile matched by the first tile
// selector that matches anything. Tiles are returned in document order.
func (p *ListingParser) ParseDocument(doc *goquery.Document) []models.RawProduct {
	tiles, _, ok := FirstMatch(doc.Selection, p.selectors.Tile)
	if !ok {
		return []models.RawProduct{}
	}

	now := p.now()
	products := make([]models.RawProduct, 0, tiles.Length())
	tiles.Each(func(_ int, tile *goquery.Selection) {
		products = append(products, p.parseTile(tile, now))
	})
	return products
}

func (p *ListingParser) parseTile(tile *goquery.Selection, now time.Time) models.RawProduct {
	raw := models.RawProduct{
		NameCandidates: p.nameCandidates(tile),
		Currency:       attrOf(tile, "data-currency"),
		ExtractedAt:    now,
	}

	if price, _, ok := FirstMatch(tile, p.selectors.Price); ok {
		raw.PriceText = strings.TrimSpace(price.First().Text())
		if raw.PriceText == "" {
			raw.PriceText = attrOf(price.First(), "data-price")
		}
		if raw.Currency == "" {
			raw.Currency = attrOf(price.First(), "data-currency")
		}
	}

	if img := tile.Find("img").First(); img.Length() > 0 {
		raw.ImageURL = attrOf(img, "src")
		if raw.ImageURL == "" || strings.HasPrefix(raw.ImageURL, "data:") {
			raw.ImageURL = attrOf(img, "data-src")
		}
	}

	if link, _, ok := FirstMatch(tile, p.selectors.Link); ok {
		raw.ProductURL = attrOf(link.First(), "href")
	} else if goquery.NodeName(tile) == "a" {
		raw.ProductURL = attrOf(tile, "href")
	}

	raw.SKU = p.sku(tile)
	return raw
}

// nameCandidates returns the text of every name selector hit, in selector
// priority order, with badges stripped.
func (p *ListingParser) nameCandidates(tile *goquery.Selection) []string {
	candidates := make([]string, 0, len(p.selectors.Name))
	for _, selector := range p.selectors.Name {
		sel := tile.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		clone := sel.Clone()
		clone.Find(badgeSelector).Remove()
		if text := strings.TrimSpace(clone.Text()); text != "" {
			candidates = append(candidates, text)
		}
	}
	if title := attrOf(tile, "data-name"); title != "" {
		candidates = append(candidates, title)
	}
	return candidates
}

func (p *ListingParser) sku(tile *goquery.Selection) string {
	for _, attr := range skuAttributes {
		if v := attrOf(tile, attr); v != "" {
			return v
		}
	}
	sel, _, ok := FirstMatch(tile, p.selectors.SKU)
	if !ok {
		return ""
	}
	if v := attrOf(sel.First(), "data-sku"); v != "" {
		return v
	}
	text := strings.TrimSpace(sel.First().Text())
	if i := strings.Index(text, ":"); i >= 0 {
		text = strings.TrimSpace(text[i+1:])
	}
	return text
}

// FirstMatch returns the matches of the first selector that finds at least
// one element below root, together with that selector.
func FirstMatch(root *goquery.Selection, selectors []string) (*goquery.Selection, string, bool) {
	for _, selector := range selectors {
		if sel := root.Find(selector); sel.Length() > 0 {
			return sel, selector, true
		}
	}
	return nil, "", false
}

func attrOf(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}
