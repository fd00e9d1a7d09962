package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<div class="products">
	<div class="product-card" data-product-id="H123456">
		<img src="//assets.hermes.com/birkin.jpg">
		<div class="product-name">Birkin 25 bag <span class="dynamic-badge">NEW</span></div>
		<div class="product-price">HK$85,000</div>
		<div class="product-sku">SKU: H123456</div>
		<a href="/product/H123456" class="product-link">View Details</a>
	</div>
	<div class="product-card">
		<img src="data:image/gif;base64,R0lGOD" data-src="/img/kelly.jpg">
		<h3>Kelly 28 bag</h3>
		<span class="amount" data-currency="EUR">9.800</span>
		<div class="product-sku">SKU: L002</div>
		<a href="/hk/en/product/kelly-28-L002/">Kelly</a>
	</div>
	<div class="product-card">
		<div class="product-name">NEW</div>
		<h2>Evelyne TPM bag</h2>
	</div>
</div>
</body></html>`

func newTestParser() *ListingParser {
	p := NewListingParser(Selectors{})
	p.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestListingParser_ParseHTML(t *testing.T) {
	products, err := newTestParser().ParseHTML(listingHTML)
	require.NoError(t, err)
	require.Len(t, products, 3)

	birkin := products[0]
	assert.Equal(t, []string{"Birkin 25 bag"}, birkin.NameCandidates)
	assert.Equal(t, "HK$85,000", birkin.PriceText)
	assert.Equal(t, "//assets.hermes.com/birkin.jpg", birkin.ImageURL)
	assert.Equal(t, "/product/H123456", birkin.ProductURL)
	assert.Equal(t, "H123456", birkin.SKU)
	assert.Equal(t, 2026, birkin.ExtractedAt.Year())

	kelly := products[1]
	assert.Equal(t, []string{"Kelly 28 bag"}, kelly.NameCandidates)
	assert.Equal(t, "9.800", kelly.PriceText)
	assert.Equal(t, "EUR", kelly.Currency)
	assert.Equal(t, "/img/kelly.jpg", kelly.ImageURL)
	assert.Equal(t, "/hk/en/product/kelly-28-L002/", kelly.ProductURL)
	assert.Equal(t, "L002", kelly.SKU)

	evelyne := products[2]
	assert.Equal(t, []string{"NEW", "Evelyne TPM bag"}, evelyne.NameCandidates)
	assert.Empty(t, evelyne.PriceText)
	assert.Empty(t, evelyne.ProductURL)
}

func TestListingParser_TileSelectorPriority(t *testing.T) {
	html := `<div>
		<article><h3>Decoy article</h3></article>
		<div data-testid="product-tile"><h3>Constance 18 bag</h3></div>
	</div>`

	products, err := newTestParser().ParseHTML(html)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, []string{"Constance 18 bag"}, products[0].NameCandidates)
}

func TestListingParser_NoTiles(t *testing.T) {
	products, err := newTestParser().ParseHTML(`<html><body><p>Access denied</p></body></html>`)
	require.NoError(t, err)
	assert.NotNil(t, products)
	assert.Empty(t, products)
}

func TestListingParser_CustomSelectors(t *testing.T) {
	p := NewListingParser(Selectors{Tile: []string{"li.tile"}, Name: []string{".t"}})
	products, err := p.ParseHTML(`<ul><li class="tile"><span class="t">Bolide 27 bag</span><span class="price">58000</span></li></ul>`)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, []string{"Bolide 27 bag"}, products[0].NameCandidates)
	assert.Equal(t, "58000", products[0].PriceText)
}

func TestFirstMatch(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<div><span class="b">x</span><span class="c">y</span><span class="c">z</span></div>`))
	require.NoError(t, err)

	tests := []struct {
		name      string
		selectors []string
		selector  string
		count     int
		ok        bool
	}{
		{"first hit wins", []string{".a", ".c", ".b"}, ".c", 2, true},
		{"nothing matches", []string{".a", ".d"}, "", 0, false},
		{"no selectors", nil, "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, selector, ok := FirstMatch(doc.Selection, tt.selectors)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.selector, selector)
			if ok {
				assert.Equal(t, tt.count, sel.Length())
			}
		})
	}
}
