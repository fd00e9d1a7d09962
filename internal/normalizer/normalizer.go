package normalizer

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/maltedev/catalog-monitor/internal/models"
)

const (
	DefaultCurrency   = "HKD"
	DefaultSKUPattern = `H[0-9A-Z]{5,}`

	// Names this short are navigation labels or badges, not products.
	minNameLength = 3
)

type Options struct {
	BaseURL         string
	DefaultCurrency string
	SKUPattern      string
}

// Normalizer turns raw scraped tiles into validated product records.
type Normalizer struct {
	base       *url.URL
	currency   string
	skuPattern *regexp.Regexp
	now        func() time.Time
}

func New(opts Options) (*Normalizer, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
	}
	if opts.BaseURL != "" && (base.Scheme == "" || base.Host == "") {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	pattern := opts.SKUPattern
	if pattern == "" {
		pattern = DefaultSKUPattern
	}
	skuPattern, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid sku pattern: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(opts.DefaultCurrency))
	if currency == "" {
		currency = DefaultCurrency
	}

	return &Normalizer{
		base:       base,
		currency:   currency,
		skuPattern: skuPattern,
		now:        time.Now,
	}, nil
}

// Normalize validates one raw record. The boolean is false when no usable
// name was found, which is the only reason a record is rejected.
func (n *Normalizer) Normalize(raw models.RawProduct) (models.ProductRecord, bool) {
	name, ok := BestName(raw.NameCandidates)
	if !ok {
		return models.ProductRecord{}, false
	}

	record := models.ProductRecord{
		Name:        name,
		Price:       ParsePrice(raw.PriceText),
		Currency:    n.currency,
		ImageURL:    n.ResolveURL(raw.ImageURL),
		ProductURL:  n.ResolveURL(raw.ProductURL),
		SKU:         strings.TrimSpace(raw.SKU),
		ExtractedAt: raw.ExtractedAt,
	}

	if c := strings.ToUpper(strings.TrimSpace(raw.Currency)); c != "" {
		record.Currency = c
	}
	if record.SKU == "" {
		record.SKU = n.ExtractSKU(record.ProductURL)
	}
	if record.ExtractedAt.IsZero() {
		record.ExtractedAt = n.now()
	}

	return record, true
}

// NormalizeAll keeps scan order and silently drops rejected records.
func (n *Normalizer) NormalizeAll(raws []models.RawProduct) []models.ProductRecord {
	records := make([]models.ProductRecord, 0, len(raws))
	for _, raw := range raws {
		if record, ok := n.Normalize(raw); ok {
			records = append(records, record)
		}
	}
	return records
}

// BestName returns the first candidate longer than three characters once
// cleaned. Candidates are expected in priority order.
func BestName(candidates []string) (string, bool) {
	for _, candidate := range candidates {
		name := CleanName(candidate)
		if utf8.RuneCountInString(name) > minNameLength {
			return name, true
		}
	}
	return "", false
}

// CleanName trims, collapses inner whitespace and puts the text in NFC so the
// same title rendered by different selectors compares equal.
func CleanName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

var thousandsSeparators = strings.NewReplacer(",", "", "'", "", "\u00a0", "", "\u202f", "")

// ParsePrice extracts the longest digit run from free-form price text after
// dropping thousands separators. Anything unparseable is 0.
func ParsePrice(text string) int64 {
	cleaned := thousandsSeparators.Replace(text)

	best := ""
	start := -1
	for i, r := range cleaned + " " {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if run := cleaned[start:i]; len(run) > len(best) {
				best = run
			}
			start = -1
		}
	}

	if best == "" {
		return 0
	}
	price, err := strconv.ParseInt(best, 10, 64)
	if err != nil {
		return 0
	}
	return price
}

// ResolveURL makes scraped hrefs absolute against the site origin.
func (n *Normalizer) ResolveURL(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case n.base == nil || n.base.Host == "":
		return ref
	case strings.HasPrefix(ref, "/"):
		return n.base.Scheme + "://" + n.base.Host + ref
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return n.base.ResolveReference(parsed).String()
}

// ExtractSKU looks for a catalog identifier in the path of a product URL.
func (n *Normalizer) ExtractSKU(productURL string) string {
	if productURL == "" {
		return ""
	}
	path := productURL
	if u, err := url.Parse(productURL); err == nil {
		path = u.Path
	}
	return n.skuPattern.FindString(path)
}
