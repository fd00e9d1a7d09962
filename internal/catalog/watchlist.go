package catalog

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// Watchlist evaluates products against rules in their declared order.
type Watchlist struct {
	rules  []models.WatchRule
	needle []string
}

// NewWatchlist validates every rule up front so matching never fails.
func NewWatchlist(rules []models.WatchRule) (*Watchlist, error) {
	w := &Watchlist{
		rules:  make([]models.WatchRule, 0, len(rules)),
		needle: make([]string, 0, len(rules)),
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("watchlist rule %d: %w", i, err)
		}
		w.rules = append(w.rules, rule)
		w.needle = append(w.needle, Fold(rule.NameContains))
	}
	return w, nil
}

func (w *Watchlist) Rules() []models.WatchRule {
	return append([]models.WatchRule(nil), w.rules...)
}

func (w *Watchlist) Len() int {
	return len(w.rules)
}

// Match returns the first rule satisfied by p.
func (w *Watchlist) Match(p models.ProductRecord) (models.WatchMatch, bool) {
	name := Fold(p.Name)
	for i, rule := range w.rules {
		if p.Price < rule.MinPrice || p.Price > rule.MaxPrice {
			continue
		}
		if !strings.Contains(name, w.needle[i]) {
			continue
		}
		return models.WatchMatch{
			Product: p,
			Rule:    rule,
			Reason:  rule.Reason(p.Currency),
		}, true
	}
	return models.WatchMatch{}, false
}

// MatchAll reports each matching product once, in scan order.
func (w *Watchlist) MatchAll(current []models.ProductRecord) []models.WatchMatch {
	matches := make([]models.WatchMatch, 0)
	if len(w.rules) == 0 {
		return matches
	}
	for _, p := range current {
		if m, ok := w.Match(p); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// MatchWatchlist matches current against rules, skipping invalid rules.
func MatchWatchlist(current []models.ProductRecord, rules []models.WatchRule) []models.WatchMatch {
	valid := make([]models.WatchRule, 0, len(rules))
	for _, r := range rules {
		if r.Validate() == nil {
			valid = append(valid, r)
		}
	}
	w, _ := NewWatchlist(valid)
	return w.MatchAll(current)
}

// Fold lower-cases s and strips diacritics, so "Hermès" contains "hermes".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}
