package catalog

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// DiffResult is the outcome of comparing one scan against the snapshot.
type DiffResult struct {
	// New holds the first occurrence of every key absent from the snapshot,
	// in scan order.
	New []models.ProductRecord
	// AllKeys is the key set of the whole scan, the next snapshot.
	AllKeys mapset.Set[IdentityKey]
	// Known counts distinct products that were already in the snapshot.
	Known int
	// Duplicates counts records collapsed because their key repeated.
	Duplicates int
}

type Differ struct {
	strategy KeyStrategy
}

// NewDiffer returns a differ keyed by strategy, or by name and price when nil.
func NewDiffer(strategy KeyStrategy) *Differ {
	if strategy == nil {
		strategy = NamePriceStrategy{}
	}
	return &Differ{strategy: strategy}
}

func (d *Differ) Strategy() KeyStrategy {
	return d.strategy
}

func (d *Differ) Key(p models.ProductRecord) IdentityKey {
	return d.strategy.Key(p)
}

// Diff partitions current into new and already known products. A nil
// previous set is treated as empty.
func (d *Differ) Diff(current []models.ProductRecord, previous mapset.Set[IdentityKey]) DiffResult {
	result := DiffResult{
		New:     make([]models.ProductRecord, 0),
		AllKeys: mapset.NewThreadUnsafeSetWithSize[IdentityKey](len(current)),
	}

	for _, p := range current {
		key := d.strategy.Key(p)
		if !result.AllKeys.Add(key) {
			result.Duplicates++
			continue
		}
		if previous != nil && previous.Contains(key) {
			result.Known++
			continue
		}
		result.New = append(result.New, p)
	}

	return result
}

// Dedupe keeps the first record of every key, in order.
func (d *Differ) Dedupe(current []models.ProductRecord) []models.ProductRecord {
	seen := mapset.NewThreadUnsafeSetWithSize[IdentityKey](len(current))
	out := make([]models.ProductRecord, 0, len(current))
	for _, p := range current {
		if seen.Add(d.strategy.Key(p)) {
			out = append(out, p)
		}
	}
	return out
}

func (d *Differ) Keys(current []models.ProductRecord) mapset.Set[IdentityKey] {
	keys := mapset.NewThreadUnsafeSetWithSize[IdentityKey](len(current))
	for _, p := range current {
		keys.Add(d.strategy.Key(p))
	}
	return keys
}

// KeySet builds a set from stored key encodings.
func KeySet(keys []string) mapset.Set[IdentityKey] {
	set := mapset.NewThreadUnsafeSetWithSize[IdentityKey](len(keys))
	for _, k := range keys {
		set.Add(IdentityKey(k))
	}
	return set
}

// Strings returns the key encodings of a set in no particular order.
func Strings(keys mapset.Set[IdentityKey]) []string {
	if keys == nil {
		return []string{}
	}
	out := make([]string, 0, keys.Cardinality())
	for _, k := range keys.ToSlice() {
		out = append(out, string(k))
	}
	return out
}
