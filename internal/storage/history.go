package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// PurchaseHistory is the append-only log of purchase attempts, kept as a
// single JSON array.
type PurchaseHistory struct {
	mu       sync.Mutex
	filename string
}

func NewPurchaseHistory(filename string) *PurchaseHistory {
	return &PurchaseHistory{filename: filename}
}

func (ph *PurchaseHistory) Append(result *models.PurchaseResult) error {
	if result == nil {
		return fmt.Errorf("purchase result is nil")
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	history, err := ph.load()
	if err != nil {
		return err
	}
	history = append(history, *result)

	if err := writeJSONAtomic(ph.filename, history); err != nil {
		return fmt.Errorf("save purchase history: %w", err)
	}
	return nil
}

func (ph *PurchaseHistory) All() ([]models.PurchaseResult, error) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.load()
}

func (ph *PurchaseHistory) load() ([]models.PurchaseResult, error) {
	data, err := os.ReadFile(ph.filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.PurchaseResult{}, nil
		}
		return nil, fmt.Errorf("read purchase history: %w", err)
	}

	history := []models.PurchaseResult{}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode purchase history: %w", err)
	}
	return history, nil
}
