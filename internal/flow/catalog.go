package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// ErrInvalidFlow wraps validation failures from Catalog.Save.
var ErrInvalidFlow = errors.New("invalid flow definition")

// Catalog holds the active flows in evaluation order. Reload swaps the whole list, so a flow
// obtained from the catalog is never mutated underneath a running pass.
type Catalog struct {
	repo store.FlowRepo

	mu       sync.RWMutex
	flows    []models.Flow
	loadedAt time.Time
}

// NewCatalog creates an empty catalog over repo. Call Reload to populate it.
func NewCatalog(repo store.FlowRepo) *Catalog {
	return &Catalog{repo: repo}
}

// Reload reads the active flows from storage. Flows that fail validation are skipped.
func (c *Catalog) Reload() (int, error) {
	flows, err := c.repo.ListFlows(true)
	if err != nil {
		return 0, fmt.Errorf("failed to list flows: %w", err)
	}
	valid := make([]models.Flow, 0, len(flows))
	for _, f := range flows {
		if err := f.Validate(); err != nil {
			slog.Warn("Catalog.Reload: skipping invalid flow", "flowID", f.ID, "error", err)
			continue
		}
		valid = append(valid, f)
	}

	c.mu.Lock()
	c.flows = valid
	c.loadedAt = time.Now()
	c.mu.Unlock()

	slog.Info("Catalog.Reload: flows loaded", "count", len(valid), "skipped", len(flows)-len(valid))
	return len(valid), nil
}

// Save validates and stores a flow, then reloads.
func (c *Catalog) Save(f models.Flow) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if err := c.repo.SaveFlow(f); err != nil {
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	_, err := c.Reload()
	return err
}

// Flows returns the active flows in evaluation order.
func (c *Catalog) Flows() []models.Flow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Flow, len(c.flows))
	copy(out, c.flows)
	return out
}

// LoadedAt is the time of the last successful reload.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// ByID returns an active flow.
func (c *Catalog) ByID(id string) (*models.Flow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.flows {
		if c.flows[i].ID == id {
			f := c.flows[i]
			return &f, true
		}
	}
	return nil, false
}

// ByIntent returns the first non-default flow that declares intent, either in its intents or
// in an intent or classification trigger.
func (c *Catalog) ByIntent(intent string) (*models.Flow, bool) {
	if intent == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.flows {
		f := &c.flows[i]
		if f.IsDefault {
			continue
		}
		if containsFold(f.Intents, intent) {
			out := *f
			return &out, true
		}
		switch f.Trigger.Type {
		case models.TriggerIntent, models.TriggerClassification:
			if containsFold(f.Trigger.Intents, intent) {
				out := *f
				return &out, true
			}
		}
	}
	return nil, false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
