// Package catalog maps action kinds to their cost, fulfillment adapter and
// timeout. The table is swapped atomically on reload; descriptors are values,
// so callers holding one are never affected by a later swap.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"tokenmeter/internal/model"
)

// Entry is one row of the catalog file.
type Entry struct {
	Kind        string        `mapstructure:"kind"`
	Cost        int64         `mapstructure:"cost"`
	Fulfillment string        `mapstructure:"fulfillment"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func DefaultEntries() []Entry {
	return []Entry{
		{Kind: string(model.ActionSendMessage), Cost: 2, Fulfillment: "chat"},
		{Kind: string(model.ActionGenerateImage), Cost: 5, Fulfillment: "image", Timeout: 120 * time.Second},
		{Kind: string(model.ActionGenerateSpeech), Cost: 3, Fulfillment: "speech"},
		{Kind: string(model.ActionUnlockGallery), Cost: 1000, Fulfillment: "gallery", Timeout: 10 * time.Second},
	}
}

type table struct {
	byKind  map[model.ActionKind]model.ActionDescriptor
	ordered []model.ActionDescriptor
	maxWait time.Duration
}

type Catalog struct {
	current        atomic.Pointer[table]
	defaultTimeout time.Duration
	ceiling        time.Duration
}

// New validates entries and builds a catalog. Entries with a zero timeout
// inherit defaultTimeout.
func New(entries []Entry, defaultTimeout time.Duration) (*Catalog, error) {
	return NewBounded(entries, defaultTimeout, 0)
}

// NewBounded is New with an upper limit on every action timeout. Replace
// rejects tables that exceed it. A zero ceiling means no limit.
func NewBounded(entries []Entry, defaultTimeout, ceiling time.Duration) (*Catalog, error) {
	if defaultTimeout <= 0 {
		return nil, errors.New("catalog: default timeout must be positive")
	}
	if ceiling < 0 || (ceiling > 0 && defaultTimeout > ceiling) {
		return nil, fmt.Errorf("catalog: default timeout %s exceeds ceiling %s", defaultTimeout, ceiling)
	}
	c := &Catalog{defaultTimeout: defaultTimeout, ceiling: ceiling}
	if err := c.Replace(entries); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates entries and swaps them in. On error the current table is kept.
func (c *Catalog) Replace(entries []Entry) error {
	t, err := buildTable(entries, c.defaultTimeout, c.ceiling)
	if err != nil {
		return err
	}
	c.current.Store(t)
	return nil
}

func (c *Catalog) Lookup(kind model.ActionKind) (model.ActionDescriptor, error) {
	d, ok := c.current.Load().byKind[kind]
	if !ok {
		return model.ActionDescriptor{}, fmt.Errorf("%w: %q", model.ErrUnknownActionKind, kind)
	}
	return d, nil
}

// List returns the descriptors sorted by kind.
func (c *Catalog) List() []model.ActionDescriptor {
	ordered := c.current.Load().ordered
	out := make([]model.ActionDescriptor, len(ordered))
	copy(out, ordered)
	return out
}

// MaxTimeout is the longest fulfillment timeout currently configured.
func (c *Catalog) MaxTimeout() time.Duration {
	return c.current.Load().maxWait
}

func buildTable(entries []Entry, defaultTimeout, ceiling time.Duration) (*table, error) {
	if len(entries) == 0 {
		return nil, errors.New("catalog: no actions configured")
	}

	t := &table{byKind: make(map[model.ActionKind]model.ActionDescriptor, len(entries))}
	for i, e := range entries {
		kind := model.ActionKind(strings.ToLower(strings.TrimSpace(e.Kind)))
		if !kind.Valid() {
			return nil, fmt.Errorf("catalog: entry %d: %w: %q", i, model.ErrUnknownActionKind, e.Kind)
		}
		if _, dup := t.byKind[kind]; dup {
			return nil, fmt.Errorf("catalog: duplicate entry for %q", kind)
		}
		if e.Cost <= 0 {
			return nil, fmt.Errorf("catalog: %q: cost must be positive, got %d", kind, e.Cost)
		}
		ref := strings.ToLower(strings.TrimSpace(e.Fulfillment))
		if ref == "" {
			return nil, fmt.Errorf("catalog: %q: fulfillment is required", kind)
		}
		if e.Timeout < 0 {
			return nil, fmt.Errorf("catalog: %q: timeout must not be negative", kind)
		}
		timeout := e.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		if ceiling > 0 && timeout > ceiling {
			return nil, fmt.Errorf("catalog: %q: timeout %s exceeds ceiling %s", kind, timeout, ceiling)
		}

		d := model.ActionDescriptor{Kind: kind, Cost: e.Cost, Fulfillment: ref, Timeout: timeout}
		t.byKind[kind] = d
		t.ordered = append(t.ordered, d)
		if timeout > t.maxWait {
			t.maxWait = timeout
		}
	}

	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].Kind < t.ordered[j].Kind })
	return t, nil
}
