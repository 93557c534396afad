package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
)

// CreateMode controls what a taxonomy cache miss does.
type CreateMode int

const (
	// CreateDisabled signals an unknown-entity error on a miss.
	CreateDisabled CreateMode = iota
	// CreateInStore creates the entity in the document store.
	CreateInStore
	// CreateVirtual assigns a synthetic negative id without touching the
	// store. Used in dry-run so the diff can still be rendered and the
	// would-be creations reported.
	CreateVirtual
)

// TaxonomyCache holds the store's current entities, one mapping per kind.
// Lookups go through case-normalized keys while the id→label direction keeps
// the store's display casing for tables and notes. Loaded once per run; grows
// only through ResolveOrCreate, never shrinks.
type TaxonomyCache struct {
	store ports.EntityStore

	byName map[domain.EntityKind]map[string]int
	byID   map[domain.EntityKind]map[int]string

	nextVirtualID int
	onCreate      func(domain.CreatedEntity)
}

func NewTaxonomyCache(store ports.EntityStore) *TaxonomyCache {
	return &TaxonomyCache{
		store:         store,
		byName:        make(map[domain.EntityKind]map[string]int),
		byID:          make(map[domain.EntityKind]map[int]string),
		nextVirtualID: -1,
	}
}

// Load fetches all entities of the four kinds. Failure here aborts the run:
// without the taxonomy nothing can be resolved.
func (c *TaxonomyCache) Load(ctx context.Context) error {
	for _, kind := range domain.Kinds() {
		mapping, err := c.store.ListEntities(ctx, kind)
		if err != nil {
			return err
		}
		names := make(map[string]int, len(mapping))
		labels := make(map[int]string, len(mapping))
		for label, id := range mapping {
			names[normalizeName(label)] = id
			labels[id] = strings.TrimSpace(label)
		}
		c.byName[kind] = names
		c.byID[kind] = labels
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c *TaxonomyCache) Lookup(kind domain.EntityKind, name string) (int, bool) {
	id, ok := c.byName[kind][normalizeName(name)]
	return id, ok
}

// ResolveOrCreate returns the id for (kind, name), creating the entity per
// mode on a miss. The mapping is consulted again immediately before the
// create call so a name resolved earlier in the same run never creates a
// duplicate.
func (c *TaxonomyCache) ResolveOrCreate(ctx context.Context, kind domain.EntityKind, name string, mode CreateMode) (int, bool, error) {
	key := normalizeName(name)
	if key == "" {
		return 0, false, fmt.Errorf("empty %s name", kind)
	}
	if id, ok := c.byName[kind][key]; ok {
		return id, false, nil
	}

	switch mode {
	case CreateInStore:
		// Re-check closes the window between resolve and create within
		// a retried document step.
		if id, ok := c.byName[kind][key]; ok {
			return id, false, nil
		}
		display := strings.TrimSpace(name)
		id, err := c.store.CreateEntity(ctx, kind, display)
		if err != nil {
			return 0, false, err
		}
		c.insert(kind, display, id)
		c.notifyCreate(kind, display, id)
		slog.Info("entity created", "kind", kind, "name", display, "id", id)
		return id, true, nil
	case CreateVirtual:
		display := strings.TrimSpace(name)
		id := c.nextVirtualID
		c.nextVirtualID--
		c.insert(kind, display, id)
		c.notifyCreate(kind, display, id)
		return id, true, nil
	default:
		return 0, false, domain.WrapError(domain.ErrUnknownEntity, "resolve entity",
			fmt.Errorf("%s %q has no existing match and entity creation is disabled", kind, name))
	}
}

// OnCreate registers a hook invoked once per entity the cache creates, at
// creation time. Creations stay accounted for even when the document they
// were resolved for fails later in the pipeline.
func (c *TaxonomyCache) OnCreate(fn func(domain.CreatedEntity)) {
	c.onCreate = fn
}

func (c *TaxonomyCache) notifyCreate(kind domain.EntityKind, name string, id int) {
	if c.onCreate != nil {
		c.onCreate(domain.CreatedEntity{Kind: kind, Name: name, ID: id})
	}
}

func (c *TaxonomyCache) insert(kind domain.EntityKind, name string, id int) {
	if c.byName[kind] == nil {
		c.byName[kind] = make(map[string]int)
	}
	if c.byID[kind] == nil {
		c.byID[kind] = make(map[int]string)
	}
	c.byName[kind][normalizeName(name)] = id
	c.byID[kind][id] = name
}

// Names returns the known display names of one kind, sorted, for prompt
// grounding.
func (c *TaxonomyCache) Names(kind domain.EntityKind) []string {
	names := make([]string, 0, len(c.byID[kind]))
	for _, name := range c.byID[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Label resolves an id back to its display name for diffs and notes.
func (c *TaxonomyCache) Label(kind domain.EntityKind, id int) string {
	if name, ok := c.byID[kind][id]; ok {
		return name
	}
	return fmt.Sprintf("id:%d", id)
}
