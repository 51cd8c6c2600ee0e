package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one instrument definition from assets.yaml.
type CatalogEntry struct {
	ID       string   `yaml:"id"`
	Class    string   `yaml:"class"`
	Name     string   `yaml:"name"`
	Currency string   `yaml:"currency"`
	MinQty   float64  `yaml:"min_qty"`
	Aliases  []string `yaml:"aliases"`
}

type catalogFile struct {
	Assets []CatalogEntry `yaml:"assets"`
}

// Catalog resolves identifiers, names, and aliases to assets. The alias table
// is what lets the conversation router map "三星电子" to 005930.
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]Asset
	byAlias map[string]Asset
}

// LoadCatalog reads the instrument catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	c := &Catalog{
		byID:    make(map[string]Asset, len(file.Assets)),
		byAlias: make(map[string]Asset),
	}
	for _, e := range file.Assets {
		asset := Asset{
			ID:       e.ID,
			Class:    AssetClass(e.Class),
			Name:     e.Name,
			Currency: e.Currency,
			MinQty:   e.MinQty,
		}
		if asset.MinQty == 0 {
			asset.MinQty = 1
		}
		c.byID[normalizeToken(e.ID)] = asset
		c.byAlias[normalizeToken(e.Name)] = asset
		for _, alias := range e.Aliases {
			c.byAlias[normalizeToken(alias)] = asset
		}
	}
	return c, nil
}

// ByID resolves an exact identifier.
func (c *Catalog) ByID(id string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byID[normalizeToken(id)]
	return a, ok
}

// All returns every cataloged asset sorted by ID.
func (c *Catalog) All() []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Asset, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup resolves an identifier, name, or alias.
func (c *Catalog) Lookup(token string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := normalizeToken(token)
	if a, ok := c.byID[key]; ok {
		return a, true
	}
	if a, ok := c.byAlias[key]; ok {
		return a, true
	}
	return Asset{}, false
}

// FindInText scans free-form text for the longest catalog match. Aliases are
// matched as substrings, which is what CJK input without word boundaries
// requires.
func (c *Catalog) FindInText(text string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	normalized := normalizeToken(text)
	var best Asset
	bestLen := 0

	for alias, asset := range c.byAlias {
		if len(alias) > bestLen && strings.Contains(normalized, alias) {
			best = asset
			bestLen = len(alias)
		}
	}
	for id, asset := range c.byID {
		if len(id) > bestLen && strings.Contains(normalized, id) {
			best = asset
			bestLen = len(id)
		}
	}
	return best, bestLen > 0
}

// Resolve maps the configured watchlists through the catalog. Identifiers
// missing from the catalog get a minimal entry so monitoring still works.
func (c *Catalog) Resolve(equityKR, equityUS, crypto []string) []Asset {
	out := make([]Asset, 0, len(equityKR)+len(equityUS)+len(crypto))
	appendAll := func(ids []string, class AssetClass, currency string) {
		for _, id := range ids {
			if a, ok := c.ByID(id); ok {
				out = append(out, a)
				continue
			}
			out = append(out, Asset{ID: id, Class: class, Name: id, Currency: currency, MinQty: 1})
		}
	}
	appendAll(equityKR, ClassEquity, "KRW")
	appendAll(equityUS, ClassEquity, "USD")
	appendAll(crypto, ClassCrypto, "KRW")
	return out
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
