// Package chains holds the chain catalog the API serves from: a directory
// of chain definition JSON files, loaded and validated once at startup.
// Authoring lives in the management surface; this process only reads.
package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/promptforge/chainforge/pkg/models"
)

var ErrChainNotFound = errors.New("chain not found")

// Source is what the HTTP API needs from a catalog.
type Source interface {
	ChainByID(ctx context.Context, id string) (*models.ChainDefinition, error)
}

type Catalog struct {
	mu     sync.RWMutex
	chains map[string]*models.ChainDefinition
}

func NewCatalog() *Catalog {
	return &Catalog{chains: make(map[string]*models.ChainDefinition)}
}

// LoadDirectory builds a catalog from every .json file under root. A file
// that fails to parse or validate aborts the load; a partially valid
// catalog would silently hide chains.
func LoadDirectory(root string, validate *validator.Validate) (*Catalog, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain directory %s: %w", root, err)
	}

	catalog := NewCatalog()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(root, entry.Name())

		chain, err := loadFile(path, validate)
		if err != nil {
			return nil, err
		}

		if err := catalog.Add(chain); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	return catalog, nil
}

func loadFile(path string, validate *validator.Validate) (*models.ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file %s: %w", path, err)
	}

	var chain models.ChainDefinition
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to parse chain file %s: %w", path, err)
	}

	if validate != nil {
		if err := validate.Struct(&chain); err != nil {
			return nil, fmt.Errorf("invalid chain file %s: %w", path, err)
		}
	}

	if err := chain.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain file %s: %w", path, err)
	}

	return &chain, nil
}

// Add registers a chain. Duplicate IDs are an authoring error.
func (c *Catalog) Add(chain *models.ChainDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.chains[chain.ID]; exists {
		return fmt.Errorf("duplicate chain id %s", chain.ID)
	}

	c.chains[chain.ID] = chain

	return nil
}

func (c *Catalog) ChainByID(_ context.Context, id string) (*models.ChainDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chain, ok := c.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, id)
	}

	return chain, nil
}

// Chains lists the catalog sorted by ID.
func (c *Catalog) Chains() []*models.ChainDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.ChainDefinition, 0, len(c.chains))
	for _, chain := range c.chains {
		out = append(out, chain)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

var _ Source = (*Catalog)(nil)
