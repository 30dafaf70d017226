package service

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/storage"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

type ResourceCatalogService struct {
	loader *storage.ResourceLoader
	config *model.Config
	mu     sync.RWMutex
}

func NewResourceCatalogService(resourcesPath string) *ResourceCatalogService {
	return &ResourceCatalogService{
		loader: storage.NewResourceLoader(resourcesPath),
	}
}

// NewStaticCatalog serves a catalog that was built in memory.
func NewStaticCatalog(cfg *model.Config, baseDir string) (*ResourceCatalogService, error) {
	if err := storage.Validate(cfg); err != nil {
		return nil, err
	}
	return &ResourceCatalogService{
		loader: storage.NewResourceLoader(filepath.Join(baseDir, "resources.yaml")),
		config: cfg,
	}, nil
}

func (cs *ResourceCatalogService) LoadResources() error {
	config, err := cs.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load resource: %w", err)
	}

	cs.mu.Lock()
	cs.config = config
	cs.mu.Unlock()

	return nil
}

// ListResources returns redacted copies in file order.
func (cs *ResourceCatalogService) ListResources() ([]model.Resource, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.config == nil {
		return nil, fmt.Errorf("resource not loaded")
	}

	out := make([]model.Resource, 0, len(cs.config.Resources))
	for i := range cs.config.Resources {
		out = append(out, cs.config.Resources[i].Redacted())
	}
	return out, nil
}

// ByName returns a copy of the named resource, secrets included.
func (cs *ResourceCatalogService) ByName(name string) (*model.Resource, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.config == nil {
		return nil, fmt.Errorf("resource not loaded")
	}
	res, ok := cs.config.Find(name)
	if !ok {
		return nil, fmt.Errorf("resource '%s': %w", name, ErrNotFound)
	}
	out := *res
	if res.Password != nil {
		pwd := *res.Password
		out.Password = &pwd
	}
	return &out, nil
}

func (cs *ResourceCatalogService) ResourcesBaseDir() string {
	return filepath.Dir(cs.loader.Path())
}
