// Package config provides configuration loading utilities for the model catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CatalogModel describes one model entry in the catalog file.
type CatalogModel struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Description   string  `yaml:"description"`
	ContextLength int     `yaml:"context_length"`
	InputPrice    float64 `yaml:"input_price"`
	OutputPrice   float64 `yaml:"output_price"`
}

// ModelCatalog maps a provider id to its known models. Adapters merge the
// catalog over their built-in lists so pricing can be tuned without a
// rebuild.
type ModelCatalog struct {
	Providers map[string][]CatalogModel `yaml:"providers"`
	// DefaultModel per provider, used when a request names none.
	Defaults map[string]string `yaml:"defaults"`
}

// LoadModelCatalog loads the model catalog from a YAML file. An empty path
// returns an empty catalog; a missing file is an error so typos surface at
// boot.
func LoadModelCatalog(path string) (ModelCatalog, error) {
	catalog := ModelCatalog{
		Providers: map[string][]CatalogModel{},
		Defaults:  map[string]string{},
	}
	if path == "" {
		return catalog, nil
	}

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return ModelCatalog{}, fmt.Errorf("failed to read model catalog: %w", err)
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return ModelCatalog{}, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	if catalog.Providers == nil {
		catalog.Providers = map[string][]CatalogModel{}
	}
	if catalog.Defaults == nil {
		catalog.Defaults = map[string]string{}
	}
	return catalog, nil
}

// ModelsFor returns the catalog entries for one provider; may be empty.
func (mc ModelCatalog) ModelsFor(providerID string) []CatalogModel {
	return mc.Providers[providerID]
}

// DefaultModelFor returns the configured default model for a provider, or
// empty when the catalog does not name one.
func (mc ModelCatalog) DefaultModelFor(providerID string) string {
	return mc.Defaults[providerID]
}
