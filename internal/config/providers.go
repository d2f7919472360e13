package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"sms-rental-ledger/internal/models"

	"gopkg.in/yaml.v2"
)

type providersFile struct {
	Providers []models.ProviderConfig `yaml:"providers"`
}

// LoadProviders reads provider definitions from a YAML file. Relative paths
// resolve against the working directory.
func LoadProviders(path string) ([]models.ProviderConfig, error) {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, p := range file.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider at index %d missing name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %s defined twice", p.Name)
		}
		seen[p.Name] = true
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("provider %s has invalid base_url %q", p.Name, p.BaseURL)
		}
		if p.ActivationDuration < 0 || p.RentalDuration < 0 {
			return nil, fmt.Errorf("provider %s has a negative duration", p.Name)
		}
	}

	return file.Providers, nil
}
