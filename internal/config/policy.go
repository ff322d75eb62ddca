package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/etcr-vault/internal/container"
)

// Policy overrides encryption behavior for source files whose name
// matches one of its glob patterns.
type Policy struct {
	ID             string   `yaml:"id"`
	Match          []string `yaml:"match"` // Glob patterns for original file names
	Algorithm      string   `yaml:"algorithm,omitempty"`
	DeleteOriginal *bool    `yaml:"delete_original,omitempty"`
}

// PolicyManager manages loading and matching policies.
type PolicyManager struct {
	policies []*Policy
	mu       sync.RWMutex
}

// NewPolicyManager creates an empty policy manager.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*Policy, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.policies = make([]*Policy, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy Policy
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Match) == 0 {
				return fmt.Errorf("policy %s must specify at least one file pattern", policy.ID)
			}
			if policy.Algorithm != "" {
				alg, err := container.ParseAlgorithm(policy.Algorithm)
				if err != nil {
					return fmt.Errorf("policy %s: invalid algorithm %s", policy.ID, policy.Algorithm)
				}
				if !alg.Encryptable() {
					return fmt.Errorf("policy %s: algorithm %s is decrypt-only", policy.ID, policy.Algorithm)
				}
			}

			pm.policies = append(pm.policies, &policy)
		}
	}

	return nil
}

// PolicyForFile returns the first policy matching the file's base name.
func (pm *PolicyManager) PolicyForFile(name string) *Policy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	base := filepath.Base(name)
	for _, policy := range pm.policies {
		for _, pattern := range policy.Match {
			if glob.Glob(pattern, base) {
				return policy
			}
		}
	}
	return nil
}

// ApplyToConfig applies policy overrides to a copy of the base configuration.
func (p *Policy) ApplyToConfig(base *Config) *Config {
	newConfig := *base

	if p.Algorithm != "" {
		newConfig.Vault.DefaultAlgorithm = p.Algorithm
	}
	if p.DeleteOriginal != nil {
		newConfig.Vault.DeleteOriginals = *p.DeleteOriginal
	}

	return &newConfig
}
