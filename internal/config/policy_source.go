package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/store"
)

// Policy source modes.
const (
	SourceDB             = "db"
	SourceFile           = "file"
	SourceDBFallbackFile = "db-fallback-file"
	SourceFileFallbackDB = "file-fallback-db"
)

// policyFile is the YAML policy file shape:
//
//	policy:
//	  class: string_replacement
//	  config:
//	    replacements: {"foo": "bar"}
type policyFile struct {
	Policy policy.Config `yaml:"policy"`
}

// LoadPolicyFile parses a YAML policy file.
func LoadPolicyFile(path string) (policy.Config, error) {
	var parsed policyFile

	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Config{}, err
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return policy.Config{}, fmt.Errorf("decode policy file: %w", err)
	}
	if parsed.Policy.Class == "" {
		return policy.Config{}, fmt.Errorf("policy file %s: policy.class is required", path)
	}
	return parsed.Policy, nil
}

// loadPolicyDB reads the active policy record from the store. Returns ok
// false when no record is active.
func loadPolicyDB(ctx context.Context, st *store.Store) (policy.Config, bool, error) {
	record, err := st.ActivePolicyConfig(ctx)
	if err != nil {
		return policy.Config{}, false, fmt.Errorf("read active policy: %w", err)
	}
	if record == nil {
		return policy.Config{}, false, nil
	}
	cfg := policy.Config{Class: record.PolicyClassRef}
	if record.Config != "" && record.Config != "{}" {
		if err := json.Unmarshal([]byte(record.Config), &cfg.Config); err != nil {
			return policy.Config{}, false, fmt.Errorf("decode stored policy config: %w", err)
		}
	}
	return cfg, true, nil
}

// ResolvePolicy returns the active policy config per the configured source
// mode. When neither source yields a policy, the noop passthrough is the
// answer; a proxy with no policy still proxies.
func (c *Config) ResolvePolicy(ctx context.Context, st *store.Store) (policy.Config, error) {
	fromFile := func() (policy.Config, bool, error) {
		if c.PolicyFile == "" {
			return policy.Config{}, false, nil
		}
		if _, err := os.Stat(c.PolicyFile); os.IsNotExist(err) {
			return policy.Config{}, false, nil
		}
		cfg, err := LoadPolicyFile(c.PolicyFile)
		if err != nil {
			return policy.Config{}, false, err
		}
		return cfg, true, nil
	}
	fromDB := func() (policy.Config, bool, error) {
		if st == nil {
			return policy.Config{}, false, nil
		}
		return loadPolicyDB(ctx, st)
	}

	var order []func() (policy.Config, bool, error)
	switch c.PolicySource {
	case SourceDB:
		order = append(order, fromDB)
	case SourceFile:
		order = append(order, fromFile)
	case SourceDBFallbackFile:
		order = append(order, fromDB, fromFile)
	case SourceFileFallbackDB:
		order = append(order, fromFile, fromDB)
	}

	for _, load := range order {
		cfg, ok, err := load()
		if err != nil {
			return policy.Config{}, err
		}
		if ok {
			return cfg, nil
		}
	}

	logrus.Info("No policy configured; using noop passthrough")
	return policy.Config{Class: "noop"}, nil
}
