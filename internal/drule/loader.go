package drule

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HerbHall/netsweep/internal/iprange"
)

// ruleFile is the top-level structure of a rules YAML file.
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID      uint64       `yaml:"id"`
	Name    string       `yaml:"name"`
	Delay   string       `yaml:"delay"`
	IPRange string       `yaml:"iprange"`
	Checks  []checkEntry `yaml:"checks"`
}

type checkEntry struct {
	ID            uint64 `yaml:"id"`
	Type          string `yaml:"type"`
	Ports         string `yaml:"ports"`
	Timeout       string `yaml:"timeout"`
	Key           string `yaml:"key"`
	Community     string `yaml:"community"`
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPass      string `yaml:"auth_pass"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPass      string `yaml:"priv_pass"`
	ContextName   string `yaml:"context_name"`
	AllowRedirect bool   `yaml:"allow_redirect"`
	Unique        bool   `yaml:"unique"`
}

// LoadFile reads rule definitions from a YAML file into the registry.
// Rules present in the registry but absent from the file are removed, so a
// reload behaves like a configuration sync.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules %q: %w", path, err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse rules %q: %w", path, err)
	}

	seen := make(map[uint64]bool, len(f.Rules))
	for _, entry := range f.Rules {
		rule, err := entry.toRule()
		if err != nil {
			return fmt.Errorf("rule %q: %w", entry.Name, err)
		}
		seen[rule.DRuleID] = true

		// Skip unchanged definitions so reloading the same file leaves
		// revisions alone.
		if old, ok := r.Get(rule.DRuleID); ok && rulesEqual(old, rule) {
			continue
		}
		r.Upsert(rule)
	}

	r.mu.Lock()
	var stale []uint64
	for id := range r.rules {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Remove(id)
	}

	return nil
}

func (e ruleEntry) toRule() (*Rule, error) {
	if e.ID == 0 {
		return nil, fmt.Errorf("missing rule id")
	}
	if _, err := iprange.ParseList(e.IPRange); err != nil {
		return nil, err
	}
	if len(e.Checks) == 0 {
		return nil, fmt.Errorf("rule has no checks")
	}

	rule := &Rule{
		DRuleID: e.ID,
		Name:    e.Name,
		Delay:   e.Delay,
		IPRange: e.IPRange,
	}

	for _, ce := range e.Checks {
		typ, err := ParseCheckType(ce.Type)
		if err != nil {
			return nil, err
		}

		check := &Check{
			DCheckID:      ce.ID,
			Type:          typ,
			Ports:         ce.Ports,
			Key:           ce.Key,
			Community:     ce.Community,
			SecurityName:  ce.SecurityName,
			SecurityLevel: ce.SecurityLevel,
			AuthProtocol:  ce.AuthProtocol,
			AuthPass:      ce.AuthPass,
			PrivProtocol:  ce.PrivProtocol,
			PrivPass:      ce.PrivPass,
			ContextName:   ce.ContextName,
			AllowRedirect: ce.AllowRedirect,
			Unique:        ce.Unique,
		}

		if ce.Timeout != "" {
			d, err := time.ParseDuration(ce.Timeout)
			if err != nil {
				return nil, fmt.Errorf("check %d timeout: %w", ce.ID, err)
			}
			check.Timeout = d
		}

		if typ != CheckICMP {
			if _, err := iprange.ParsePorts(check.Ports); err != nil {
				return nil, fmt.Errorf("check %d: %w", ce.ID, err)
			}
		}

		rule.Checks = append(rule.Checks, check)
	}

	return rule, nil
}

func rulesEqual(a, b *Rule) bool {
	if a.DRuleID != b.DRuleID || a.Name != b.Name || a.Delay != b.Delay ||
		a.IPRange != b.IPRange || len(a.Checks) != len(b.Checks) {
		return false
	}
	for i := range a.Checks {
		if *a.Checks[i] != *b.Checks[i] {
			return false
		}
	}
	return true
}
