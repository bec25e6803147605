package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const approvalPolicySchemaVersionV1 = 1

// ApprovalPolicy is the operator-managed auto-approval policy, stored next to
// the config as policy.yaml.
//
// It can only widen what runs without a prompt; it never widens permissions
// beyond the session cap.
type ApprovalPolicy struct {
	SchemaVersion int `yaml:"schema_version"`

	// AllowedCommandPrefixes lists command prefixes that skip the approval
	// prompt entirely (e.g. "git status", "ls").
	AllowedCommandPrefixes []string `yaml:"allowed_command_prefixes,omitempty"`

	// AutoApproveWrites mirrors the auto_approve_write_only config flag; the
	// policy file wins when both are set.
	AutoApproveWrites *bool `yaml:"auto_approve_writes,omitempty"`
}

// DefaultApprovalPolicyPath returns the default policy path:
//
//	~/.toolgate/policy.yaml
func DefaultApprovalPolicyPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "toolgate.policy.yaml"
	}
	return filepath.Join(home, ".toolgate", "policy.yaml")
}

func defaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{SchemaVersion: approvalPolicySchemaVersionV1}
}

func (p *ApprovalPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.SchemaVersion != approvalPolicySchemaVersionV1 {
		return fmt.Errorf("unsupported schema_version: %d", p.SchemaVersion)
	}
	return nil
}

// ApplyToConfig merges the policy's overrides into a loaded config. The
// policy file wins when both set auto-approve-writes.
func (p *ApprovalPolicy) ApplyToConfig(c *Config) {
	if p == nil || c == nil {
		return
	}
	if p.AutoApproveWrites != nil {
		c.AutoApproveWriteOnly = *p.AutoApproveWrites
	}
}

// AllowsCommand reports whether the command matches an auto-approved prefix.
func (p *ApprovalPolicy) AllowsCommand(command string) bool {
	if p == nil {
		return false
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, prefix := range p.AllowedCommandPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return false
}

// LoadApprovalPolicy reads policy.yaml. A missing file yields the default
// (prompt for everything) rather than an error.
func LoadApprovalPolicy(path string) (*ApprovalPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultApprovalPolicy(), nil
		}
		return nil, err
	}
	var p ApprovalPolicy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if p.SchemaVersion == 0 {
		p.SchemaVersion = approvalPolicySchemaVersionV1
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
