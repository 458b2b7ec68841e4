package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/cordum/addonhub/core/infra/schema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/upload_policy.schema.json
var uploadPolicySchema []byte

// UploadPolicy overrides the ingestion limits.
type UploadPolicy struct {
	MaxBytes          int64    `yaml:"max_bytes"`
	MaxExtractedBytes int64    `yaml:"max_extracted_bytes"`
	ContentTypes      []string `yaml:"content_types"`
}

// LoadUploadPolicy reads a YAML upload policy and checks it against the
// embedded schema. An empty path yields an empty policy, which leaves every
// default in place.
func LoadUploadPolicy(path string) (*UploadPolicy, error) {
	if path == "" {
		return &UploadPolicy{}, nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload policy: %w", err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse upload policy: %w", err)
	}
	if raw != nil {
		if err := schema.ValidateSchema("upload-policy", uploadPolicySchema, raw); err != nil {
			v := schema.FirstViolation(err)
			return nil, fmt.Errorf("invalid upload policy at %q: %s", v.Location, v.Message)
		}
	}
	var policy UploadPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse upload policy: %w", err)
	}
	return &policy, nil
}

// Merge applies the policy on top of the environment configuration.
func (p *UploadPolicy) Merge(cfg *Config) {
	if p == nil || cfg == nil {
		return
	}
	if p.MaxBytes > 0 {
		cfg.MaxUploadBytes = p.MaxBytes
	}
	if p.MaxExtractedBytes > 0 {
		cfg.MaxExtractedBytes = p.MaxExtractedBytes
	}
	if len(p.ContentTypes) > 0 {
		cfg.ContentTypes = append([]string(nil), p.ContentTypes...)
	}
}
