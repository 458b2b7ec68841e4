package addons

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cordum/addonhub/core/infra/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Reserved descriptor file names, in order of preference at equal depth.
const (
	DescriptorJSON = "addon.json"
	DescriptorYAML = "addon.yaml"
	DescriptorYML  = "addon.yml"
)

const maxDescriptorBytes = 1 << 20

//go:embed descriptor.schema.json
var descriptorSchemaJSON []byte

var compileDescriptorSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return schema.Compile("addon-descriptor.json", descriptorSchemaJSON)
})

// requiredFields are checked in this order so the first missing field is
// reported deterministically.
var requiredFields = []string{"id", "name", "version", "description", "author"}

var stringFields = map[string]bool{
	"id": true, "name": true, "version": true, "description": true,
	"author": true, "category": true, "changelog": true,
}

// Descriptor is the metadata an addon declares about itself.
type Descriptor struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Author        string         `json:"author"`
	Category      string         `json:"category,omitempty"`
	Changelog     string         `json:"changelog,omitempty"`
	Compatibility map[string]any `json:"compatibility,omitempty"`

	// Path is where the descriptor was found.
	Path string `json:"-"`
}

// CompatibilityText renders compatibility as compact JSON with sorted keys,
// or "" when none was declared.
func (d *Descriptor) CompatibilityText() string {
	if len(d.Compatibility) == 0 {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d.Compatibility); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// IsDescriptor matches any reserved descriptor file name.
var IsDescriptor = NameIn(DescriptorJSON, DescriptorYAML, DescriptorYML)

// LocateDescriptor finds the descriptor anywhere under root.
func LocateDescriptor(root string) (string, error) {
	path, err := FindFirst(root, IsDescriptor)
	if errors.Is(err, fs.ErrNotExist) {
		return "", newError(KindDescriptor, ErrDescriptorMissing,
			"no %s, %s or %s found in package", DescriptorJSON, DescriptorYAML, DescriptorYML)
	}
	if err != nil {
		return "", storageError(err, "search extracted package")
	}
	return path, nil
}

// ParseDescriptorTree locates and parses the descriptor under root.
func ParseDescriptorTree(root string) (*Descriptor, error) {
	path, err := LocateDescriptor(root)
	if err != nil {
		return nil, err
	}
	return ParseDescriptorFile(path)
}

// ParseDescriptorFile reads and validates a single descriptor file.
func ParseDescriptorFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storageError(err, "open descriptor")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxDescriptorBytes+1))
	if err != nil {
		return nil, storageError(err, "read descriptor")
	}
	if len(data) > maxDescriptorBytes {
		return nil, descriptorFieldError("", "descriptor exceeds %d bytes", maxDescriptorBytes)
	}
	desc, err := ParseDescriptor(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	desc.Path = path
	return desc, nil
}

// ParseDescriptor decodes descriptor bytes. name selects the syntax: a
// .json name is decoded as JSON, anything else as YAML.
func ParseDescriptor(name string, data []byte) (*Descriptor, error) {
	var (
		raw map[string]any
		err error
	)
	if strings.EqualFold(filepath.Ext(name), ".json") {
		raw, err = decodeJSONDescriptor(data)
	} else {
		raw, err = decodeYAMLDescriptor(data)
	}
	if err != nil {
		return nil, descriptorFieldError("", "parse %s: %v", name, err)
	}
	return buildDescriptor(raw)
}

func decodeJSONDescriptor(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after descriptor object")
	}
	if raw == nil {
		return nil, errors.New("descriptor must be an object")
	}
	for key, val := range raw {
		if num, ok := val.(json.Number); ok && stringFields[key] {
			raw[key] = num.String()
		}
	}
	return raw, nil
}

// decodeYAMLDescriptor keeps scalar text verbatim for the string fields so a
// bare `version: 1.10` stays "1.10" instead of becoming a float.
func decodeYAMLDescriptor(data []byte) (map[string]any, error) {
	var nodes map[string]yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, err
	}
	if nodes == nil {
		return nil, errors.New("descriptor must be a mapping")
	}
	raw := make(map[string]any, len(nodes))
	for key, node := range nodes {
		if stringFields[key] && node.Kind == yaml.ScalarNode {
			if node.Tag == "!!null" {
				raw[key] = ""
			} else {
				raw[key] = node.Value
			}
			continue
		}
		var val any
		if err := node.Decode(&val); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		normalized, err := normalizeJSON(val)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		raw[key] = normalized
	}
	return raw, nil
}

func normalizeJSON(val any) (any, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func buildDescriptor(raw map[string]any) (*Descriptor, error) {
	for key, val := range raw {
		if s, ok := val.(string); ok && stringFields[key] {
			raw[key] = strings.TrimSpace(s)
		}
	}
	for _, field := range requiredFields {
		val, ok := raw[field]
		if !ok || val == nil {
			return nil, descriptorFieldError(field, "required descriptor field %q is missing", field)
		}
		if s, isString := val.(string); isString && s == "" {
			return nil, descriptorFieldError(field, "required descriptor field %q is empty", field)
		}
	}

	compiled, err := compileDescriptorSchema()
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}
	if err := compiled.Validate(any(raw)); err != nil {
		v := schema.FirstViolation(err)
		return nil, descriptorFieldError(v.Field, "invalid descriptor: %s", v.Message)
	}

	desc := &Descriptor{
		ID:          stringField(raw, "id"),
		Name:        stringField(raw, "name"),
		Version:     stringField(raw, "version"),
		Description: stringField(raw, "description"),
		Author:      stringField(raw, "author"),
		Category:    stringField(raw, "category"),
		Changelog:   stringField(raw, "changelog"),
	}
	if compat, ok := raw["compatibility"].(map[string]any); ok {
		desc.Compatibility = compat
	}
	if _, err := semver.NewVersion(desc.Version); err != nil {
		return nil, descriptorFieldError("version", "version %q is not a semantic version", desc.Version)
	}
	return desc, nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
