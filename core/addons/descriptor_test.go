package addons_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cordum/addonhub/core/addons"
)

func TestParseDescriptorJSON(t *testing.T) {
	desc, err := addons.ParseDescriptor("addon.json", []byte(`{
        "id": "demo_tool",
        "name": "  Demo Tool ",
        "version": "1.2.3",
        "description": "does things",
        "author": "someone",
        "category": "tools",
        "changelog": "first",
        "compatibility": {"min": "2.0", "max": 3}
    }`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if desc.ID != "demo_tool" || desc.Name != "Demo Tool" || desc.Version != "1.2.3" || desc.Category != "tools" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
	if got := desc.CompatibilityText(); got != `{"max":3,"min":"2.0"}` {
		t.Fatalf("unexpected compatibility %s", got)
	}
}

func TestParseDescriptorYAMLKeepsVersionText(t *testing.T) {
	desc, err := addons.ParseDescriptor("addon.yaml", []byte("id: demo\nname: Demo\nversion: 1.10.0\ndescription: d\nauthor: a\ncompatibility:\n  php: \">=8.1\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if desc.Version != "1.10.0" {
		t.Fatalf("unexpected version %q", desc.Version)
	}
	if desc.CompatibilityText() != `{"php":">=8.1"}` {
		t.Fatalf("unexpected compatibility %s", desc.CompatibilityText())
	}
}

func TestCompatibilityTextKeepsOperators(t *testing.T) {
	desc, err := addons.ParseDescriptor("addon.json", []byte(`{"id":"demo","name":"Demo","version":"1.0.0","description":"d","author":"a","compatibility":{"php":">=8.1 <9 & ok","app":"^2.0"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := desc.CompatibilityText(); got != `{"app":"^2.0","php":">=8.1 <9 & ok"}` {
		t.Fatalf("unexpected compatibility %s", got)
	}
}

func TestParseDescriptorRequiredOrder(t *testing.T) {
	cases := []struct {
		body  string
		field string
	}{
		{`{}`, "id"},
		{`{"id":"x"}`, "name"},
		{`{"id":"x","name":"X"}`, "version"},
		{`{"id":"x","name":"X","version":"1.0.0","description":"  "}`, "description"},
		{`{"id":"x","name":"X","version":"1.0.0","description":"d","author":null}`, "author"},
	}
	for _, tc := range cases {
		_, err := addons.ParseDescriptor("addon.json", []byte(tc.body))
		var addonErr *addons.Error
		if !errors.As(err, &addonErr) || addonErr.Field != tc.field || addonErr.Kind != addons.KindDescriptor {
			t.Fatalf("%s: expected field %s, got %v", tc.body, tc.field, err)
		}
		if !errors.Is(err, addons.ErrDescriptorField) {
			t.Fatalf("%s: expected ErrDescriptorField, got %v", tc.body, err)
		}
	}
}

func TestParseDescriptorSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"bad id":        `{"id":"Bad ID","name":"X","version":"1.0.0","description":"d","author":"a"}`,
		"unknown field": `{"id":"x","name":"X","version":"1.0.0","description":"d","author":"a","exec":"rm -rf /"}`,
		"compat type":   `{"id":"x","name":"X","version":"1.0.0","description":"d","author":"a","compatibility":"any"}`,
		"not semver":    `{"id":"x","name":"X","version":"one","description":"d","author":"a"}`,
		"not object":    `[1,2,3]`,
		"trailing":      `{"id":"x","name":"X","version":"1.0.0","description":"d","author":"a"} {}`,
	}
	for name, body := range cases {
		if _, err := addons.ParseDescriptor("addon.json", []byte(body)); !addons.IsKind(err, addons.KindDescriptor) {
			t.Fatalf("%s: expected descriptor error, got %v", name, err)
		}
	}
}

func TestParseDescriptorTree(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "nested", "pkg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "addon.yml"), []byte("id: deep\nname: Deep\nversion: 0.1.0\ndescription: d\nauthor: a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	desc, err := addons.ParseDescriptorTree(root)
	if err != nil {
		t.Fatalf("parse tree: %v", err)
	}
	if desc.ID != "deep" || desc.Path != filepath.Join(dir, "addon.yml") {
		t.Fatalf("unexpected descriptor %+v", desc)
	}

	_, err = addons.ParseDescriptorTree(t.TempDir())
	if !errors.Is(err, addons.ErrDescriptorMissing) {
		t.Fatalf("expected missing descriptor, got %v", err)
	}
}
