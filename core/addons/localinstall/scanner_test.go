package localinstall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeInstalled(t *testing.T, dir, identifier, body string) {
	t.Helper()
	root := filepath.Join(dir, identifier, "nested")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "addon.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func TestInstalledVersionFound(t *testing.T) {
	dir := t.TempDir()
	writeInstalled(t, dir, "seo", `{"id":"seo","name":"SEO","version":"1.2.0","description":"d","author":"a"}`)

	got, err := NewScanner(dir).InstalledVersion(context.Background(), "seo")
	if err != nil {
		t.Fatalf("installed version: %v", err)
	}
	if got != "1.2.0" {
		t.Fatalf("expected 1.2.0, got %q", got)
	}
}

func TestInstalledVersionMissing(t *testing.T) {
	s := NewScanner(t.TempDir())
	got, err := s.InstalledVersion(context.Background(), "absent")
	if err != nil || got != "" {
		t.Fatalf("expected empty, got %q %v", got, err)
	}
	if got, err := NewScanner("").InstalledVersion(context.Background(), "seo"); err != nil || got != "" {
		t.Fatalf("empty dir should report nothing, got %q %v", got, err)
	}
}

func TestInstalledVersionIdentifierMismatch(t *testing.T) {
	dir := t.TempDir()
	writeInstalled(t, dir, "seo", `{"id":"other","name":"SEO","version":"1.2.0","description":"d","author":"a"}`)
	got, err := NewScanner(dir).InstalledVersion(context.Background(), "seo")
	if err != nil || got != "" {
		t.Fatalf("expected mismatch to report nothing, got %q %v", got, err)
	}
}

func TestInstalledVersionRejectsTraversal(t *testing.T) {
	if _, err := NewScanner(t.TempDir()).InstalledVersion(context.Background(), "../etc"); err == nil {
		t.Fatalf("expected error for traversal identifier")
	}
}

func TestInstalledListsAll(t *testing.T) {
	dir := t.TempDir()
	writeInstalled(t, dir, "seo", `{"id":"seo","name":"SEO","version":"1.0.0","description":"d","author":"a"}`)
	writeInstalled(t, dir, "forms", `{"id":"forms","name":"Forms","version":"2.1.0","description":"d","author":"a"}`)
	writeInstalled(t, dir, "broken", `{"id":"broken"}`)

	got, err := NewScanner(dir).Installed(context.Background())
	if err != nil {
		t.Fatalf("installed: %v", err)
	}
	if len(got) != 2 || got["seo"] != "1.0.0" || got["forms"] != "2.1.0" {
		t.Fatalf("unexpected installed set %v", got)
	}
}
