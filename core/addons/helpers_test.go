package addons_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/addons/redisstore"
	"github.com/redis/go-redis/v9"
)

type harness struct {
	svc        *addons.Service
	registry   *redisstore.Store
	store      *addons.PackageStore
	workspaces *addons.WorkspaceManager
	mr         *miniredis.Miniredis
}

func newHarness(t *testing.T, opts ...addons.Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := redisstore.New(client)
	store := addons.NewPackageStore(t.TempDir())
	workspaces := addons.NewWorkspaceManager(t.TempDir())
	return &harness{
		svc:        addons.NewService(registry, store, workspaces, opts...),
		registry:   registry,
		store:      store,
		workspaces: workspaces,
		mr:         mr,
	}
}

func descriptorJSON(id, name, version string) string {
	return fmt.Sprintf(`{"id":%q,"name":%q,"version":%q,"description":"A test addon","author":"Tester"}`, id, name, version)
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedKeys(files) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range sortedKeys(files) {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg, ModTime: time.Unix(0, 0)}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func zipUpload(data []byte, filename string) addons.Upload {
	return addons.Upload{
		File:        bytes.NewReader(data),
		Filename:    filename,
		ContentType: "application/zip",
		Size:        int64(len(data)),
		UserID:      7,
		IP:          "127.0.0.1",
	}
}

func ingestZip(t *testing.T, h *harness, files map[string]string) *addons.IngestResult {
	t.Helper()
	res, err := h.svc.Ingest(context.Background(), zipUpload(buildZip(t, files), "addon.zip"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

// assertWorkspacesEmpty fails if any upload workspace survived.
func assertWorkspacesEmpty(t *testing.T, h *harness) {
	t.Helper()
	entries, err := os.ReadDir(h.workspaces.Root())
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no workspaces, found %d (%s)", len(entries), entries[0].Name())
	}
}

func storedFiles(t *testing.T, h *harness) []string {
	t.Helper()
	var files []string
	root := h.store.Root()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk store: %v", err)
	}
	return files
}
