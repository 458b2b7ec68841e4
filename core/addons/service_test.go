package addons_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/addonhub/core/addons"
)

func TestIngestCreatesAddon(t *testing.T) {
	h := newHarness(t)
	res := ingestZip(t, h, map[string]string{
		"demo/addon.json": descriptorJSON("demo_tool", "Demo Tool", "1.0.0"),
		"demo/main.js":    "console.log('hi')",
	})
	if res.Action != addons.ActionCreated || res.Version != "1.0.0" {
		t.Fatalf("unexpected result %+v", res)
	}

	addon, err := h.svc.GetAddon(context.Background(), res.AddonID)
	if err != nil {
		t.Fatalf("get addon: %v", err)
	}
	if addon.Slug != "demo-tool" || addon.Identifier != "demo_tool" || addon.Name != "Demo Tool" {
		t.Fatalf("unexpected addon %+v", addon)
	}
	if addon.Status != addons.StatusEnabled || !addon.IsFree || addon.Downloads != 0 {
		t.Fatalf("unexpected defaults %+v", addon)
	}
	if !strings.HasPrefix(addon.PackagePath, "addons/demo_tool/7_") {
		t.Fatalf("unexpected package path %q", addon.PackagePath)
	}
	versions, err := h.registry.ListVersions(context.Background(), res.AddonID)
	if err != nil || len(versions) != 1 {
		t.Fatalf("expected one version, got %v %v", versions, err)
	}
	assertWorkspacesEmpty(t, h)
}

func TestIngestChecksumMatchesStoredFile(t *testing.T) {
	h := newHarness(t)
	data := buildZip(t, map[string]string{"addon.json": descriptorJSON("sum", "Sum", "1.0.0")})
	res, err := h.svc.Ingest(context.Background(), zipUpload(data, "sum.zip"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	sum := sha256.Sum256(data)
	want := "sha256:" + hex.EncodeToString(sum[:])
	if res.Checksum != want {
		t.Fatalf("checksum %s, want %s", res.Checksum, want)
	}
	addon, _ := h.svc.GetAddon(context.Background(), res.AddonID)
	if err := h.store.Verify(addon.PackagePath, res.Checksum); err != nil {
		t.Fatalf("verify stored artifact: %v", err)
	}
}

func TestIngestTarGz(t *testing.T) {
	h := newHarness(t)
	data := buildTarGz(t, map[string]string{"pkg/addon.yaml": "id: tarred\nname: Tarred\nversion: 2.0.0\ndescription: d\nauthor: a\n"})
	res, err := h.svc.Ingest(context.Background(), addons.Upload{
		File: bytes.NewReader(data), Filename: "tarred.tar.gz", ContentType: "application/gzip", Size: int64(len(data)),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Action != addons.ActionCreated || res.Version != "2.0.0" {
		t.Fatalf("unexpected result %+v", res)
	}
	addon, _ := h.svc.GetAddon(context.Background(), res.AddonID)
	if !strings.HasPrefix(addon.PackagePath, "addons/tarred/anonymous_") {
		t.Fatalf("unexpected package path %q", addon.PackagePath)
	}
}

func TestIngestAppendsVersion(t *testing.T) {
	h := newHarness(t)
	first := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("demo_tool", "Demo Tool", "1.0.0")})
	second := ingestZip(t, h, map[string]string{
		"addon.json": `{"id":"ignored_id","name":"Demo Tool","version":"1.1.0","description":"Updated","author":"Someone Else","category":"tools"}`,
	})
	if second.Action != addons.ActionVersionAdded || second.AddonID != first.AddonID {
		t.Fatalf("unexpected result %+v", second)
	}
	addon, err := h.svc.GetAddon(context.Background(), first.AddonID)
	if err != nil {
		t.Fatalf("get addon: %v", err)
	}
	if addon.Version != "1.1.0" || addon.Description != "Updated" || addon.Author != "Someone Else" || addon.Category != "tools" {
		t.Fatalf("addon not refreshed: %+v", addon)
	}
	if addon.Identifier != "demo_tool" || addon.Slug != "demo-tool" {
		t.Fatalf("identity must not change: %+v", addon)
	}
	if !strings.HasPrefix(addon.PackagePath, "addons/demo_tool/") {
		t.Fatalf("artifact must live under the existing identifier: %q", addon.PackagePath)
	}
	listing, err := h.svc.ListVersions(context.Background(), first.AddonID)
	if err != nil || len(listing) != 2 || listing[0].Version.Version != "1.1.0" {
		t.Fatalf("unexpected listing %+v %v", listing, err)
	}
}

func TestIngestRejectsDuplicateVersion(t *testing.T) {
	h := newHarness(t)
	files := map[string]string{"addon.json": descriptorJSON("dup", "Dup", "1.0.0")}
	ingestZip(t, h, files)
	before := storedFiles(t, h)

	_, err := h.svc.Ingest(context.Background(), zipUpload(buildZip(t, files), "dup.zip"))
	if !errors.Is(err, addons.ErrVersionExists) || !addons.IsKind(err, addons.KindConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if after := storedFiles(t, h); len(after) != len(before) {
		t.Fatalf("rejected upload left an artifact: %v", after)
	}
	assertWorkspacesEmpty(t, h)
}

func TestIngestRejectsTakenIdentifier(t *testing.T) {
	h := newHarness(t)
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("shared", "First", "1.0.0")})

	_, err := h.svc.Ingest(context.Background(), zipUpload(buildZip(t, map[string]string{
		"addon.json": descriptorJSON("shared", "Second", "1.0.0"),
	}), "second.zip"))
	if !errors.Is(err, addons.ErrIdentifierTaken) {
		t.Fatalf("expected identifier conflict, got %v", err)
	}
	if files := storedFiles(t, h); len(files) != 1 {
		t.Fatalf("expected only the first artifact, got %v", files)
	}
}

func TestIngestSlugCollision(t *testing.T) {
	h := newHarness(t)
	a := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("demo_a", "Demo Tool", "1.0.0")})
	if err := h.svc.DeleteAddon(context.Background(), a.AddonID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	b := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("demo_b", "Demo Tool", "1.0.0")})
	c := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("demo_c", "Demo  Tool!", "1.0.0")})

	gotB, _ := h.svc.GetAddon(context.Background(), b.AddonID)
	gotC, _ := h.svc.GetAddon(context.Background(), c.AddonID)
	if gotB.Slug != "demo-tool-1" {
		t.Fatalf("expected demo-tool-1, got %q", gotB.Slug)
	}
	if gotC.Slug != "demo-tool-2" {
		t.Fatalf("expected demo-tool-2, got %q", gotC.Slug)
	}
}

func TestIngestFailuresLeaveNoTrace(t *testing.T) {
	cases := []struct {
		name string
		up   func(t *testing.T) addons.Upload
		kind addons.Kind
		want error
	}{
		{
			name: "unsupported type",
			up: func(t *testing.T) addons.Upload {
				return addons.Upload{File: strings.NewReader("x"), Filename: "a.rar", ContentType: "application/x-rar", Size: 1}
			},
			kind: addons.KindValidation,
			want: addons.ErrUnsupportedType,
		},
		{
			name: "corrupt zip",
			up: func(t *testing.T) addons.Upload {
				return zipUpload([]byte("definitely not a zip"), "bad.zip")
			},
			kind: addons.KindExtraction,
			want: addons.ErrCorruptArchive,
		},
		{
			name: "traversal",
			up: func(t *testing.T) addons.Upload {
				return zipUpload(buildZip(t, map[string]string{
					"addon.json":     descriptorJSON("evil", "Evil", "1.0.0"),
					"../outside.txt": "boom",
				}), "evil.zip")
			},
			kind: addons.KindExtraction,
			want: addons.ErrPathTraversal,
		},
		{
			name: "missing descriptor",
			up: func(t *testing.T) addons.Upload {
				return zipUpload(buildZip(t, map[string]string{"readme.txt": "hello"}), "none.zip")
			},
			kind: addons.KindDescriptor,
			want: addons.ErrDescriptorMissing,
		},
		{
			name: "invalid descriptor",
			up: func(t *testing.T) addons.Upload {
				return zipUpload(buildZip(t, map[string]string{
					"addon.json": `{"id":"x","name":"X","version":"1.0.0","description":"d"}`,
				}), "x.zip")
			},
			kind: addons.KindDescriptor,
			want: addons.ErrDescriptorField,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Ingest(context.Background(), tc.up(t))
			if !addons.IsKind(err, tc.kind) || !errors.Is(err, tc.want) {
				t.Fatalf("expected %s/%v, got %v", tc.kind, tc.want, err)
			}
			assertWorkspacesEmpty(t, h)
			if files := storedFiles(t, h); len(files) != 0 {
				t.Fatalf("failure left artifacts: %v", files)
			}
			if _, err := h.registry.FindAddonByName(context.Background(), "Evil"); !addons.IsKind(err, addons.KindNotFound) {
				t.Fatalf("failure registered an addon: %v", err)
			}
		})
	}
}

func TestIngestTruncatedUpload(t *testing.T) {
	h := newHarness(t)
	data := buildZip(t, map[string]string{"addon.json": descriptorJSON("cut", "Cut", "1.0.0")})
	up := zipUpload(data[:len(data)/2], "cut.zip")
	up.Size = int64(len(data))

	_, err := h.svc.Ingest(context.Background(), up)
	if !errors.Is(err, addons.ErrCorruptArchive) || !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("expected truncated archive, got %v", err)
	}
	assertWorkspacesEmpty(t, h)
}

type unexpectedEOFReader struct{ r io.Reader }

func (u unexpectedEOFReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func TestIngestInterruptedStream(t *testing.T) {
	h := newHarness(t)
	up := addons.Upload{File: unexpectedEOFReader{strings.NewReader("PK")}, Filename: "a.zip", ContentType: "application/zip"}
	_, err := h.svc.Ingest(context.Background(), up)
	if !addons.IsKind(err, addons.KindExtraction) || !errors.Is(err, addons.ErrCorruptArchive) {
		t.Fatalf("expected extraction error, got %v", err)
	}
}

func TestIngestEnforcesReceivedSize(t *testing.T) {
	h := newHarness(t, addons.WithValidator(addons.NewValidator(64, nil)))
	data := buildZip(t, map[string]string{"addon.json": descriptorJSON("big", "Big", "1.0.0")})
	up := zipUpload(data, "big.zip")
	up.Size = 10

	_, err := h.svc.Ingest(context.Background(), up)
	if !errors.Is(err, addons.ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	assertWorkspacesEmpty(t, h)
}

func TestDownloadCounters(t *testing.T) {
	h := newHarness(t)
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("demo_tool", "Demo Tool", "1.0.0")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dl, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID, IP: "10.0.0.1", UserAgent: "test"})
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
		if _, err := os.Stat(dl.AbsolutePath); err != nil {
			t.Fatalf("resolved path missing: %v", err)
		}
		if dl.Checksum != res.Checksum {
			t.Fatalf("checksum mismatch %s vs %s", dl.Checksum, res.Checksum)
		}
	}
	addon, _ := h.svc.GetAddon(ctx, res.AddonID)
	if addon.Downloads != 3 {
		t.Fatalf("addon downloads %d, want 3", addon.Downloads)
	}
	v, err := h.registry.GetVersion(ctx, res.AddonID, "1.0.0")
	if err != nil || v.Downloads != 3 {
		t.Fatalf("version downloads %v %v", v, err)
	}
	if n, _ := h.registry.CountDownloads(ctx, time.Time{}); n != 3 {
		t.Fatalf("expected 3 logs, got %d", n)
	}
}

func TestDownloadUnavailableArtifactNotCounted(t *testing.T) {
	cases := map[string]func(path string) error{
		"missing":  os.Remove,
		"tampered": func(path string) error { return os.WriteFile(path, []byte("not the upload"), 0o644) },
	}
	for name, damage := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("broken_file", "Broken File", "1.0.0")})
			ctx := context.Background()
			addon, err := h.svc.GetAddon(ctx, res.AddonID)
			if err != nil {
				t.Fatalf("get addon: %v", err)
			}
			abs, err := h.store.Resolve(addon.PackagePath)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if err := damage(abs); err != nil {
				t.Fatalf("damage artifact: %v", err)
			}

			_, err = h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID})
			if !addons.IsKind(err, addons.KindStorage) {
				t.Fatalf("expected storage error, got %v", err)
			}
			addon, _ = h.svc.GetAddon(ctx, res.AddonID)
			if addon.Downloads != 0 {
				t.Fatalf("failed download was counted: %d", addon.Downloads)
			}
			if n, _ := h.registry.CountDownloads(ctx, time.Time{}); n != 0 {
				t.Fatalf("failed download was logged: %d", n)
			}
		})
	}
}

func TestDownloadSelectsEnabledVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("multi", "Multi", "1.0.0")})
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("multi", "Multi", "1.1.0")})

	dl, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID})
	if err != nil || dl.Version != "1.1.0" {
		t.Fatalf("expected latest 1.1.0, got %+v %v", dl, err)
	}
	if err := h.svc.SetVersionStatus(ctx, res.AddonID, "1.1.0", addons.StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	dl, err = h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID})
	if err != nil || dl.Version != "1.0.0" {
		t.Fatalf("expected fallback to 1.0.0, got %+v %v", dl, err)
	}
	_, err = h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID, Version: "1.1.0"})
	if !addons.IsKind(err, addons.KindNotFound) {
		t.Fatalf("disabled version must not resolve, got %v", err)
	}
	_, err = h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: 9999})
	if !errors.Is(err, addons.ErrNotFound) {
		t.Fatalf("unknown addon must be not found, got %v", err)
	}
}

func TestStatsUsesClockBoundaries(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, loc)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, addons.WithClock(clock))
	ctx := context.Background()
	a := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("alpha", "Alpha", "1.0.0")})
	b := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("beta", "Beta", "1.0.0")})

	mu.Lock()
	now = time.Date(2026, 2, 27, 12, 0, 0, 0, loc)
	mu.Unlock()
	if _, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: a.AddonID}); err != nil {
		t.Fatalf("download: %v", err)
	}

	mu.Lock()
	now = time.Date(2026, 3, 1, 0, 45, 0, 0, loc)
	mu.Unlock()
	for i := 0; i < 2; i++ {
		if _, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: b.AddonID}); err != nil {
			t.Fatalf("download: %v", err)
		}
	}

	stats, err := h.svc.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDownloads != 3 || stats.TodayDownloads != 2 || stats.ThisMonthDownloads != 2 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if len(stats.TopAddons) != 2 || stats.TopAddons[0].ID != b.AddonID || stats.TopAddons[0].Downloads != 2 {
		t.Fatalf("unexpected top addons %+v", stats.TopAddons)
	}
}

func TestStatsEmpty(t *testing.T) {
	h := newHarness(t)
	stats, err := h.svc.Stats(context.Background(), 5)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDownloads != 0 || stats.TopAddons == nil || len(stats.TopAddons) != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeleteVersionRequiresDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("del", "Del", "1.0.0")})
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("del", "Del", "2.0.0")})

	err := h.svc.DeleteVersion(ctx, res.AddonID, "2.0.0")
	if !errors.Is(err, addons.ErrVersionEnabled) || !addons.IsKind(err, addons.KindConflict) {
		t.Fatalf("expected enabled refusal, got %v", err)
	}
	if err := h.svc.SetVersionStatus(ctx, res.AddonID, "2.0.0", addons.StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := h.svc.DeleteVersion(ctx, res.AddonID, "2.0.0"); err != nil {
		t.Fatalf("delete version: %v", err)
	}
	addon, _ := h.svc.GetAddon(ctx, res.AddonID)
	if addon.Version != "1.0.0" {
		t.Fatalf("addon not repointed, version %q", addon.Version)
	}
	if files := storedFiles(t, h); len(files) != 1 {
		t.Fatalf("expected one remaining artifact, got %v", files)
	}
	if err := h.svc.SetVersionStatus(ctx, res.AddonID, "1.0.0", "archived"); !addons.IsKind(err, addons.KindValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestDeleteAddonReleasesIdentifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("gone", "Gone", "1.0.0")})
	if _, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := h.svc.DeleteAddon(ctx, res.AddonID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.GetAddon(ctx, res.AddonID); !addons.IsKind(err, addons.KindNotFound) {
		t.Fatalf("deleted addon must be not found, got %v", err)
	}
	if files := storedFiles(t, h); len(files) != 0 {
		t.Fatalf("artifacts not removed: %v", files)
	}
	if n, _ := h.registry.CountDownloads(ctx, time.Time{}); n != 0 {
		t.Fatalf("download logs not removed: %d", n)
	}

	again := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("gone", "Gone", "1.0.0")})
	if again.Action != addons.ActionCreated || again.AddonID == res.AddonID {
		t.Fatalf("expected a fresh addon, got %+v", again)
	}
	addon, _ := h.svc.GetAddon(ctx, again.AddonID)
	if addon.Slug != "gone-1" {
		t.Fatalf("slug of deleted addon must stay reserved, got %q", addon.Slug)
	}
}

type fakeInstalled map[string]string

func (f fakeInstalled) InstalledVersion(_ context.Context, identifier string) (string, error) {
	return f[identifier], nil
}

func TestListVersionsFlagsInstalled(t *testing.T) {
	h := newHarness(t, addons.WithInstalledVersions(fakeInstalled{"inst": "1.2.0"}))
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("inst", "Inst", "1.10.0")})
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("inst", "Inst", "1.2.0")})

	listing, err := h.svc.ListVersions(context.Background(), res.AddonID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listing) != 2 || listing[0].Version.Version != "1.10.0" {
		t.Fatalf("expected semver order, got %+v", listing)
	}
	if listing[0].Installed || !listing[1].Installed {
		t.Fatalf("unexpected installed flags %+v", listing)
	}
}

type recordingEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingEvents) Publish(_ context.Context, subject string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

type failingEvents struct{}

func (failingEvents) Publish(context.Context, string, any) error { return errors.New("bus down") }

func TestEventsPublished(t *testing.T) {
	events := &recordingEvents{}
	h := newHarness(t, addons.WithEvents(events))
	ctx := context.Background()
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("ev", "Ev", "1.0.0")})
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("ev", "Ev", "1.1.0")})
	if _, err := h.svc.ResolveDownload(ctx, addons.DownloadRequest{AddonID: res.AddonID}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := h.svc.DeleteAddon(ctx, res.AddonID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []string{addons.SubjectAddonCreated, addons.SubjectAddonVersionAdded, addons.SubjectAddonDownloaded, addons.SubjectAddonDeleted}
	if strings.Join(events.subjects, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events %v", events.subjects)
	}
}

func TestEventFailureDoesNotFailIngest(t *testing.T) {
	h := newHarness(t, addons.WithEvents(failingEvents{}))
	res := ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("quiet", "Quiet", "1.0.0")})
	if res.Action != addons.ActionCreated {
		t.Fatalf("unexpected result %+v", res)
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (busyLocker) Release(context.Context, string, string) error { return nil }

func (busyLocker) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

type renewingLocker struct {
	renewed chan string
}

func (l renewingLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (l renewingLocker) Release(context.Context, string, string) error { return nil }

func (l renewingLocker) Renew(_ context.Context, resource, _ string, _ time.Duration) (bool, error) {
	select {
	case l.renewed <- resource:
	default:
	}
	return true, nil
}

// waitingPublisher holds the upload inside its lock until a renewal happens.
type waitingPublisher struct {
	renewed chan string
	got     chan string
}

func (p waitingPublisher) Publish(context.Context, string, any) error {
	select {
	case resource := <-p.renewed:
		p.got <- resource
	case <-time.After(2 * time.Second):
		p.got <- ""
	}
	return nil
}

func TestIngestLockContention(t *testing.T) {
	h := newHarness(t, addons.WithLocker(busyLocker{}, time.Minute))
	_, err := h.svc.Ingest(context.Background(), zipUpload(buildZip(t, map[string]string{
		"addon.json": descriptorJSON("locked", "Locked", "1.0.0"),
	}), "locked.zip"))
	if !errors.Is(err, addons.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	assertWorkspacesEmpty(t, h)
	if files := storedFiles(t, h); len(files) != 0 {
		t.Fatalf("lock contention left artifacts: %v", files)
	}
}

func TestIngestRenewsHeldLock(t *testing.T) {
	renewed := make(chan string, 1)
	pub := waitingPublisher{renewed: renewed, got: make(chan string, 1)}
	h := newHarness(t,
		addons.WithLocker(renewingLocker{renewed: renewed}, 20*time.Millisecond),
		addons.WithEvents(pub),
	)
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("slow", "Slow", "1.0.0")})
	if got := <-pub.got; got != "addon:name:Slow" {
		t.Fatalf("lock was not renewed during ingest, got %q", got)
	}
}

func TestIngestConcurrentSameVersion(t *testing.T) {
	h := newHarness(t)
	ingestZip(t, h, map[string]string{"addon.json": descriptorJSON("race", "Race", "1.0.0")})
	data := buildZip(t, map[string]string{"addon.json": descriptorJSON("race", "Race", "2.0.0")})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Ingest(context.Background(), zipUpload(data, "race.zip"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case addons.IsKind(err, addons.KindConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if files := storedFiles(t, h); len(files) != 2 {
		t.Fatalf("losers left artifacts: %v", files)
	}
	assertWorkspacesEmpty(t, h)
}

func TestIngestConcurrentSameSlug(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		uploads := []addons.Upload{
			zipUpload(buildZip(t, map[string]string{"addon.json": descriptorJSON("slug_a", "Demo Tool", "1.0.0")}), "a.zip"),
			zipUpload(buildZip(t, map[string]string{"addon.json": descriptorJSON("slug_b", "demo tool", "1.0.0")}), "b.zip"),
		}

		var wg sync.WaitGroup
		results := make([]*addons.IngestResult, len(uploads))
		errs := make([]error, len(uploads))
		for i := range uploads {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = h.svc.Ingest(context.Background(), uploads[i])
			}(i)
		}
		wg.Wait()

		slugs := map[string]bool{}
		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d: upload %d failed: %v", round, i, err)
			}
			addon, err := h.svc.GetAddon(context.Background(), results[i].AddonID)
			if err != nil {
				t.Fatalf("round %d: get addon: %v", round, err)
			}
			slugs[addon.Slug] = true
		}
		if !slugs["demo-tool"] || !slugs["demo-tool-1"] {
			t.Fatalf("round %d: unexpected slugs %v", round, slugs)
		}
		assertWorkspacesEmpty(t, h)
	}
}

func TestIngestContextCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Ingest(ctx, zipUpload(buildZip(t, map[string]string{
		"addon.json": descriptorJSON("cancel", "Cancel", "1.0.0"),
	}), "c.zip"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertWorkspacesEmpty(t, h)
}
