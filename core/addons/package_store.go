package addons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// ArtifactScope is the top-level directory for addon artifacts.
const ArtifactScope = "addons"

// maxPutAttempts bounds retries when two uploads land on the same timestamp.
const maxPutAttempts = 8

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoredArtifact describes a file written by the package store.
type StoredArtifact struct {
	// RelPath is slash-separated and relative to the store root.
	RelPath  string
	Filename string
	Size     int64
	Checksum string
}

// PackageStore keeps permanent artifact files under a single root.
type PackageStore struct {
	root string
	now  func() time.Time
}

// NewPackageStore returns a store rooted at root.
func NewPackageStore(root string) *PackageStore {
	return &PackageStore{root: root, now: time.Now}
}

// Root returns the storage root.
func (p *PackageStore) Root() string {
	return p.root
}

// Put copies srcPath to addons/<identifier>/<owner>_<unixnano>_<filename>.
// The source is left in place and an existing destination is never
// overwritten. The checksum is taken from the stored copy.
func (p *PackageStore) Put(ctx context.Context, srcPath, identifier, owner, filename string) (*StoredArtifact, error) {
	if identifier == "" || !filepath.IsLocal(identifier) || strings.ContainsAny(identifier, `/\`) {
		return nil, storageError(fmt.Errorf("invalid identifier %q", identifier), "resolve artifact directory")
	}
	dir := filepath.Join(p.root, ArtifactScope, identifier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError(err, "create artifact directory")
	}

	var (
		name, rel, abs string
		size           int64
		err            error
	)
	ts := p.now().UnixNano()
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		name = fmt.Sprintf("%s_%d_%s", sanitizeSegment(owner, "anonymous"), ts+int64(attempt), sanitizeSegment(filename, "package"))
		rel = path.Join(ArtifactScope, identifier, name)
		abs = filepath.Join(dir, name)
		size, err = copyExclusive(ctx, srcPath, abs)
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			_ = os.Remove(abs)
		}
		return nil, err
	}
	sum, err := fileDigest(abs)
	if err != nil {
		_ = os.Remove(abs)
		return nil, storageError(err, "checksum stored artifact")
	}
	return &StoredArtifact{RelPath: rel, Filename: name, Size: size, Checksum: sum.String()}, nil
}

func copyExclusive(ctx context.Context, srcPath, dst string) (written int64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, storageError(err, "open staged artifact")
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, storageError(err, "create artifact")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = storageError(closeErr, "close artifact")
		}
	}()
	written, err = io.Copy(out, newCtxReader(ctx, src))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}
		return written, storageError(err, "copy artifact")
	}
	if err := out.Sync(); err != nil {
		return written, storageError(err, "sync artifact")
	}
	return written, nil
}

// Resolve maps a stored relative path onto the filesystem. Paths that would
// leave the root are refused.
func (p *PackageStore) Resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || !filepath.IsLocal(clean) {
		return "", storageError(fmt.Errorf("path %q escapes storage root", rel), "resolve artifact")
	}
	return filepath.Join(p.root, clean), nil
}

// Remove deletes a stored artifact. A missing file is not an error.
func (p *PackageStore) Remove(rel string) error {
	abs, err := p.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageError(err, "remove artifact %s", rel)
	}
	return nil
}

// Verify re-reads a stored artifact and checks it against checksum. An empty
// checksum only checks that the artifact is present.
func (p *PackageStore) Verify(rel, checksum string) error {
	abs, err := p.Resolve(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return storageError(err, "open artifact %s", rel)
	}
	if checksum == "" {
		return f.Close()
	}
	expected, err := digest.Parse(checksum)
	if err != nil {
		_ = f.Close()
		return storageError(err, "parse checksum %q", checksum)
	}
	defer f.Close()
	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return storageError(err, "read artifact %s", rel)
	}
	if !verifier.Verified() {
		return storageError(fmt.Errorf("digest mismatch for %s", rel), "verify artifact")
	}
	return nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func sanitizeSegment(raw, fallback string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/"))
	s := strings.Trim(unsafeFilenameChars.ReplaceAllString(base, "_"), "._")
	if s == "" {
		return fallback
	}
	return s
}
