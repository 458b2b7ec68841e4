// Package localinstall reports which addon versions are unpacked on this host.
package localinstall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordum/addonhub/core/addons"
)

// Scanner looks for installed addons under a directory laid out as
// <dir>/<identifier>/.../addon.json (or addon.yaml).
type Scanner struct {
	dir string
}

var _ addons.InstalledVersions = (*Scanner)(nil)

// NewScanner returns a scanner over dir. An empty dir reports nothing
// installed.
func NewScanner(dir string) *Scanner {
	return &Scanner{dir: dir}
}

// InstalledVersion returns the version declared by the installed copy of
// identifier, or "" when it is not installed.
func (s *Scanner) InstalledVersion(ctx context.Context, identifier string) (string, error) {
	if s == nil || s.dir == "" || identifier == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !filepath.IsLocal(identifier) || strings.ContainsAny(identifier, `/\`) {
		return "", fmt.Errorf("invalid identifier %q", identifier)
	}
	root := filepath.Join(s.dir, identifier)
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat install dir: %w", err)
	}
	if !info.IsDir() {
		return "", nil
	}

	path, err := addons.FindFirst(root, addons.IsDescriptor)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("search %s: %w", root, err)
	}
	desc, err := addons.ParseDescriptorFile(path)
	if err != nil {
		return "", err
	}
	if desc.ID != identifier {
		return "", nil
	}
	return desc.Version, nil
}

// Installed lists identifier → version for every installed addon.
func (s *Scanner) Installed(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if s == nil || s.dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read install dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		version, err := s.InstalledVersion(ctx, entry.Name())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if version != "" {
			out[entry.Name()] = version
		}
	}
	return out, nil
}
