package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordum/addonhub/core/addons"
)

func runPackCmd(args []string) {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	out := fs.String("out", "", "output archive (defaults to <id>-<version>.tar.gz)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	if fs.NArg() < 1 {
		fail("addon directory required")
	}
	desc, path, err := packDir(fs.Arg(0), *out)
	check(err)
	fmt.Printf("Packed %s %s into %s\n", desc.ID, desc.Version, path)
}

// packDir validates the descriptor under dir with the registry's own parser
// and writes a gzip-compressed tarball of the directory holding it.
func packDir(dir, out string) (*addons.Descriptor, string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", err
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("not a directory: %s", dir)
	}
	desc, err := addons.ParseDescriptorTree(dir)
	if err != nil {
		return nil, "", err
	}
	root, err := addons.FindContainingDir(dir, addons.IsDescriptor)
	if err != nil {
		return nil, "", err
	}
	if out == "" {
		out = fmt.Sprintf("%s-%s.tar.gz", desc.ID, desc.Version)
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return nil, "", err
	}

	// #nosec G304 -- output path is operator-provided.
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", err
	}
	if err := writeTarGz(f, root, absOut); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		return nil, "", err
	}
	return desc, out, nil
}

func writeTarGz(w io.Writer, dir, skip string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs, absErr := filepath.Abs(path); absErr == nil && abs == skip {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if isHiddenName(entry.Name()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink %s cannot be packed", rel)
		}
		if !entry.IsDir() && !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if entry.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		hdr.Uid, hdr.Gid = 0, 0
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})
	return errors.Join(err, tw.Close(), gz.Close())
}

func copyFile(w io.Writer, path string) error {
	// #nosec G304 -- walking the operator-provided addon directory.
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// isHiddenName matches dotfiles such as .git, which never belong in a
// published package.
func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
