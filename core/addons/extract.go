package addons

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxExtractedBytes bounds the total size of extracted entries.
const DefaultMaxExtractedBytes = 8 * DefaultMaxUploadBytes

var errExtractLimit = errors.New("extracted content exceeds limit")

// Extractor unpacks uploaded archives into a workspace directory.
type Extractor struct {
	maxBytes int64
}

// NewExtractor builds an extractor; a non-positive maxBytes selects
// DefaultMaxExtractedBytes.
func NewExtractor(maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExtractedBytes
	}
	return &Extractor{maxBytes: maxBytes}
}

// Extract unpacks archivePath into dest. Every entry must resolve inside
// dest; the first entry that does not aborts the whole extraction.
func (x *Extractor) Extract(ctx context.Context, archivePath, dest string, format Format) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return storageError(err, "resolve extraction dir")
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return storageError(err, "create extraction dir")
	}
	switch format {
	case FormatZip:
		err = x.extractZip(ctx, archivePath, absDest)
	case FormatTarGz:
		err = x.extractTar(ctx, archivePath, absDest)
	default:
		return validationError(ErrUnsupportedType, "archive format %q is not supported", format)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var addonErr *Error
	if errors.As(err, &addonErr) {
		return err
	}
	if errors.Is(err, errExtractLimit) {
		return extractionError(ErrTooLarge, "extracted content exceeds %d bytes", x.maxBytes)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return extractionError(ErrCorruptArchive, "archive is truncated: %v", err)
	}
	return extractionError(ErrCorruptArchive, "%v", err)
}

func (x *Extractor) extractZip(ctx context.Context, archivePath, dest string) (err error) {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = zr.Close()
		return extractionError(ErrPathTraversal, "archive contains an unsafe path")
	}
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		if closeErr := zr.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	budget := x.maxBytes
	for _, file := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := resolveEntryPath(dest, file.Name)
		if err != nil {
			return err
		}
		mode := file.Mode()
		if mode&os.ModeSymlink != 0 {
			return extractionError(ErrPathTraversal, "link entry %q is not allowed", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		written, err := extractZipFile(ctx, file, target, budget)
		if err != nil {
			return err
		}
		budget -= written
	}
	return nil
}

func extractZipFile(ctx context.Context, file *zip.File, target string, budget int64) (written int64, err error) {
	rc, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return writeEntry(ctx, rc, target, budget)
}

func (x *Extractor) extractTar(ctx context.Context, archivePath, dest string) (err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open tar: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	br := bufio.NewReader(f)
	var src io.Reader = br
	// application/x-tar uploads may or may not be gzip-compressed.
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer func() {
			err = errors.Join(err, gz.Close())
		}()
		src = gz
	}

	tr := tar.NewReader(newCtxReader(ctx, src))
	budget := x.maxBytes
	entries := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			if entries == 0 {
				return errors.New("archive has no entries")
			}
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return extractionError(ErrPathTraversal, "invalid archive path %q", hdr.Name)
		}
		if err != nil {
			return err
		}
		entries++
		target, err := resolveEntryPath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			written, err := writeEntry(ctx, tr, target, budget)
			if err != nil {
				return err
			}
			budget -= written
		case tar.TypeSymlink, tar.TypeLink:
			return extractionError(ErrPathTraversal, "link entry %q is not allowed", hdr.Name)
		default:
			// devices, fifos and pax/global headers carry no addon content
		}
	}
}

func writeEntry(ctx context.Context, r io.Reader, target string, budget int64) (written int64, err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	written, err = io.CopyN(out, newCtxReader(ctx, r), budget+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return written, err
	}
	if written > budget {
		return written, errExtractLimit
	}
	return written, nil
}

// resolveEntryPath maps an archive entry name onto dest and refuses names
// that would land outside it.
func resolveEntryPath(dest, name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if normalized == "" || strings.HasPrefix(normalized, "/") || filepath.IsAbs(normalized) || filepath.VolumeName(normalized) != "" {
		return "", extractionError(ErrPathTraversal, "invalid archive path %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(normalized))
	if !filepath.IsLocal(clean) {
		return "", extractionError(ErrPathTraversal, "invalid archive path %q", name)
	}
	target := filepath.Join(dest, clean)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", extractionError(ErrPathTraversal, "invalid archive path %q", name)
	}
	return target, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func newCtxReader(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
