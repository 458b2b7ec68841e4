package addons

import (
	"mime"
	"strings"
)

// DefaultMaxUploadBytes is the upload ceiling when none is configured.
const DefaultMaxUploadBytes int64 = 50 << 20

// Format is the container format of an uploaded artifact.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar+gzip"
)

var defaultContentTypes = map[string]Format{
	"application/zip":              FormatZip,
	"application/x-zip-compressed": FormatZip,
	"application/gzip":             FormatTarGz,
	"application/x-tar":            FormatTarGz,
}

// DefaultContentTypes lists the content types accepted out of the box.
func DefaultContentTypes() []string {
	return []string{"application/zip", "application/x-zip-compressed", "application/gzip", "application/x-tar"}
}

// FileInfo is the metadata an upload declares before any byte is read.
type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Validator rejects disallowed or oversized uploads without touching the
// filesystem.
type Validator struct {
	maxBytes int64
	allowed  map[string]Format
}

// NewValidator builds a validator. A non-positive maxBytes selects
// DefaultMaxUploadBytes; an empty contentTypes list selects the defaults.
// Content types outside the known zip/tar family are ignored.
func NewValidator(maxBytes int64, contentTypes []string) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	allowed := defaultContentTypes
	if len(contentTypes) > 0 {
		allowed = make(map[string]Format, len(contentTypes))
		for _, ct := range contentTypes {
			ct = normalizeContentType(ct)
			if format, ok := defaultContentTypes[ct]; ok {
				allowed[ct] = format
			}
		}
	}
	return &Validator{maxBytes: maxBytes, allowed: allowed}
}

// MaxBytes returns the configured ceiling.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// Validate checks the declared type and size and returns the archive format
// to extract with.
func (v *Validator) Validate(info FileInfo) (Format, error) {
	ct := normalizeContentType(info.ContentType)
	format, ok := v.allowed[ct]
	if !ok {
		return "", validationError(ErrUnsupportedType, "content type %q is not accepted", info.ContentType)
	}
	if info.Size < 0 {
		return "", validationError(ErrTooLarge, "upload size unknown")
	}
	if info.Size > v.maxBytes {
		return "", validationError(ErrTooLarge, "upload is %d bytes, limit is %d", info.Size, v.maxBytes)
	}
	return format, nil
}

func normalizeContentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(raw); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(raw)
}
