package addons

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var nonWordRun = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// maxSlugSuffix bounds the dedupe loop.
const maxSlugSuffix = 10000

// Slugify lower-cases name, collapses every run of non-word characters into a
// single dash and trims dashes and underscores from both ends.
func Slugify(name string) string {
	s := nonWordRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-_")
}

// GenerateSlug derives a slug for name that no existing addon uses, deleted
// ones included. An unusable name falls back to addon-<unix seconds>.
func (s *Service) GenerateSlug(ctx context.Context, name string) (string, error) {
	base := Slugify(name)
	if base == "" {
		base = fmt.Sprintf("addon-%d", s.now().Unix())
	}
	candidate := base
	for i := 1; i <= maxSlugSuffix; i++ {
		taken, err := s.registry.SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", conflictError(ErrSlugTaken, "no free slug for %q", name)
}

// AssertIdentifierAvailable fails with ErrIdentifierTaken when a non-deleted
// addon already uses identifier.
func (s *Service) AssertIdentifierAvailable(ctx context.Context, identifier string) error {
	taken, err := s.registry.IdentifierInUse(ctx, identifier)
	if err != nil {
		return err
	}
	if taken {
		return conflictError(ErrIdentifierTaken, "identifier %q is already registered", identifier)
	}
	return nil
}
