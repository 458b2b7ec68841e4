package addons

import (
	"context"
	"time"
)

// AddonUpdate carries the descriptive fields refreshed when a new version of
// an existing addon is registered. Identifier, slug and name never change.
type AddonUpdate struct {
	Description string
	Author      string
	Category    string
	Version     string
	PackagePath string
	UpdatedAt   time.Time
}

// Registry persists addons, versions and download logs. Implementations must
// make CreateAddon, AppendVersion, RecordDownload and the delete operations
// atomic and must enforce identifier, slug and (addon, version) uniqueness
// themselves; the lookups are advisory.
type Registry interface {
	// FindAddonByName returns the lowest-id non-deleted addon whose name
	// matches exactly, or a not_found error.
	FindAddonByName(ctx context.Context, name string) (*Addon, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	IdentifierInUse(ctx context.Context, identifier string) (bool, error)
	VersionExists(ctx context.Context, addonID int64, version string) (bool, error)

	// CreateAddon stores addon with its first version and assigns both ids.
	CreateAddon(ctx context.Context, addon *Addon, first *Version) error
	// AppendVersion stores v under addonID and applies update to the addon.
	AppendVersion(ctx context.Context, addonID int64, v *Version, update AddonUpdate) error

	GetAddon(ctx context.Context, id int64) (*Addon, error)
	GetVersion(ctx context.Context, addonID int64, version string) (*Version, error)
	// LatestEnabledVersion returns the most recently released enabled version.
	LatestEnabledVersion(ctx context.Context, addonID int64) (*Version, error)
	ListVersions(ctx context.Context, addonID int64) ([]Version, error)

	// RecordDownload appends entry and bumps the version and addon download
	// counters by one in the same unit of work. It assigns entry.ID.
	RecordDownload(ctx context.Context, entry *DownloadLog) error
	// CountDownloads counts download logs created at or after since; the zero
	// time counts all of them.
	CountDownloads(ctx context.Context, since time.Time) (int64, error)
	TopAddons(ctx context.Context, n int) ([]Addon, error)

	SetVersionStatus(ctx context.Context, addonID int64, version string, status Status) error
	// DeleteVersion removes a disabled version and repoints the addon at the
	// latest remaining one. It returns the removed row.
	DeleteVersion(ctx context.Context, addonID int64, version string, at time.Time) (*Version, error)
	// DeleteAddon soft-deletes the addon, drops its versions and download logs
	// and returns the artifact paths the versions referenced.
	DeleteAddon(ctx context.Context, id int64, at time.Time) ([]string, error)
}
