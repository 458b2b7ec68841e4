package addons

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cordum/addonhub/core/infra/logging"
)

const defaultTopN = 10

// DownloadRequest identifies the artifact to resolve and who asked for it.
type DownloadRequest struct {
	AddonID int64
	// Version selects an exact release; empty means the latest enabled one.
	Version   string
	UserID    int64
	IP        string
	UserAgent string
	Referer   string
}

// ResolveDownload picks the requested enabled version, records the download
// and returns where the artifact lives. Streaming is left to the caller.
func (s *Service) ResolveDownload(ctx context.Context, req DownloadRequest) (dl *Download, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
		}
		s.metrics.IncDownload(outcome)
	}()

	addon, err := s.registry.GetAddon(ctx, req.AddonID)
	if err != nil {
		return nil, err
	}
	var v *Version
	if req.Version != "" {
		v, err = s.registry.GetVersion(ctx, addon.ID, req.Version)
		if err != nil {
			return nil, err
		}
		if v.Status != StatusEnabled {
			return nil, notFoundError("version %s of addon %d is not available", req.Version, addon.ID)
		}
	} else {
		v, err = s.registry.LatestEnabledVersion(ctx, addon.ID)
		if err != nil {
			return nil, err
		}
	}
	abs, err := s.store.Resolve(v.Filepath)
	if err != nil {
		return nil, err
	}
	if err := s.store.Verify(v.Filepath, v.Checksum); err != nil {
		logging.Error("addons", "artifact failed verification", "addon_id", addon.ID, "version", v.Version, "path", v.Filepath, "error", err)
		return nil, err
	}

	entry := &DownloadLog{
		AddonID:   addon.ID,
		VersionID: v.ID,
		Version:   v.Version,
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Referer:   req.Referer,
		CreatedAt: s.now(),
	}
	if err := s.registry.RecordDownload(ctx, entry); err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectAddonDownloaded, Event{
		AddonID: addon.ID, Identifier: addon.Identifier, Version: v.Version,
		Checksum: v.Checksum, UserID: req.UserID, IP: req.IP, At: entry.CreatedAt,
	})
	return &Download{
		AddonID:      addon.ID,
		Version:      v.Version,
		Filename:     v.Filename,
		Filepath:     v.Filepath,
		AbsolutePath: abs,
		Filesize:     v.Filesize,
		Checksum:     v.Checksum,
	}, nil
}

// Stats counts download logs overall, since midnight and since the first of
// the month, and lists the topN most downloaded addons. Day and month
// boundaries follow the location of the service clock.
func (s *Service) Stats(ctx context.Context, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = defaultTopN
	}
	now := s.now()
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	total, err := s.registry.CountDownloads(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	daily, err := s.registry.CountDownloads(ctx, today)
	if err != nil {
		return nil, err
	}
	monthly, err := s.registry.CountDownloads(ctx, month)
	if err != nil {
		return nil, err
	}
	top, err := s.registry.TopAddons(ctx, topN)
	if err != nil {
		return nil, err
	}
	if top == nil {
		top = []Addon{}
	}
	return &Stats{TotalDownloads: total, TodayDownloads: daily, ThisMonthDownloads: monthly, TopAddons: top}, nil
}

// GetAddon returns a non-deleted addon.
func (s *Service) GetAddon(ctx context.Context, id int64) (*Addon, error) {
	return s.registry.GetAddon(ctx, id)
}

// ListVersions returns the versions of an addon, newest semantic version
// first, flagging the one installed locally.
func (s *Service) ListVersions(ctx context.Context, addonID int64) ([]VersionListing, error) {
	addon, err := s.registry.GetAddon(ctx, addonID)
	if err != nil {
		return nil, err
	}
	versions, err := s.registry.ListVersions(ctx, addon.ID)
	if err != nil {
		return nil, err
	}
	SortVersionsDesc(versions)

	installed := ""
	if s.installed != nil {
		installed, err = s.installed.InstalledVersion(ctx, addon.Identifier)
		if err != nil {
			logging.Warn("addons", "installed version lookup failed", "identifier", addon.Identifier, "error", err)
			installed = ""
		}
	}
	out := make([]VersionListing, 0, len(versions))
	for _, v := range versions {
		out = append(out, VersionListing{Version: v, Installed: installed != "" && sameVersion(v.Version, installed)})
	}
	return out, nil
}

// SetVersionStatus enables or disables one version.
func (s *Service) SetVersionStatus(ctx context.Context, addonID int64, version string, status Status) error {
	if !status.Valid() {
		e := newError(KindValidation, nil, "unknown status %q", status)
		e.Field = "status"
		return e
	}
	if err := s.registry.SetVersionStatus(ctx, addonID, version, status); err != nil {
		return err
	}
	logging.Info("addons", "version status changed", "addon_id", addonID, "version", version, "status", status)
	return nil
}

// DeleteVersion removes a disabled version and its artifact. Enabled
// versions are refused with ErrVersionEnabled.
func (s *Service) DeleteVersion(ctx context.Context, addonID int64, version string) error {
	removed, err := s.registry.DeleteVersion(ctx, addonID, version, s.now())
	if err != nil {
		return err
	}
	s.discard(removed.Filepath)
	logging.Info("addons", "version deleted", "addon_id", addonID, "version", version)
	return nil
}

// DeleteAddon soft-deletes an addon, drops its versions and download logs
// and removes every artifact they referenced.
func (s *Service) DeleteAddon(ctx context.Context, id int64) error {
	addon, err := s.registry.GetAddon(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	paths, err := s.registry.DeleteAddon(ctx, id, now)
	if err != nil {
		return err
	}
	for _, p := range paths {
		s.discard(p)
	}
	logging.Info("addons", "addon deleted", "addon_id", id, "identifier", addon.Identifier, "artifacts", len(paths))
	s.publish(ctx, SubjectAddonDeleted, Event{AddonID: id, Identifier: addon.Identifier, Name: addon.Name, At: now})
	return nil
}

// SortVersionsDesc orders versions by semantic version, newest first.
// Unparseable strings sort after valid ones, by release time.
func SortVersionsDesc(versions []Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, errA := semver.NewVersion(versions[i].Version)
		b, errB := semver.NewVersion(versions[j].Version)
		switch {
		case errA == nil && errB == nil:
			if a.Equal(b) {
				return versions[i].ReleasedAt.After(versions[j].ReleasedAt)
			}
			return a.GreaterThan(b)
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return versions[i].ReleasedAt.After(versions[j].ReleasedAt)
		}
	})
}

func sameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Equal(vb)
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
