package addons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cordum/addonhub/core/infra/logging"
	"github.com/google/uuid"
)

const (
	defaultLockTTL = 2 * time.Minute
	lockOwnerTag   = "addon-ingest"

	maxCreateAttempts = 5
)

// Event subjects published after a successful state change.
const (
	SubjectAddonCreated      = "addon.created"
	SubjectAddonVersionAdded = "addon.version_added"
	SubjectAddonDownloaded   = "addon.downloaded"
	SubjectAddonDeleted      = "addon.deleted"
)

// Upload is one incoming package. UserID and IP identify the uploader and are
// never looked up from ambient request state.
type Upload struct {
	File        io.Reader
	Filename    string
	ContentType string
	// Size is the declared length; 0 means unknown.
	Size   int64
	UserID int64
	IP     string
}

// Locker serializes registry work for one addon name across processes. A held
// lock is renewed until it is released.
type Locker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// Metrics receives ingestion and download outcomes.
type Metrics interface {
	IncUpload(action, outcome string)
	ObserveUpload(seconds float64)
	IncDownload(outcome string)
}

// EventPublisher delivers domain events. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// InstalledVersions reports the locally installed version of an addon, or ""
// when it is not installed.
type InstalledVersions interface {
	InstalledVersion(ctx context.Context, identifier string) (string, error)
}

// Event is the payload of every addon event.
type Event struct {
	AddonID    int64     `json:"addon_id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	At         time.Time `json:"at"`
}

// Service runs the ingestion pipeline and the download/stats flow.
type Service struct {
	registry   Registry
	store      *PackageStore
	workspaces *WorkspaceManager
	validator  *Validator
	extractor  *Extractor

	locker    Locker
	lockTTL   time.Duration
	metrics   Metrics
	events    EventPublisher
	installed InstalledVersions
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

func WithValidator(v *Validator) Option { return func(s *Service) { s.validator = v } }

func WithExtractor(x *Extractor) Option { return func(s *Service) { s.extractor = x } }

// WithLocker enables per-name locking around registry work.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithInstalledVersions(iv InstalledVersions) Option {
	return func(s *Service) { s.installed = iv }
}

// WithClock overrides the time source; stats use the location of the times
// it returns.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the pipeline. Validator and extractor default to the
// package defaults.
func NewService(registry Registry, store *PackageStore, workspaces *WorkspaceManager, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		store:      store,
		workspaces: workspaces,
		validator:  NewValidator(0, nil),
		extractor:  NewExtractor(0),
		lockTTL:    defaultLockTTL,
		metrics:    noopMetrics{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workspaces == nil {
		s.workspaces = NewWorkspaceManager("")
	}
	return s
}

// Ingest validates, unpacks and registers one uploaded package. The upload
// workspace is removed before Ingest returns, whatever the outcome.
func (s *Service) Ingest(ctx context.Context, up Upload) (res *IngestResult, err error) {
	start := s.now()
	defer func() {
		action, outcome := "none", "ok"
		if res != nil {
			action = string(res.Action)
		}
		if err != nil {
			outcome = string(KindOf(err))
		}
		s.metrics.IncUpload(action, outcome)
		s.metrics.ObserveUpload(s.now().Sub(start).Seconds())
	}()

	if up.File == nil {
		return nil, validationError(ErrUnsupportedType, "no file uploaded")
	}
	format, err := s.validator.Validate(FileInfo{Filename: up.Filename, ContentType: up.ContentType, Size: up.Size})
	if err != nil {
		return nil, err
	}

	ws, err := s.workspaces.Acquire()
	if err != nil {
		return nil, err
	}
	defer ws.Release()

	archive := ws.Path("upload")
	if err := s.spool(ctx, up, archive); err != nil {
		return nil, err
	}
	extracted, err := ws.Mkdir("extracted")
	if err != nil {
		return nil, err
	}
	if err := s.extractor.Extract(ctx, archive, extracted, format); err != nil {
		return nil, err
	}
	desc, err := ParseDescriptorTree(extracted)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, "addon:name:"+desc.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.registry.FindAddonByName(ctx, desc.Name)
	switch {
	case IsKind(err, KindNotFound):
		return s.createAddon(ctx, up, desc, archive)
	case err != nil:
		return nil, err
	default:
		return s.appendVersion(ctx, up, desc, existing, archive)
	}
}

// spool copies the request body into the workspace, enforcing the size
// ceiling on the bytes actually received.
func (s *Service) spool(ctx context.Context, up Upload, dst string) (err error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return storageError(err, "create spool file")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = storageError(closeErr, "close spool file")
		}
	}()
	limit := s.validator.MaxBytes()
	n, err := io.Copy(out, io.LimitReader(newCtxReader(ctx, up.File), limit+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return extractionError(ErrCorruptArchive, "archive is truncated: upload interrupted after %d bytes", n)
		}
		return storageError(err, "receive upload")
	}
	if n > limit {
		return validationError(ErrTooLarge, "upload exceeds limit of %d bytes", limit)
	}
	if up.Size > 0 && n < up.Size {
		return extractionError(ErrCorruptArchive, "archive is truncated: received %d of %d bytes", n, up.Size)
	}
	return nil
}

func (s *Service) createAddon(ctx context.Context, up Upload, desc *Descriptor, archive string) (*IngestResult, error) {
	if err := s.AssertIdentifierAvailable(ctx, desc.ID); err != nil {
		return nil, err
	}
	art, err := s.store.Put(ctx, archive, desc.ID, ownerName(up.UserID), up.Filename)
	if err != nil {
		return nil, err
	}

	now := s.now()
	version := newVersion(desc, art, now)
	var addon *Addon
	for attempt := 1; ; attempt++ {
		addon, err = s.insertAddon(ctx, desc, art, version, now)
		if err == nil {
			break
		}
		// A slug picked by a racing upload of a different addon is not a
		// conflict for this one; pick the next free slug.
		retry := errors.Is(err, ErrSlugTaken) || errors.Is(err, ErrConcurrentModification)
		if !retry || attempt == maxCreateAttempts {
			s.discard(art.RelPath)
			return nil, err
		}
		if err := s.AssertIdentifierAvailable(ctx, desc.ID); err != nil {
			s.discard(art.RelPath)
			return nil, err
		}
	}

	logging.Info("addons", "addon created", "addon_id", addon.ID, "identifier", addon.Identifier, "slug", addon.Slug, "version", version.Version)
	s.publish(ctx, SubjectAddonCreated, Event{
		AddonID: addon.ID, Identifier: addon.Identifier, Name: addon.Name,
		Version: version.Version, Checksum: version.Checksum, UserID: up.UserID, IP: up.IP, At: now,
	})
	return &IngestResult{AddonID: addon.ID, Action: ActionCreated, Version: version.Version, Checksum: version.Checksum}, nil
}

// insertAddon picks a free slug for desc and writes the addon with its first
// version.
func (s *Service) insertAddon(ctx context.Context, desc *Descriptor, art *StoredArtifact, version *Version, now time.Time) (*Addon, error) {
	slug, err := s.GenerateSlug(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	addon := &Addon{
		Name:        desc.Name,
		Slug:        slug,
		Identifier:  desc.ID,
		Description: desc.Description,
		Author:      desc.Author,
		Category:    desc.Category,
		Version:     desc.Version,
		Status:      StatusEnabled,
		IsFree:      true,
		PackagePath: art.RelPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.registry.CreateAddon(ctx, addon, version); err != nil {
		return nil, err
	}
	return addon, nil
}

func (s *Service) appendVersion(ctx context.Context, up Upload, desc *Descriptor, addon *Addon, archive string) (*IngestResult, error) {
	exists, err := s.registry.VersionExists(ctx, addon.ID, desc.Version)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, conflictError(ErrVersionExists, "addon %q already has version %s", addon.Identifier, desc.Version)
	}
	art, err := s.store.Put(ctx, archive, addon.Identifier, ownerName(up.UserID), up.Filename)
	if err != nil {
		return nil, err
	}

	now := s.now()
	version := newVersion(desc, art, now)
	update := AddonUpdate{
		Description: desc.Description,
		Author:      desc.Author,
		Category:    desc.Category,
		Version:     desc.Version,
		PackagePath: art.RelPath,
		UpdatedAt:   now,
	}
	if err := s.registry.AppendVersion(ctx, addon.ID, version, update); err != nil {
		s.discard(art.RelPath)
		return nil, err
	}

	logging.Info("addons", "version added", "addon_id", addon.ID, "identifier", addon.Identifier, "version", version.Version)
	s.publish(ctx, SubjectAddonVersionAdded, Event{
		AddonID: addon.ID, Identifier: addon.Identifier, Name: addon.Name,
		Version: version.Version, Checksum: version.Checksum, UserID: up.UserID, IP: up.IP, At: now,
	})
	return &IngestResult{AddonID: addon.ID, Action: ActionVersionAdded, Version: version.Version, Checksum: version.Checksum}, nil
}

func newVersion(desc *Descriptor, art *StoredArtifact, now time.Time) *Version {
	return &Version{
		Version:       desc.Version,
		Filename:      art.Filename,
		Filepath:      art.RelPath,
		Filesize:      art.Size,
		Checksum:      art.Checksum,
		Changelog:     desc.Changelog,
		Compatibility: desc.CompatibilityText(),
		Status:        StatusEnabled,
		ReleasedAt:    now,
	}
}

// discard removes a staged artifact whose registry write failed.
func (s *Service) discard(rel string) {
	if err := s.store.Remove(rel); err != nil {
		logging.Error("addons", "staged artifact cleanup failed", "path", rel, "error", err)
	}
}

func (s *Service) lock(ctx context.Context, resource string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	owner := lockOwnerTag + ":" + uuid.NewString()
	ok, err := s.locker.Acquire(ctx, resource, owner, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, conflictError(ErrConcurrentModification, "another upload for %s is in progress", resource)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.keepLock(resource, owner, stop)
	}()
	return func() {
		close(stop)
		<-done
		// the request context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, resource, owner); err != nil {
			logging.Warn("addons", "lock release failed", "resource", resource, "error", err)
		}
	}, nil
}

// keepLock renews a held lock at half its TTL until stop is closed or the
// lock is lost.
func (s *Service) keepLock(resource, owner string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.lockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := s.locker.Renew(ctx, resource, owner, s.lockTTL)
		cancel()
		if err != nil {
			logging.Warn("addons", "lock renew failed", "resource", resource, "error", err)
			continue
		}
		if !ok {
			logging.Warn("addons", "lock lost", "resource", resource, "owner", owner)
			return
		}
	}
}

func (s *Service) publish(ctx context.Context, subject string, ev Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, ev); err != nil {
		logging.Warn("addons", "event publish failed", "subject", subject, "addon_id", ev.AddonID, "error", err)
	}
}

func ownerName(userID int64) string {
	if userID <= 0 {
		return "anonymous"
	}
	return strconv.FormatInt(userID, 10)
}

type noopMetrics struct{}

func (noopMetrics) IncUpload(string, string) {}
func (noopMetrics) ObserveUpload(float64)    {}
func (noopMetrics) IncDownload(string)       {}
