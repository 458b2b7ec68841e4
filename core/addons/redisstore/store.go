package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed addons.Registry. Rows are JSON strings; download
// counters live in a sorted set and a hash so downloads never invalidate a
// WATCH held by an ingestion.
type Store struct {
	client redis.UniversalClient
}

var _ addons.Registry = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

// Client exposes the underlying client so other components can share it.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close shuts down the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) FindAddonByName(ctx context.Context, name string) (*addons.Addon, error) {
	ids, err := s.client.ZRange(ctx, nameKey(name), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup addon name: %w", err)
	}
	if len(ids) == 0 {
		return nil, addons.NotFoundError("no addon named %q", name)
	}
	id, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode addon id %q: %w", ids[0], err)
	}
	return s.GetAddon(ctx, id)
}

func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	return s.exists(ctx, slugKey(slug))
}

func (s *Store) IdentifierInUse(ctx context.Context, identifier string) (bool, error) {
	return s.exists(ctx, identifierKey(identifier))
}

func (s *Store) VersionExists(ctx context.Context, addonID int64, version string) (bool, error) {
	return s.exists(ctx, addonVersionKey(addonID, version))
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// CreateAddon writes the addon, its first version and every index entry in
// one MULTI/EXEC guarded by WATCH on the identifier and slug keys.
func (s *Store) CreateAddon(ctx context.Context, addon *addons.Addon, first *addons.Version) error {
	addonID, err := s.client.Incr(ctx, addonSeqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate addon id: %w", err)
	}
	versionID, err := s.client.Incr(ctx, versionSeqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate version id: %w", err)
	}
	row := *addon
	row.ID = addonID
	row.Downloads = 0
	ver := *first
	ver.ID = versionID
	ver.AddonID = addonID
	ver.Downloads = 0

	addonJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode addon: %w", err)
	}
	versionJSON, err := json.Marshal(ver)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}

	idKey, slKey := identifierKey(row.Identifier), slugKey(row.Slug)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		taken, err := tx.Exists(ctx, idKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return addons.ConflictError(addons.ErrIdentifierTaken, "identifier %q is already registered", row.Identifier)
		}
		taken, err = tx.Exists(ctx, slKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return addons.ConflictError(addons.ErrSlugTaken, "slug %q was taken concurrently", row.Slug)
		}

		member := strconv.FormatInt(addonID, 10)
		vmember := strconv.FormatInt(versionID, 10)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, addonKey(addonID), addonJSON, 0)
		pipe.Set(ctx, idKey, member, 0)
		pipe.Set(ctx, slKey, member, 0)
		pipe.ZAdd(ctx, addonIndexKey, redis.Z{Score: float64(addonID), Member: member})
		pipe.ZAdd(ctx, nameKey(row.Name), redis.Z{Score: float64(addonID), Member: member})
		pipe.ZAdd(ctx, addonRankKey, redis.Z{Score: 0, Member: member})
		pipe.Set(ctx, versionKey(versionID), versionJSON, 0)
		pipe.Set(ctx, addonVersionKey(addonID, ver.Version), vmember, 0)
		pipe.ZAdd(ctx, addonVersionsKey(addonID), redis.Z{Score: releaseScore(ver.ReleasedAt), Member: vmember})
		pipe.HSet(ctx, versionCountKey, vmember, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, idKey, slKey)
	if err != nil {
		return txError(err, "create addon")
	}
	addon.ID = addonID
	addon.Downloads = 0
	first.ID = versionID
	first.AddonID = addonID
	first.Downloads = 0
	return nil
}

// AppendVersion writes v and the refreshed addon row atomically. The WATCH on
// the (addon, version) key makes two racing uploads of one version resolve to
// exactly one winner.
func (s *Store) AppendVersion(ctx context.Context, addonID int64, v *addons.Version, update addons.AddonUpdate) error {
	versionID, err := s.client.Incr(ctx, versionSeqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate version id: %w", err)
	}
	ver := *v
	ver.ID = versionID
	ver.AddonID = addonID
	ver.Downloads = 0
	versionJSON, err := json.Marshal(ver)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}

	aKey, vIdxKey := addonKey(addonID), addonVersionKey(addonID, ver.Version)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		row, err := loadAddonRow(ctx, tx, addonID)
		if err != nil {
			return err
		}
		taken, err := tx.Exists(ctx, vIdxKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return addons.ConflictError(addons.ErrVersionExists, "addon %q already has version %s", row.Identifier, ver.Version)
		}
		row.Description = update.Description
		row.Author = update.Author
		row.Category = update.Category
		row.Version = update.Version
		row.PackagePath = update.PackagePath
		row.UpdatedAt = update.UpdatedAt
		addonJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode addon: %w", err)
		}

		vmember := strconv.FormatInt(versionID, 10)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, aKey, addonJSON, 0)
		pipe.Set(ctx, versionKey(versionID), versionJSON, 0)
		pipe.Set(ctx, vIdxKey, vmember, 0)
		pipe.ZAdd(ctx, addonVersionsKey(addonID), redis.Z{Score: releaseScore(ver.ReleasedAt), Member: vmember})
		pipe.HSet(ctx, versionCountKey, vmember, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, aKey, vIdxKey)
	if err != nil {
		return txError(err, "append version")
	}
	v.ID = versionID
	v.AddonID = addonID
	v.Downloads = 0
	return nil
}

func (s *Store) GetAddon(ctx context.Context, id int64) (*addons.Addon, error) {
	row, err := loadAddonRow(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if err := fillAddonDownloads(ctx, s.client, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) GetVersion(ctx context.Context, addonID int64, version string) (*addons.Version, error) {
	if _, err := loadAddonRow(ctx, s.client, addonID); err != nil {
		return nil, err
	}
	return loadVersionByString(ctx, s.client, addonID, version)
}

func (s *Store) LatestEnabledVersion(ctx context.Context, addonID int64) (*addons.Version, error) {
	versions, err := s.ListVersions(ctx, addonID)
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == addons.StatusEnabled {
			v := versions[i]
			return &v, nil
		}
	}
	return nil, addons.NotFoundError("addon %d has no enabled version", addonID)
}

// ListVersions returns versions in release order, oldest first.
func (s *Store) ListVersions(ctx context.Context, addonID int64) ([]addons.Version, error) {
	if _, err := loadAddonRow(ctx, s.client, addonID); err != nil {
		return nil, err
	}
	return loadVersions(ctx, s.client, addonID)
}

var recordDownloadScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[2]) == false then
  return -1
end
redis.call('SET', KEYS[3], ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[3])
redis.call('SADD', KEYS[5], ARGV[3])
redis.call('HINCRBY', KEYS[6], ARGV[2], 1)
redis.call('ZINCRBY', KEYS[7], 1, ARGV[1])
return 1
`)

// RecordDownload appends the log entry and bumps both counters inside one
// Lua script, so the three writes land together or not at all.
func (s *Store) RecordDownload(ctx context.Context, entry *addons.DownloadLog) error {
	logID, err := s.client.Incr(ctx, downloadSeqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate download id: %w", err)
	}
	row := *entry
	row.ID = logID
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode download: %w", err)
	}
	keys := []string{
		addonIndexKey,
		addonVersionsKey(row.AddonID),
		downloadKey(logID),
		downloadIndexKey,
		addonDownloadsKey(row.AddonID),
		versionCountKey,
		addonRankKey,
	}
	res, err := recordDownloadScript.Run(ctx, s.client, keys,
		strconv.FormatInt(row.AddonID, 10),
		strconv.FormatInt(row.VersionID, 10),
		strconv.FormatInt(logID, 10),
		payload,
		row.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	switch res {
	case 0:
		return addons.NotFoundError("addon %d not found", row.AddonID)
	case -1:
		return addons.NotFoundError("version %d of addon %d not found", row.VersionID, row.AddonID)
	}
	entry.ID = logID
	return nil
}

func (s *Store) CountDownloads(ctx context.Context, since time.Time) (int64, error) {
	lower := "-inf"
	if !since.IsZero() {
		lower = strconv.FormatInt(since.UnixMilli(), 10)
	}
	n, err := s.client.ZCount(ctx, downloadIndexKey, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}

func (s *Store) TopAddons(ctx context.Context, n int) ([]addons.Addon, error) {
	if n <= 0 {
		return nil, nil
	}
	ranked, err := s.client.ZRevRangeWithScores(ctx, addonRankKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("rank addons: %w", err)
	}
	out := make([]addons.Addon, 0, len(ranked))
	for _, z := range ranked {
		member, _ := z.Member.(string)
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		row, err := loadAddonRow(ctx, s.client, id)
		if addons.IsKind(err, addons.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		row.Downloads = int64(math.Round(z.Score))
		out = append(out, *row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Downloads == out[j].Downloads {
			return out[i].ID < out[j].ID
		}
		return out[i].Downloads > out[j].Downloads
	})
	return out, nil
}

func (s *Store) SetVersionStatus(ctx context.Context, addonID int64, version string, status addons.Status) error {
	vIdxKey := addonVersionKey(addonID, version)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		if _, err := loadAddonRow(ctx, tx, addonID); err != nil {
			return err
		}
		ver, err := loadVersionByString(ctx, tx, addonID, version)
		if err != nil {
			return err
		}
		ver.Status = status
		ver.Downloads = 0
		payload, err := json.Marshal(ver)
		if err != nil {
			return fmt.Errorf("encode version: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, versionKey(ver.ID), payload, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, addonKey(addonID), vIdxKey)
	return txError(err, "set version status")
}

// DeleteVersion drops a disabled version and repoints the addon at the most
// recently released remaining one. Download logs are kept.
func (s *Store) DeleteVersion(ctx context.Context, addonID int64, version string, at time.Time) (*addons.Version, error) {
	aKey, vIdxKey, vsKey := addonKey(addonID), addonVersionKey(addonID, version), addonVersionsKey(addonID)
	var removed *addons.Version
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		row, err := loadAddonRow(ctx, tx, addonID)
		if err != nil {
			return err
		}
		ver, err := loadVersionByString(ctx, tx, addonID, version)
		if err != nil {
			return err
		}
		if ver.Status == addons.StatusEnabled {
			return addons.ConflictError(addons.ErrVersionEnabled, "version %s of addon %d is enabled; disable it first", version, addonID)
		}
		all, err := loadVersions(ctx, tx, addonID)
		if err != nil {
			return err
		}
		row.Version, row.PackagePath = "", ""
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].ID != ver.ID {
				row.Version, row.PackagePath = all[i].Version, all[i].Filepath
				break
			}
		}
		row.UpdatedAt = at
		addonJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode addon: %w", err)
		}

		vmember := strconv.FormatInt(ver.ID, 10)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, aKey, addonJSON, 0)
		pipe.Del(ctx, versionKey(ver.ID), vIdxKey)
		pipe.ZRem(ctx, vsKey, vmember)
		pipe.HDel(ctx, versionCountKey, vmember)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		removed = ver
		return nil
	}, aKey, vIdxKey, vsKey)
	if err != nil {
		return nil, txError(err, "delete version")
	}
	return removed, nil
}

// DeleteAddon marks the addon deleted, releases its identifier and drops its
// versions and download logs. The slug stays reserved.
func (s *Store) DeleteAddon(ctx context.Context, id int64, at time.Time) ([]string, error) {
	aKey, vsKey, dlKey := addonKey(id), addonVersionsKey(id), addonDownloadsKey(id)
	var paths []string
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		row, err := loadAddonRow(ctx, tx, id)
		if err != nil {
			return err
		}
		versions, err := loadVersions(ctx, tx, id)
		if err != nil {
			return err
		}
		logIDs, err := tx.SMembers(ctx, dlKey).Result()
		if err != nil {
			return err
		}
		owner, err := tx.Get(ctx, identifierKey(row.Identifier)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		deletedAt := at
		row.DeletedAt = &deletedAt
		row.UpdatedAt = at
		row.Downloads = 0
		addonJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode addon: %w", err)
		}

		member := strconv.FormatInt(id, 10)
		pipe := tx.TxPipeline()
		pipe.Set(ctx, aKey, addonJSON, 0)
		if owner == member {
			pipe.Del(ctx, identifierKey(row.Identifier))
		}
		pipe.ZRem(ctx, addonIndexKey, member)
		pipe.ZRem(ctx, nameKey(row.Name), member)
		pipe.ZRem(ctx, addonRankKey, member)
		collected := make([]string, 0, len(versions))
		for _, v := range versions {
			vmember := strconv.FormatInt(v.ID, 10)
			pipe.Del(ctx, versionKey(v.ID), addonVersionKey(id, v.Version))
			pipe.HDel(ctx, versionCountKey, vmember)
			if v.Filepath != "" {
				collected = append(collected, v.Filepath)
			}
		}
		pipe.Del(ctx, vsKey)
		for _, lid := range logIDs {
			logID, err := strconv.ParseInt(lid, 10, 64)
			if err != nil {
				continue
			}
			pipe.Del(ctx, downloadKey(logID))
			pipe.ZRem(ctx, downloadIndexKey, lid)
		}
		pipe.Del(ctx, dlKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		paths = collected
		return nil
	}, aKey, vsKey, dlKey)
	if err != nil {
		return nil, txError(err, "delete addon")
	}
	return paths, nil
}

// loadAddonRow reads a live addon without its download counter.
func loadAddonRow(ctx context.Context, c redis.Cmdable, id int64) (*addons.Addon, error) {
	raw, err := c.Get(ctx, addonKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, addons.NotFoundError("addon %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load addon %d: %w", id, err)
	}
	var row addons.Addon
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode addon %d: %w", id, err)
	}
	if row.DeletedAt != nil {
		return nil, addons.NotFoundError("addon %d not found", id)
	}
	row.ID = id
	return &row, nil
}

func fillAddonDownloads(ctx context.Context, c redis.Cmdable, row *addons.Addon) error {
	score, err := c.ZScore(ctx, addonRankKey, strconv.FormatInt(row.ID, 10)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load addon downloads: %w", err)
	}
	row.Downloads = int64(math.Round(score))
	return nil
}

func loadVersionByString(ctx context.Context, c redis.Cmdable, addonID int64, version string) (*addons.Version, error) {
	raw, err := c.Get(ctx, addonVersionKey(addonID, version)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, addons.NotFoundError("addon %d has no version %s", addonID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup version: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version id %q: %w", raw, err)
	}
	return loadVersion(ctx, c, id)
}

func loadVersion(ctx context.Context, c redis.Cmdable, id int64) (*addons.Version, error) {
	raw, err := c.Get(ctx, versionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, addons.NotFoundError("version %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", id, err)
	}
	var ver addons.Version
	if err := json.Unmarshal(raw, &ver); err != nil {
		return nil, fmt.Errorf("decode version %d: %w", id, err)
	}
	ver.ID = id
	count, err := c.HGet(ctx, versionCountKey, strconv.FormatInt(id, 10)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load version downloads: %w", err)
	}
	ver.Downloads = count
	return &ver, nil
}

// loadVersions returns an addon's versions ordered by release time, then id.
func loadVersions(ctx context.Context, c redis.Cmdable, addonID int64) ([]addons.Version, error) {
	members, err := c.ZRange(ctx, addonVersionsKey(addonID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]addons.Version, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		ver, err := loadVersion(ctx, c, id)
		if addons.IsKind(err, addons.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ver)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReleasedAt.Equal(out[j].ReleasedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReleasedAt.Before(out[j].ReleasedAt)
	})
	return out, nil
}

func releaseScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// txError maps an aborted optimistic transaction onto a conflict and leaves
// addons errors untouched.
func txError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return addons.ConflictError(addons.ErrConcurrentModification, "%s: concurrent modification", op)
	}
	var addonErr *addons.Error
	if errors.As(err, &addonErr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
