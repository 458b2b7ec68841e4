package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/addonhub/core/addons"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// Constraint names from the embedded migrations.
const (
	constraintSlug       = "addons_slug_key"
	constraintIdentifier = "addons_identifier_live_key"
	constraintVersion    = "addon_versions_addon_version_key"
)

const addonColumns = `id, name, slug, identifier, description, author, category, version, status,
    is_free, price, downloads, rating, package_path, created_at, updated_at, deleted_at`

const versionColumns = `id, addon_id, version, filename, filepath, filesize, checksum, changelog,
    compatibility, downloads, status, released_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is a Postgres-backed addons.Registry.
type Store struct {
	pool *pgxpool.Pool
}

var _ addons.Registry = (*Store)(nil)

// New wraps an existing pool. Run Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, applies pending migrations and returns a ready store.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) FindAddonByName(ctx context.Context, name string) (*addons.Addon, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+addonColumns+` FROM addons
        WHERE name = $1 AND deleted_at IS NULL ORDER BY id LIMIT 1`, name)
	addon, err := scanAddon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("no addon named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("find addon by name: %w", err)
	}
	return addon, nil
}

func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM addons WHERE slug = $1)`, slug)
}

func (s *Store) IdentifierInUse(ctx context.Context, identifier string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM addons WHERE identifier = $1 AND deleted_at IS NULL)`, identifier)
}

func (s *Store) VersionExists(ctx context.Context, addonID int64, version string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM addon_versions WHERE addon_id = $1 AND version = $2)`, addonID, version)
}

func (s *Store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return ok, nil
}

func (s *Store) CreateAddon(ctx context.Context, addon *addons.Addon, first *addons.Version) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `INSERT INTO addons
        (name, slug, identifier, description, author, category, version, status,
         is_free, price, downloads, rating, package_path, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $14)
        RETURNING id`,
		addon.Name, addon.Slug, addon.Identifier, addon.Description, addon.Author, addon.Category,
		addon.Version, string(addon.Status), addon.IsFree, addon.Price, addon.Rating,
		addon.PackagePath, addon.CreatedAt, addon.UpdatedAt,
	).Scan(&addon.ID)
	if err != nil {
		return mapWriteError(err, "insert addon")
	}
	first.AddonID = addon.ID
	if err := insertVersion(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "commit addon")
	}
	addon.Downloads = 0
	return nil
}

func (s *Store) AppendVersion(ctx context.Context, addonID int64, v *addons.Version, update addons.AddonUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockLiveAddon(ctx, tx, addonID); err != nil {
		return err
	}
	v.AddonID = addonID
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE addons
        SET description = $2, author = $3, category = $4, version = $5, package_path = $6, updated_at = $7
        WHERE id = $1`,
		addonID, update.Description, update.Author, update.Category, update.Version, update.PackagePath, update.UpdatedAt,
	); err != nil {
		return mapWriteError(err, "update addon")
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "commit version")
	}
	return nil
}

func insertVersion(ctx context.Context, q querier, v *addons.Version) error {
	err := q.QueryRow(ctx, `INSERT INTO addon_versions
        (addon_id, version, filename, filepath, filesize, checksum, changelog, compatibility,
         downloads, status, released_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
        RETURNING id`,
		v.AddonID, v.Version, v.Filename, v.Filepath, v.Filesize, v.Checksum, v.Changelog,
		v.Compatibility, string(v.Status), v.ReleasedAt,
	).Scan(&v.ID)
	if err != nil {
		return mapWriteError(err, "insert version")
	}
	v.Downloads = 0
	return nil
}

// lockLiveAddon takes a row lock on a non-deleted addon for the rest of tx.
func lockLiveAddon(ctx context.Context, q querier, id int64) (*addons.Addon, error) {
	row := q.QueryRow(ctx, `SELECT `+addonColumns+` FROM addons
        WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	addon, err := scanAddon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("addon %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock addon: %w", err)
	}
	return addon, nil
}

func (s *Store) GetAddon(ctx context.Context, id int64) (*addons.Addon, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+addonColumns+` FROM addons
        WHERE id = $1 AND deleted_at IS NULL`, id)
	addon, err := scanAddon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("addon %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get addon: %w", err)
	}
	return addon, nil
}

func (s *Store) GetVersion(ctx context.Context, addonID int64, version string) (*addons.Version, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+qualified("v", versionColumns)+`
        FROM addon_versions v JOIN addons a ON a.id = v.addon_id
        WHERE v.addon_id = $1 AND v.version = $2 AND a.deleted_at IS NULL`, addonID, version)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("version %s of addon %d not found", version, addonID)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *Store) LatestEnabledVersion(ctx context.Context, addonID int64) (*addons.Version, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+qualified("v", versionColumns)+`
        FROM addon_versions v JOIN addons a ON a.id = v.addon_id
        WHERE v.addon_id = $1 AND v.status = $2 AND a.deleted_at IS NULL
        ORDER BY v.released_at DESC, v.id DESC LIMIT 1`, addonID, string(addons.StatusEnabled))
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("addon %d has no enabled version", addonID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, addonID int64) ([]addons.Version, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM addon_versions
        WHERE addon_id = $1 ORDER BY released_at, id`, addonID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []addons.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

func (s *Store) RecordDownload(ctx context.Context, entry *addons.DownloadLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE addons SET downloads = downloads + 1
        WHERE id = $1 AND deleted_at IS NULL`, entry.AddonID)
	if err != nil {
		return fmt.Errorf("bump addon downloads: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return addons.NotFoundError("addon %d not found", entry.AddonID)
	}
	tag, err = tx.Exec(ctx, `UPDATE addon_versions SET downloads = downloads + 1
        WHERE id = $1 AND addon_id = $2`, entry.VersionID, entry.AddonID)
	if err != nil {
		return fmt.Errorf("bump version downloads: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return addons.NotFoundError("version %d of addon %d not found", entry.VersionID, entry.AddonID)
	}

	var userID *int64
	if entry.UserID > 0 {
		userID = &entry.UserID
	}
	err = tx.QueryRow(ctx, `INSERT INTO addon_download_logs
        (addon_id, version_id, version, user_id, ip, user_agent, referer, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`,
		entry.AddonID, entry.VersionID, entry.Version, userID, entry.IP, entry.UserAgent, entry.Referer, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert download log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit download: %w", err)
	}
	return nil
}

func (s *Store) CountDownloads(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	var err error
	if since.IsZero() {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM addon_download_logs`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM addon_download_logs WHERE created_at >= $1`, since).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}

func (s *Store) TopAddons(ctx context.Context, n int) ([]addons.Addon, error) {
	if n <= 0 {
		return []addons.Addon{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+addonColumns+` FROM addons
        WHERE deleted_at IS NULL ORDER BY downloads DESC, id LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("top addons: %w", err)
	}
	defer rows.Close()

	out := make([]addons.Addon, 0, n)
	for rows.Next() {
		addon, err := scanAddon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan addon: %w", err)
		}
		out = append(out, *addon)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top addons: %w", err)
	}
	return out, nil
}

func (s *Store) SetVersionStatus(ctx context.Context, addonID int64, version string, status addons.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE addon_versions v SET status = $3
        FROM addons a
        WHERE a.id = v.addon_id AND a.deleted_at IS NULL AND v.addon_id = $1 AND v.version = $2`,
		addonID, version, string(status))
	if err != nil {
		return fmt.Errorf("set version status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return addons.NotFoundError("version %s of addon %d not found", version, addonID)
	}
	return nil
}

func (s *Store) DeleteVersion(ctx context.Context, addonID int64, version string, at time.Time) (*addons.Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockLiveAddon(ctx, tx, addonID); err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM addon_versions
        WHERE addon_id = $1 AND version = $2 FOR UPDATE`, addonID, version)
	removed, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, addons.NotFoundError("version %s of addon %d not found", version, addonID)
	}
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	if removed.Status == addons.StatusEnabled {
		return nil, addons.ConflictError(addons.ErrVersionEnabled, "version %s of addon %d is enabled", version, addonID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM addon_versions WHERE id = $1`, removed.ID); err != nil {
		return nil, fmt.Errorf("delete version: %w", err)
	}

	var latest, latestPath string
	err = tx.QueryRow(ctx, `SELECT version, filepath FROM addon_versions
        WHERE addon_id = $1 ORDER BY released_at DESC, id DESC LIMIT 1`, addonID).Scan(&latest, &latestPath)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load latest version: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE addons SET version = $2, package_path = $3, updated_at = $4 WHERE id = $1`,
		addonID, latest, latestPath, at); err != nil {
		return nil, fmt.Errorf("repoint addon: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(err, "commit version delete")
	}
	return removed, nil
}

func (s *Store) DeleteAddon(ctx context.Context, id int64, at time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockLiveAddon(ctx, tx, id); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT filepath FROM addon_versions WHERE addon_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM addon_download_logs WHERE addon_id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete download logs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM addon_versions WHERE addon_id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete versions: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE addons SET deleted_at = $2, updated_at = $2, downloads = 0 WHERE id = $1`, id, at); err != nil {
		return nil, fmt.Errorf("soft delete addon: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(err, "commit addon delete")
	}
	return paths, nil
}

func scanAddon(row pgx.Row) (*addons.Addon, error) {
	var a addons.Addon
	var status string
	err := row.Scan(&a.ID, &a.Name, &a.Slug, &a.Identifier, &a.Description, &a.Author, &a.Category,
		&a.Version, &status, &a.IsFree, &a.Price, &a.Downloads, &a.Rating, &a.PackagePath,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	a.Status = addons.Status(status)
	return &a, nil
}

func scanVersion(row pgx.Row) (*addons.Version, error) {
	var v addons.Version
	var status string
	err := row.Scan(&v.ID, &v.AddonID, &v.Version, &v.Filename, &v.Filepath, &v.Filesize, &v.Checksum,
		&v.Changelog, &v.Compatibility, &v.Downloads, &status, &v.ReleasedAt)
	if err != nil {
		return nil, err
	}
	v.Status = addons.Status(status)
	return &v, nil
}

// mapWriteError turns unique violations into conflict errors and serialization
// failures into ErrConcurrentModification.
func mapWriteError(err error, op string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch pgErr.Code {
	case uniqueViolation:
		switch pgErr.ConstraintName {
		case constraintIdentifier:
			return addons.ConflictError(addons.ErrIdentifierTaken, "identifier is already registered")
		case constraintVersion:
			return addons.ConflictError(addons.ErrVersionExists, "version already exists")
		case constraintSlug:
			return addons.ConflictError(addons.ErrSlugTaken, "slug was taken concurrently")
		default:
			return addons.ConflictError(addons.ErrConcurrentModification, "%s: unique constraint %s", op, pgErr.ConstraintName)
		}
	case "40001", "40P01":
		return addons.ConflictError(addons.ErrConcurrentModification, "%s: %s", op, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
