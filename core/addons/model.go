package addons

import "time"

// Status controls whether an addon or version is served.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusEnabled || s == StatusDisabled
}

// Addon is one distributable package.
type Addon struct {
	ID          int64      `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Slug        string     `json:"slug" db:"slug"`
	Identifier  string     `json:"identifier" db:"identifier"`
	Description string     `json:"description" db:"description"`
	Author      string     `json:"author" db:"author"`
	Category    string     `json:"category,omitempty" db:"category"`
	Version     string     `json:"version" db:"version"`
	Status      Status     `json:"status" db:"status"`
	IsFree      bool       `json:"is_free" db:"is_free"`
	Price       float64    `json:"price" db:"price"`
	Downloads   int64      `json:"downloads" db:"downloads"`
	Rating      float64    `json:"rating" db:"rating"`
	PackagePath string     `json:"package_path" db:"package_path"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Version is one release of an Addon. Only Downloads and Status change after
// creation.
type Version struct {
	ID            int64     `json:"id" db:"id"`
	AddonID       int64     `json:"addon_id" db:"addon_id"`
	Version       string    `json:"version" db:"version"`
	Filename      string    `json:"filename" db:"filename"`
	Filepath      string    `json:"filepath" db:"filepath"`
	Filesize      int64     `json:"filesize" db:"filesize"`
	Checksum      string    `json:"checksum" db:"checksum"`
	Changelog     string    `json:"changelog,omitempty" db:"changelog"`
	Compatibility string    `json:"compatibility,omitempty" db:"compatibility"`
	Downloads     int64     `json:"downloads" db:"downloads"`
	Status        Status    `json:"status" db:"status"`
	ReleasedAt    time.Time `json:"released_at" db:"released_at"`
}

// DownloadLog records one resolved download. Rows are never updated.
type DownloadLog struct {
	ID        int64     `json:"id" db:"id"`
	AddonID   int64     `json:"addon_id" db:"addon_id"`
	VersionID int64     `json:"version_id" db:"version_id"`
	Version   string    `json:"version" db:"version"`
	UserID    int64     `json:"user_id,omitempty" db:"user_id"`
	IP        string    `json:"ip" db:"ip"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`
	Referer   string    `json:"referer,omitempty" db:"referer"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Action is the terminal state of a successful ingestion.
type Action string

const (
	ActionCreated      Action = "created"
	ActionVersionAdded Action = "version_added"
)

// IngestResult is returned to the upload caller.
type IngestResult struct {
	AddonID  int64  `json:"addon_id"`
	Action   Action `json:"action"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// Download describes a resolved artifact ready for streaming.
type Download struct {
	AddonID      int64  `json:"addon_id"`
	Version      string `json:"version"`
	Filename     string `json:"filename"`
	Filepath     string `json:"filepath"`
	AbsolutePath string `json:"-"`
	Filesize     int64  `json:"filesize"`
	Checksum     string `json:"checksum"`
}

// Stats aggregates download activity.
type Stats struct {
	TotalDownloads     int64   `json:"total_downloads"`
	TodayDownloads     int64   `json:"today_downloads"`
	ThisMonthDownloads int64   `json:"this_month_downloads"`
	TopAddons          []Addon `json:"top_addons"`
}

// VersionListing annotates a version with the locally installed state.
type VersionListing struct {
	Version
	Installed bool `json:"installed"`
}
