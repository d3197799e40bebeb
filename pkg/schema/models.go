package schema

import (
	"time"
)

// Image is one crawled image row
type Image struct {
	ID            int64    `db:"id"`
	URL           string   `db:"url"`
	SourceURL     string   `db:"source_url"`
	Filename      string   `db:"filename"`
	FileExtension string   `db:"file_extension"`
	MimeType      *string  `db:"mime_type"`
	FileSize      *int64   `db:"file_size"`
	Width         *int     `db:"width"`
	Height        *int     `db:"height"`
	AspectRatio   *float64 `db:"aspect_ratio"`
	ColorMode     *string  `db:"color_mode"`
	HasAlpha      *bool    `db:"has_transparency"`

	MD5Hash        *string `db:"md5_hash"`
	SHA256Hash     *string `db:"sha256_hash"`
	PerceptualHash *string `db:"perceptual_hash"`

	CategoryID *int64     `db:"category_id"`
	Tags       StringList `db:"tags"`
	AutoTags   StringList `db:"auto_tags"`

	LocalPath         *string `db:"local_path"`
	IsDownloaded      bool    `db:"is_downloaded"`
	DownloadAttempts  int     `db:"download_attempts"`
	LastDownloadError *string `db:"last_download_error"`

	QualityScore *float64 `db:"quality_score"`
	IsDuplicate  *bool    `db:"is_duplicate"`
	DuplicateOf  *int64   `db:"duplicate_of"`
	ExifData     JSONMap  `db:"exif_data"`

	AltText     *string `db:"alt_text"`
	Title       *string `db:"title"`
	Description *string `db:"description"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Status    string    `db:"status"`
}

// Category groups images, optionally as a tree
type Category struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	Slug        string  `db:"slug"`
	Description *string `db:"description"`
	ParentID    *int64  `db:"parent_id"`
	Level       int     `db:"level"`
	SortOrder   int     `db:"sort_order"`

	AutoRules JSONMap    `db:"auto_rules"`
	Keywords  StringList `db:"keywords"`

	ImageCount int   `db:"image_count"`
	TotalSize  int64 `db:"total_size"`

	Color     *string `db:"color"`
	Icon      *string `db:"icon"`
	IsVisible bool    `db:"is_visible"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Status    string    `db:"status"`
}

// CrawlSession is the persisted record of one crawl run
type CrawlSession struct {
	ID          int64   `db:"id"`
	SessionName *string `db:"session_name"`
	TargetURL   string  `db:"target_url"`
	SessionType string  `db:"session_type"`

	ConfigData     JSONMap    `db:"config_data"`
	MaxDepth       int        `db:"max_depth"`
	MaxImages      *int       `db:"max_images"`
	AllowedDomains StringList `db:"allowed_domains"`
	ImageFilters   JSONMap    `db:"image_filters"`

	Status          string     `db:"status"`
	StartTime       *time.Time `db:"start_time"`
	EndTime         *time.Time `db:"end_time"`
	DurationSeconds *float64   `db:"duration_seconds"`

	TotalPages       int `db:"total_pages"`
	ProcessedPages   int `db:"processed_pages"`
	TotalImagesFound int `db:"total_images_found"`
	ImagesDownloaded int `db:"images_downloaded"`
	ImagesFailed     int `db:"images_failed"`
	ImagesSkipped    int `db:"images_skipped"`

	TotalSizeBytes    int64    `db:"total_size_bytes"`
	AverageImageSize  *float64 `db:"average_image_size"`
	DownloadSpeedMbps *float64 `db:"download_speed_mbps"`
	HighQualityCount  int      `db:"high_quality_count"`
	DuplicateCount    int      `db:"duplicate_count"`

	ErrorCount int     `db:"error_count"`
	LastError  *string `db:"last_error"`
	ErrorLog   *string `db:"error_log"`
	SummaryLog *string `db:"summary_log"`

	PeakMemoryMB    *float64 `db:"peak_memory_mb"`
	CPUUsagePercent *float64 `db:"cpu_usage_percent"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Tag is a reusable label attached to images
type Tag struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	Slug        string  `db:"slug"`
	Description *string `db:"description"`
	GroupName   *string `db:"group_name"`
	TagType     string  `db:"tag_type"`
	UsageCount  int     `db:"usage_count"`
	Color       *string `db:"color"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Status    string    `db:"status"`
}
