package schema

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Tables lists every replicated table in sync order
var Tables = []string{"images", "categories", "crawl_sessions", "tags"}

// Statements returns the DDL creating all tables plus the seeded
// "uncategorized" category. Every statement is idempotent.
func Statements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS categories (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			slug TEXT NOT NULL UNIQUE,
			description TEXT,
			parent_id BIGINT REFERENCES categories(id),
			level INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			auto_rules JSONB,
			keywords JSONB,
			image_count INTEGER NOT NULL DEFAULT 0,
			total_size BIGINT NOT NULL DEFAULT 0,
			color TEXT,
			icon TEXT,
			is_visible BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			source_url TEXT NOT NULL,
			filename TEXT NOT NULL,
			file_extension TEXT NOT NULL,
			mime_type TEXT,
			file_size BIGINT,
			width INTEGER,
			height INTEGER,
			aspect_ratio DOUBLE PRECISION,
			color_mode TEXT,
			has_transparency BOOLEAN,
			md5_hash TEXT UNIQUE,
			sha256_hash TEXT,
			perceptual_hash TEXT,
			category_id BIGINT REFERENCES categories(id),
			tags JSONB,
			auto_tags JSONB,
			local_path TEXT,
			is_downloaded BOOLEAN NOT NULL DEFAULT FALSE,
			download_attempts INTEGER NOT NULL DEFAULT 0,
			last_download_error TEXT,
			quality_score DOUBLE PRECISION,
			is_duplicate BOOLEAN,
			duplicate_of BIGINT REFERENCES images(id),
			exif_data JSONB,
			alt_text TEXT,
			title TEXT,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_sessions (
			id BIGSERIAL PRIMARY KEY,
			session_name TEXT,
			target_url TEXT NOT NULL,
			session_type TEXT NOT NULL DEFAULT 'standard',
			config_data JSONB,
			max_depth INTEGER NOT NULL DEFAULT 3,
			max_images INTEGER,
			allowed_domains JSONB,
			image_filters JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION,
			total_pages INTEGER NOT NULL DEFAULT 0,
			processed_pages INTEGER NOT NULL DEFAULT 0,
			total_images_found INTEGER NOT NULL DEFAULT 0,
			images_downloaded INTEGER NOT NULL DEFAULT 0,
			images_failed INTEGER NOT NULL DEFAULT 0,
			images_skipped INTEGER NOT NULL DEFAULT 0,
			total_size_bytes BIGINT NOT NULL DEFAULT 0,
			average_image_size DOUBLE PRECISION,
			download_speed_mbps DOUBLE PRECISION,
			high_quality_count INTEGER NOT NULL DEFAULT 0,
			duplicate_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			error_log TEXT,
			summary_log TEXT,
			peak_memory_mb DOUBLE PRECISION,
			cpu_usage_percent DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			slug TEXT NOT NULL UNIQUE,
			description TEXT,
			group_name TEXT,
			tag_type TEXT NOT NULL DEFAULT 'manual',
			usage_count INTEGER NOT NULL DEFAULT 0,
			color TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`INSERT INTO categories (name, slug, description, level)
			VALUES ('uncategorized', 'uncategorized', 'Default category', 0)
			ON CONFLICT (name) DO NOTHING`,
	}
}

// Ensure creates missing tables and the seed data on db
func Ensure(db *sqlx.DB) error {
	for _, stmt := range Statements() {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// SequenceName returns the serial sequence backing a table's id column
func SequenceName(table string) string {
	return table + "_id_seq"
}

// Known reports whether table is one of the replicated tables
func Known(table string) bool {
	for _, t := range Tables {
		if t == table {
			return true
		}
	}
	return false
}
