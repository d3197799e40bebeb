package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ColKind tags how a column value crosses the wire inside a sync payload.
// Scalars pass verbatim, timestamps as RFC 3339 text, containers as JSON
// text. Binary values are not representable.
type ColKind int

const (
	KindScalar ColKind = iota
	KindTimestamp
	KindJSON
)

// columnKinds lists the non-scalar columns per table; anything absent is a
// scalar
var columnKinds = map[string]map[string]ColKind{
	"images": {
		"tags":       KindJSON,
		"auto_tags":  KindJSON,
		"exif_data":  KindJSON,
		"created_at": KindTimestamp,
		"updated_at": KindTimestamp,
	},
	"categories": {
		"auto_rules": KindJSON,
		"keywords":   KindJSON,
		"created_at": KindTimestamp,
		"updated_at": KindTimestamp,
	},
	"crawl_sessions": {
		"config_data":     KindJSON,
		"allowed_domains": KindJSON,
		"image_filters":   KindJSON,
		"start_time":      KindTimestamp,
		"end_time":        KindTimestamp,
		"created_at":      KindTimestamp,
		"updated_at":      KindTimestamp,
	},
	"tags": {
		"created_at": KindTimestamp,
		"updated_at": KindTimestamp,
	},
}

// KindOf returns the payload kind of a column
func KindOf(table, column string) ColKind {
	if cols, ok := columnKinds[table]; ok {
		if k, ok := cols[column]; ok {
			return k
		}
	}
	return KindScalar
}

func encTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encTime(*t)
}

func encJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case JSONMap:
		if x == nil {
			return nil, nil
		}
	case StringList:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// EncodeImage serializes an image row into a sync payload
func EncodeImage(img *Image) (map[string]any, error) {
	tags, err := encJSON(img.Tags)
	if err != nil {
		return nil, err
	}
	autoTags, err := encJSON(img.AutoTags)
	if err != nil {
		return nil, err
	}
	exif, err := encJSON(img.ExifData)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":                  img.ID,
		"url":                 img.URL,
		"source_url":          img.SourceURL,
		"filename":            img.Filename,
		"file_extension":      img.FileExtension,
		"mime_type":           deref(img.MimeType),
		"file_size":           deref(img.FileSize),
		"width":               deref(img.Width),
		"height":              deref(img.Height),
		"aspect_ratio":        deref(img.AspectRatio),
		"color_mode":          deref(img.ColorMode),
		"has_transparency":    deref(img.HasAlpha),
		"md5_hash":            deref(img.MD5Hash),
		"sha256_hash":         deref(img.SHA256Hash),
		"perceptual_hash":     deref(img.PerceptualHash),
		"category_id":         deref(img.CategoryID),
		"tags":                tags,
		"auto_tags":           autoTags,
		"local_path":          deref(img.LocalPath),
		"is_downloaded":       img.IsDownloaded,
		"download_attempts":   img.DownloadAttempts,
		"last_download_error": deref(img.LastDownloadError),
		"quality_score":       deref(img.QualityScore),
		"is_duplicate":        deref(img.IsDuplicate),
		"duplicate_of":        deref(img.DuplicateOf),
		"exif_data":           exif,
		"alt_text":            deref(img.AltText),
		"title":               deref(img.Title),
		"description":         deref(img.Description),
		"created_at":          encTime(img.CreatedAt),
		"updated_at":          encTime(img.UpdatedAt),
		"status":              img.Status,
	}, nil
}

// EncodeCategory serializes a category row into a sync payload
func EncodeCategory(c *Category) (map[string]any, error) {
	rules, err := encJSON(c.AutoRules)
	if err != nil {
		return nil, err
	}
	keywords, err := encJSON(c.Keywords)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":          c.ID,
		"name":        c.Name,
		"slug":        c.Slug,
		"description": deref(c.Description),
		"parent_id":   deref(c.ParentID),
		"level":       c.Level,
		"sort_order":  c.SortOrder,
		"auto_rules":  rules,
		"keywords":    keywords,
		"image_count": c.ImageCount,
		"total_size":  c.TotalSize,
		"color":       deref(c.Color),
		"icon":        deref(c.Icon),
		"is_visible":  c.IsVisible,
		"created_at":  encTime(c.CreatedAt),
		"updated_at":  encTime(c.UpdatedAt),
		"status":      c.Status,
	}, nil
}

// EncodeCrawlSession serializes a crawl session row into a sync payload
func EncodeCrawlSession(s *CrawlSession) (map[string]any, error) {
	cfg, err := encJSON(s.ConfigData)
	if err != nil {
		return nil, err
	}
	domains, err := encJSON(s.AllowedDomains)
	if err != nil {
		return nil, err
	}
	filters, err := encJSON(s.ImageFilters)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":                  s.ID,
		"session_name":        deref(s.SessionName),
		"target_url":          s.TargetURL,
		"session_type":        s.SessionType,
		"config_data":         cfg,
		"max_depth":           s.MaxDepth,
		"max_images":          deref(s.MaxImages),
		"allowed_domains":     domains,
		"image_filters":       filters,
		"status":              s.Status,
		"start_time":          encTimePtr(s.StartTime),
		"end_time":            encTimePtr(s.EndTime),
		"duration_seconds":    deref(s.DurationSeconds),
		"total_pages":         s.TotalPages,
		"processed_pages":     s.ProcessedPages,
		"total_images_found":  s.TotalImagesFound,
		"images_downloaded":   s.ImagesDownloaded,
		"images_failed":       s.ImagesFailed,
		"images_skipped":      s.ImagesSkipped,
		"total_size_bytes":    s.TotalSizeBytes,
		"average_image_size":  deref(s.AverageImageSize),
		"download_speed_mbps": deref(s.DownloadSpeedMbps),
		"high_quality_count":  s.HighQualityCount,
		"duplicate_count":     s.DuplicateCount,
		"error_count":         s.ErrorCount,
		"last_error":          deref(s.LastError),
		"error_log":           deref(s.ErrorLog),
		"summary_log":         deref(s.SummaryLog),
		"peak_memory_mb":      deref(s.PeakMemoryMB),
		"cpu_usage_percent":   deref(s.CPUUsagePercent),
		"created_at":          encTime(s.CreatedAt),
		"updated_at":          encTime(s.UpdatedAt),
	}, nil
}

// EncodeTag serializes a tag row into a sync payload
func EncodeTag(tag *Tag) (map[string]any, error) {
	return map[string]any{
		"id":          tag.ID,
		"name":        tag.Name,
		"slug":        tag.Slug,
		"description": deref(tag.Description),
		"group_name":  deref(tag.GroupName),
		"tag_type":    tag.TagType,
		"usage_count": tag.UsageCount,
		"color":       deref(tag.Color),
		"created_at":  encTime(tag.CreatedAt),
		"updated_at":  encTime(tag.UpdatedAt),
		"status":      tag.Status,
	}, nil
}

// DecodeParams converts a sync payload into SQL binding form: sorted
// column names and matching args. Timestamp columns are parsed back to
// time.Time; JSON text is passed through for jsonb binding.
func DecodeParams(table string, payload map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(payload))
	for c := range payload {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, c := range cols {
		v, err := DecodeValue(table, c, payload[c])
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return cols, args, nil
}

// DecodeValue converts one payload value for SQL binding
func DecodeValue(table, column string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch KindOf(table, column) {
	case KindTimestamp:
		s, ok := v.(string)
		if !ok {
			if t, isT := v.(time.Time); isT {
				return t, nil
			}
			return nil, fmt.Errorf("column %s.%s: expected timestamp text, got %T", table, column, v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
				return t2, nil
			}
			return nil, fmt.Errorf("column %s.%s: bad timestamp %q: %w", table, column, s, err)
		}
		return t, nil
	case KindJSON:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			// Tolerate an already-decoded container from a JSON transport
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", table, column, err)
			}
			return string(b), nil
		}
	default:
		return v, nil
	}
}
