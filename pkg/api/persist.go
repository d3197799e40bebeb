package api

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/schema"
	"github.com/cuemby/magpie/pkg/session"
	"github.com/cuemby/magpie/pkg/types"
)

// persistResult records a finished crawl in the database: one
// crawl_sessions row plus an images row per downloaded file. Writes go
// through an auto-sync session so they replicate to the secondaries.
// Without a healthy primary the result still lives in the local bbolt
// checkpoint, so losing this write is recoverable.
func (s *Server) persistResult(sessionID, target string, res *types.CrawlResult) {
	logger := log.WithSession(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := s.sessions.Write()
	if err != nil {
		if errors.Is(err, session.ErrNoHealthyPrimary) {
			logger.Warn().Msg("no healthy primary, crawl result not persisted")
		} else {
			logger.Error().Err(err).Msg("failed to open write session")
		}
		return
	}
	defer sess.Close()

	if err := sess.Begin(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to begin persistence transaction")
		return
	}

	now := time.Now()
	duration := res.Duration.Seconds()
	errCount := len(res.FailedURLs)
	record := &schema.CrawlSession{
		SessionName:      &sessionID,
		TargetURL:        target,
		SessionType:      "crawl",
		MaxDepth:         0,
		Status:           string(types.CrawlCompleted),
		StartTime:        &res.Stats.StartTime,
		EndTime:          &res.Stats.EndTime,
		DurationSeconds:  &duration,
		TotalPages:       res.Stats.PagesCrawled,
		ProcessedPages:   res.Stats.PagesCrawled,
		TotalImagesFound: res.Stats.ImagesFound,
		ImagesDownloaded: res.Stats.ImagesDownloaded,
		ImagesFailed:     res.Stats.ImagesFailed,
		ErrorCount:       errCount,
		SummaryLog:       &res.Summary,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !res.Success {
		record.Status = string(types.CrawlFailed)
		record.LastError = &res.Error
	}

	payload, err := schema.EncodeCrawlSession(record)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode crawl session")
		sess.Rollback()
		return
	}
	delete(payload, "id") // new row, let the sequence assign one
	if err := sess.Insert(ctx, "crawl_sessions", payload); err != nil {
		logger.Error().Err(err).Msg("failed to insert crawl session")
		sess.Rollback()
		return
	}

	inserted := 0
	for url, filename := range res.URLToFilename {
		img := &schema.Image{
			URL:           url,
			SourceURL:     target,
			Filename:      filename,
			FileExtension: filepath.Ext(filename),
			IsDownloaded:  true,
			CreatedAt:     now,
			UpdatedAt:     now,
			Status:        "active",
		}
		imgPayload, err := schema.EncodeImage(img)
		if err != nil {
			logger.Error().Err(err).Str("url", url).Msg("failed to encode image row")
			continue
		}
		delete(imgPayload, "id")
		if err := sess.Insert(ctx, "images", imgPayload); err != nil {
			logger.Error().Err(err).Str("url", url).Msg("failed to insert image row")
			sess.Rollback()
			return
		}
		inserted++
	}

	if err := sess.Commit(); err != nil {
		logger.Error().Err(err).Msg("failed to commit crawl result")
		return
	}
	logger.Info().Int("images", inserted).Msg("crawl result persisted")
}
