package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricestat/internal/enrich"
	"pricestat/internal/models"
	"pricestat/internal/site"
	"pricestat/internal/telemetry"
)

// processRow scrapes and enriches one row. Failures are recorded on the returned record, whose
// other fields are then left empty.
func (p *Processor) processRow(ctx context.Context, client site.Client, jobID string, index int, row models.Row, labels []string) *models.ResultRecord {
	start := time.Now()
	defer func() { telemetry.RowDuration.Observe(time.Since(start).Seconds()) }()

	log := slog.With("job_id", jobID, "row", index, "article", row.Article, "brand", row.Brand)

	rec, err := p.scrapeRow(ctx, log, client, jobID, index, row, labels)
	if err != nil {
		log.WarnContext(ctx, "row failed", "error", err)
		failed := models.NewResultRecord(row)
		failed.Error = err.Error()
		return failed
	}
	log.DebugContext(ctx, "row processed", "prices", len(rec.Prices), "stats", len(rec.Stats))
	return rec
}

func (p *Processor) scrapeRow(ctx context.Context, log *slog.Logger, client site.Client, jobID string, index int, row models.Row, labels []string) (*models.ResultRecord, error) {
	rec := models.NewResultRecord(row)

	if err := client.Search(ctx, row.Article, row.Brand); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	prices, err := client.TopOffers(ctx, row.Brand, row.Article)
	if err != nil {
		return nil, fmt.Errorf("offers: %w", err)
	}
	rec.Prices = prices

	if err := client.OpenStats(ctx); err != nil {
		if errors.Is(err, site.ErrNoStrategy) {
			log.InfoContext(ctx, "no statistics view for article")
			return rec, nil
		}
		return nil, fmt.Errorf("open stats: %w", err)
	}

	capture := p.capture(ctx, log, client, jobID, index, row)
	rec.ImageURL = capture.URL
	summary := p.summarize(ctx, log, capture, labels)
	if summary != nil {
		rec.AISummary = summary.Text
	}

	scraped, err := client.MonthlyStats(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("monthly stats: %w", err)
	}
	rec.Stats = ChooseStats(p.opts.StatsPreference, summary, scraped)
	return rec, nil
}

func (p *Processor) capture(ctx context.Context, log *slog.Logger, client site.Client, jobID string, index int, row models.Row) enrich.Capture {
	if p.deps.Capturer == nil {
		return enrich.Capture{}
	}
	c, err := p.deps.Capturer.Capture(ctx, enrich.CaptureRequest{
		JobID:      jobID,
		Row:        index,
		Article:    row.Article,
		Brand:      row.Brand,
		Screenshot: client.ChartScreenshot,
	})
	if err != nil {
		log.WarnContext(ctx, "chart capture failed", "error", err)
		return enrich.Capture{}
	}
	return c
}

func (p *Processor) summarize(ctx context.Context, log *slog.Logger, capture enrich.Capture, labels []string) *enrich.Summary {
	if p.deps.Summarizer == nil || (capture.URL == "" && len(capture.Image) == 0) {
		return nil
	}
	s, err := p.deps.Summarizer.Summarize(ctx, enrich.SummaryRequest{
		ImageURL: capture.URL,
		Image:    capture.Image,
		Labels:   labels,
	})
	if err != nil {
		log.WarnContext(ctx, "ai summary failed", "error", err)
		return nil
	}
	return &s
}

// ChooseStats picks between AI-derived and scraped counts. The preferred source wins when it
// has data; the other one is the fallback.
func ChooseStats(preference string, ai *enrich.Summary, scraped []models.MonthCount) map[string]int {
	var fromAI, fromPage map[string]int
	if ai != nil && ai.Matched > 0 {
		fromAI = ai.Stats
	}
	if len(scraped) > 0 {
		fromPage = make(map[string]int, len(scraped))
		for _, mc := range scraped {
			fromPage[mc.Label] = mc.Count
		}
	}

	first, second := fromAI, fromPage
	if preference == StatsPreferScraped {
		first, second = fromPage, fromAI
	}
	switch {
	case first != nil:
		return first
	case second != nil:
		return second
	default:
		return map[string]int{}
	}
}
