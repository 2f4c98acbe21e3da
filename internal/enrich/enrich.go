// Package enrich adds a chart image and an AI summary to a scraped row.
package enrich

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"

	"pricestat/internal/blob"
	"pricestat/internal/config"
)

// CaptureRequest identifies the row whose chart is captured. Screenshot reads the chart from the
// live page and is only used by in-process capturers.
type CaptureRequest struct {
	JobID      string
	Row        int
	Article    string
	Brand      string
	Screenshot func(ctx context.Context) ([]byte, error)
}

// Capture is a stored chart image. Image holds the PNG bytes when the capture happened in-process.
type Capture struct {
	URL   string
	Image []byte
}

type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (Capture, error)
}

// SummaryRequest asks for a description of a chart image and per-month counts read from it.
type SummaryRequest struct {
	ImageURL string
	Image    []byte
	Labels   []string
}

// Summary holds counts for exactly the requested labels. Matched is how many of them the
// service actually reported; zero means the stats carry no information.
type Summary struct {
	Text    string
	Stats   map[string]int
	Matched int
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (Summary, error)
}

const httpTimeout = 60 * time.Second

func newResty() *resty.Client {
	return resty.New().
		SetTimeout(httpTimeout).
		SetHeader("Content-Type", "application/json")
}

// NewCapturer returns the configured Capturer, or nil when capture is disabled.
func NewCapturer(cfg config.Config, uploader blob.Uploader) (Capturer, error) {
	switch cfg.CaptureMode {
	case "", "none":
		return nil, nil
	case "http":
		if cfg.CaptureURL == "" {
			return nil, fmt.Errorf("CAPTURE_URL is required for capture mode http")
		}
		return NewHTTPCapturer(cfg.CaptureURL), nil
	case "local":
		return NewLocalCapturer(uploader, cfg.ChartMaxWidth), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.CaptureMode)
	}
}

// NewSummarizer returns the configured Summarizer, or nil when summaries are disabled.
func NewSummarizer(cfg config.Config) (Summarizer, error) {
	switch cfg.SummaryMode {
	case "", "none":
		return nil, nil
	case "http":
		if cfg.SummaryURL == "" {
			return nil, fmt.Errorf("SUMMARY_URL is required for summary mode http")
		}
		return NewHTTPSummarizer(cfg.SummaryURL), nil
	case "openai":
		s, err := NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown summary mode %q", cfg.SummaryMode)
	}
}

// RestrictStats keeps exactly labels, defaulting missing or non-finite values to 0.
func RestrictStats(raw map[string]*float64, labels []string) (map[string]int, int) {
	out := make(map[string]int, len(labels))
	matched := 0
	for _, l := range labels {
		v, ok := raw[l]
		if !ok {
			out[l] = 0
			continue
		}
		matched++
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			out[l] = 0
			continue
		}
		out[l] = int(math.Round(*v))
	}
	return out, matched
}
