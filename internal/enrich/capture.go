package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	"pricestat/internal/blob"
)

// HTTPCapturer asks the remote capture service to render and store the chart.
type HTTPCapturer struct {
	endpoint string
	http     *resty.Client
}

func NewHTTPCapturer(endpoint string) *HTTPCapturer {
	return &HTTPCapturer{endpoint: endpoint, http: newResty()}
}

func (c *HTTPCapturer) Capture(ctx context.Context, req CaptureRequest) (Capture, error) {
	var resp struct {
		ImageURL string `json:"imageUrl"`
	}
	r, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"article": req.Article, "brand": req.Brand}).
		SetResult(&resp).
		Post(c.endpoint)
	if err != nil {
		return Capture{}, fmt.Errorf("capture request: %w", err)
	}
	if r.IsError() {
		return Capture{}, fmt.Errorf("capture: %s; body: %s", r.Status(), abbreviate(r.String(), 500))
	}
	if resp.ImageURL == "" {
		return Capture{}, errors.New("capture: empty imageUrl")
	}
	return Capture{URL: resp.ImageURL}, nil
}

// LocalCapturer screenshots the chart from the live page, shrinks it to maxWidth and uploads it.
type LocalCapturer struct {
	uploader blob.Uploader
	maxWidth int
}

func NewLocalCapturer(uploader blob.Uploader, maxWidth int) *LocalCapturer {
	return &LocalCapturer{uploader: uploader, maxWidth: maxWidth}
}

func (c *LocalCapturer) Capture(ctx context.Context, req CaptureRequest) (Capture, error) {
	if req.Screenshot == nil {
		return Capture{}, errors.New("capture: no page to screenshot")
	}
	raw, err := req.Screenshot(ctx)
	if err != nil {
		return Capture{}, err
	}
	img, err := Downscale(raw, c.maxWidth)
	if err != nil {
		return Capture{}, err
	}
	ref, err := c.uploader.Upload(ctx, ChartKey(req), img, "image/png")
	if err != nil {
		return Capture{}, fmt.Errorf("upload chart: %w", err)
	}
	return Capture{URL: ref, Image: img}, nil
}

// Downscale re-encodes a screenshot as PNG no wider than maxWidth, keeping the aspect ratio.
func Downscale(raw []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

// ChartKey is the blob key of a row's chart image.
func ChartKey(req CaptureRequest) string {
	article := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			return r
		}
		return '_'
	}, req.Article)
	return fmt.Sprintf("charts/%s/%03d-%s.png", req.JobID, req.Row, article)
}

// abbreviate caps s at n bytes without splitting a rune.
func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
