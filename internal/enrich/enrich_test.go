package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricestat/internal/blob"
	"pricestat/internal/config"
)

var labels = []string{"июля-25", "августа-25"}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestHTTPCapturer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "OC90", body["article"])
		assert.Equal(t, "Mahle", body["brand"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"imageUrl":"https://cdn.example.com/c/1.png"}`))
	}))
	defer srv.Close()

	got, err := NewHTTPCapturer(srv.URL).Capture(context.Background(), CaptureRequest{Article: "OC90", Brand: "Mahle"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/c/1.png", got.URL)
	assert.Nil(t, got.Image)
}

func TestHTTPCapturerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "browser pool exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPCapturer(srv.URL).Capture(context.Background(), CaptureRequest{Article: "OC90"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestLocalCapturerDownscalesAndUploads(t *testing.T) {
	dir := t.TempDir()
	c := NewLocalCapturer(&blob.Local{BaseDir: dir}, 100)

	got, err := c.Capture(context.Background(), CaptureRequest{
		JobID:   "job-1",
		Row:     2,
		Article: "OC 90/1",
		Screenshot: func(context.Context) ([]byte, error) {
			return pngOf(t, 400, 200), nil
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got.URL, "charts/job-1/002-OC_90_1.png"), got.URL)

	stored, err := os.ReadFile(got.URL)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
	assert.Equal(t, stored, got.Image)
}

func TestDownscaleKeepsSmallImages(t *testing.T) {
	out, err := Downscale(pngOf(t, 80, 40), 100)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Width)

	_, err = Downscale([]byte("not an image"), 100)
	require.Error(t, err)
}

func TestHTTPSummarizerRestrictsKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ImageURL    string   `json:"imageUrl"`
			MonthLabels []string `json:"monthLabels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.example.com/c/1.png", body.ImageURL)
		assert.Equal(t, labels, body.MonthLabels)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":" Спрос растёт ","stats":{"августа-25":41.6,"сентября-25":7}}`))
	}))
	defer srv.Close()

	got, err := NewHTTPSummarizer(srv.URL).Summarize(context.Background(), SummaryRequest{
		ImageURL: "https://cdn.example.com/c/1.png",
		Labels:   labels,
	})
	require.NoError(t, err)
	assert.Equal(t, "Спрос растёт", got.Text)
	assert.Equal(t, map[string]int{"июля-25": 0, "августа-25": 42}, got.Stats)
	assert.Equal(t, 1, got.Matched)
}

func TestOpenAISummarizerSendsImageAndParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		raw, _ := readAll(r)
		assert.Contains(t, raw, "data:image/png;base64,")
		assert.Contains(t, raw, "json_object")

		content, _ := json.Marshal(`{"summary":"Пик в августе","stats":{"июля-25":3,"августа-25":9}}`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(content) + `}}]}`))
	}))
	defer srv.Close()

	s, err := NewOpenAISummarizer("test-key", "gpt-4o-mini", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	got, err := s.Summarize(context.Background(), SummaryRequest{Image: pngOf(t, 10, 10), Labels: labels})
	require.NoError(t, err)
	assert.Equal(t, "Пик в августе", got.Text)
	assert.Equal(t, map[string]int{"июля-25": 3, "августа-25": 9}, got.Stats)
	assert.Equal(t, 2, got.Matched)
}

func readAll(r *http.Request) (string, error) {
	buf := &bytes.Buffer{}
	_, err := buf.ReadFrom(r.Body)
	return buf.String(), err
}

func TestNewOpenAISummarizerRequiresKey(t *testing.T) {
	_, err := NewOpenAISummarizer("", "")
	require.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestModeSelection(t *testing.T) {
	c, err := NewCapturer(config.Config{CaptureMode: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewCapturer(config.Config{CaptureMode: "http"}, nil)
	require.Error(t, err)

	c, err = NewCapturer(config.Config{CaptureMode: "local", ChartMaxWidth: 800}, &blob.Local{BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalCapturer{}, c)

	s, err := NewSummarizer(config.Config{SummaryMode: "http", SummaryURL: "http://summary.local"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPSummarizer{}, s)

	_, err = NewSummarizer(config.Config{SummaryMode: "bogus"})
	require.Error(t, err)
}

func TestRestrictStats(t *testing.T) {
	v := 5.0
	stats, matched := RestrictStats(map[string]*float64{"июля-25": &v, "августа-25": nil, "x": &v}, labels)
	assert.Equal(t, map[string]int{"июля-25": 5, "августа-25": 0}, stats)
	assert.Equal(t, 2, matched)
}

func TestAbbreviateKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("ошибка ", 100)
	for _, n := range []int{10, 11, 12, 500} {
		got := abbreviate(body, n)
		assert.True(t, utf8.ValidString(got), "n=%d", n)
		assert.LessOrEqual(t, len(got), n)
		assert.True(t, strings.HasSuffix(got, "..."))
	}
	assert.Equal(t, "short", abbreviate("short", 500))
}
