package site

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricestat/internal/models"
	"pricestat/internal/session"
)

// browserOrSkip returns a local Chromium binary or skips. SITE_BROWSER_TESTS must be set so
// plain `go test` runs never start a browser.
func browserOrSkip(t *testing.T) string {
	t.Helper()
	if os.Getenv("SITE_BROWSER_TESTS") == "" {
		t.Skip("SITE_BROWSER_TESTS not set, skipping browser integration test")
	}
	if bin := os.Getenv("BROWSER_BIN"); bin != "" {
		return bin
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no chromium found, skipping browser integration test")
	}
	return bin
}

// fakeSite serves a tiny catalogue with a login form, a search box, result grids and two kinds
// of statistics views. It records what the browser did so tests can tell which path was taken.
type fakeSite struct {
	mu     sync.Mutex
	events []string
	paths  []string
}

func (f *fakeSite) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSite) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeSite) Requested(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

const loginPage = `<html><body>
<form method="post" action="/login">
  <input type="text" name="login">
  <input type="password" name="password">
  <button type="submit" name="via" value="button">Войти</button>
</form>
<script>
document.querySelector('input[name=password]').addEventListener('keydown', function (e) {
  if (e.key === 'Enter') { e.preventDefault(); fetch('/event?e=enter'); }
});
</script>
</body></html>`

const homePage = `<html><body>
<a href="/logout">Выход</a>
<form action="/find"><input type="search" name="q"></form>
</body></html>`

func resultsPage(article, extra string) string {
	return fmt.Sprintf(`<html><body>
<a href="/logout">Выход</a>
<a href="/static/help.html">Справка</a>
<table class="search-results"><tbody>
  <tr><td class="brand">Knecht</td><td class="article">%[1]s</td><td class="price">1 250 ₽</td></tr>
  <tr><td class="brand">Knecht</td><td class="article">%[1]s</td><td class="price">1 310,50 ₽</td></tr>
</tbody></table>
%[2]s
</body></html>`, article, extra)
}

const tableStatsPage = `<html><body>
<a href="/logout">Выход</a>
<table><tr><td>Июль 2025</td><td>12</td></tr><tr><td>Август 2025</td><td>7</td></tr></table>
</body></html>`

const chartStatsPage = `<html><body>
<a href="/logout">Выход</a>
<div class="highcharts-container" style="width:320px;height:160px;background:#36c"></div>
<script>
window.Highcharts = {charts: [{
  xAxis: [{categories: ["Июл", "Авг"]}],
  series: [{name: "Показы", yData: [1, 2]}, {name: "Запросы", yData: [40.4, 55.6]}]
}]};
</script>
</body></html>`

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.RequestURI())
	f.mu.Unlock()

	_, err := r.Cookie("sid")
	authed := err == nil
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	switch {
	case r.URL.Path == "/event":
		f.record(r.URL.Query().Get("e"))
	case r.URL.Path == "/login" && r.Method == http.MethodPost:
		_ = r.ParseForm()
		if r.PostForm.Get("login") != "buyer" || r.PostForm.Get("password") != "secret" {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		f.record("submit:" + r.PostForm.Get("via"))
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case r.URL.Path == "/login":
		_, _ = w.Write([]byte(loginPage))
	case !authed:
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	case r.URL.Path == "/":
		_, _ = w.Write([]byte(homePage))
	case r.URL.Path == "/find":
		q := r.URL.Query().Get("q")
		link := fmt.Sprintf(`<a href="/item/%s/demand">График</a><iframe src="/frame/%s/stats"></iframe>`, q, q)
		_, _ = w.Write([]byte(resultsPage(q, link)))
	case r.URL.Path == "/search/":
		pcode := r.URL.Query().Get("pcode")
		frame := fmt.Sprintf(`<iframe src="/frame/%s/stats"></iframe>`, pcode)
		_, _ = w.Write([]byte(resultsPage(pcode, frame)))
	case strings.HasSuffix(r.URL.Path, "/demand"):
		_, _ = w.Write([]byte(tableStatsPage))
	case strings.HasPrefix(r.URL.Path, "/frame/"):
		_, _ = w.Write([]byte(chartStatsPage))
	default:
		http.NotFound(w, r)
	}
}

func currentURL(t *testing.T, c Client) string {
	t.Helper()
	info, err := c.(*Adapter).sess.Page.Info()
	require.NoError(t, err)
	return info.URL
}

func TestBrowserWorkflowFallbacks(t *testing.T) {
	bin := browserOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fake := &fakeSite{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sessions := session.NewManager(session.Options{
		BaseURL:    srv.URL,
		LoginPath:  "/login",
		Username:   "buyer",
		Password:   "secret",
		CookieTTL:  time.Hour,
		NavTimeout: 6 * time.Second,
	}, session.NewMemoryCookieStore(), session.ChromeLauncher(bin, true))
	l := NewLauncher(sessions, Options{SearchTemplates: []string{"/search/?pcode={article}&brand={brand}"}})
	labels := []string{"июля-25", "августа-25"}

	t.Run("enter is swallowed so the submit button logs in", func(t *testing.T) {
		c, err := l.Open(ctx)
		require.NoError(t, err)
		defer func() { _ = c.Close(ctx) }()

		assert.Equal(t, []string{"enter", "submit:button"}, fake.Events())

		t.Run("no brand skips the url template for the search box", func(t *testing.T) {
			require.NoError(t, c.Search(ctx, "OC90", ""))
			assert.True(t, fake.Requested("/find?q=OC90"))
			assert.False(t, fake.Requested("/search/"))

			prices, err := c.TopOffers(ctx, "", "OC90")
			require.NoError(t, err)
			assert.Equal(t, []float64{1250, 1310.5}, prices)
		})

		t.Run("direct link wins over the iframe and the table is read", func(t *testing.T) {
			require.NoError(t, c.OpenStats(ctx))
			assert.True(t, strings.HasSuffix(currentURL(t, c), "/item/OC90/demand"), currentURL(t, c))

			points, err := c.MonthlyStats(ctx, labels)
			require.NoError(t, err)
			assert.Equal(t, []models.MonthCount{{Label: "июля-25", Count: 12}, {Label: "августа-25", Count: 7}}, points)
		})
	})

	t.Run("saved cookies skip the login form", func(t *testing.T) {
		c, err := l.Open(ctx)
		require.NoError(t, err)
		defer func() { _ = c.Close(ctx) }()

		assert.Len(t, fake.Events(), 2)

		t.Run("url template is used when a brand is given", func(t *testing.T) {
			require.NoError(t, c.Search(ctx, "W712", "Mann"))
			assert.True(t, strings.Contains(currentURL(t, c), "/search/?pcode=W712&brand=Mann"), currentURL(t, c))
		})

		t.Run("iframe is opened when there is no stats link", func(t *testing.T) {
			require.NoError(t, c.OpenStats(ctx))
			assert.True(t, strings.HasSuffix(currentURL(t, c), "/frame/W712/stats"), currentURL(t, c))

			points, err := c.MonthlyStats(ctx, labels)
			require.NoError(t, err)
			assert.Equal(t, []models.MonthCount{{Label: "июля-25", Count: 40}, {Label: "августа-25", Count: 56}}, points)

			png, err := c.ChartScreenshot(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, png)
		})
	})
}
