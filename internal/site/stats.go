package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod/lib/proto"

	"pricestat/internal/models"
	"pricestat/internal/strategy"
)

var (
	statsLinkText   = regexp.MustCompile(`(?i)статистик|спрос|запрос|statistic|stats`)
	statsLinkRegexJ = `/статистик|спрос|запрос|statistic|stats/i`
	statsHrefRe     = regexp.MustCompile(`(?i)(^|[/_=-])(stat(istic)?s?|demand|chart)([/_?.#=&-]|$)`)
	demandSeriesRe  = regexp.MustCompile(`(?i)запрос|поиск|просмотр`)
	tableLabelRe    = regexp.MustCompile(`(?i)^(\d{1,2}([./-]\d{2,4})?|\d{4}[./-]\d{1,2}|\p{L}{3,}\.?(\s*'?\d{2,4})?)$`)

	chartSelectors = []string{
		`.highcharts-container`,
		`svg.highcharts-root`,
		`[data-highcharts-chart]`,
		`canvas`,
	}
)

// FindStatsLink returns the href of the anchor that leads to the statistics view. Anchors whose
// text names the view win over anchors matched by their href alone.
func FindStatsLink(doc *goquery.Document) (string, bool) {
	var byText, byHref string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h, _ := a.Attr("href")
		h = strings.TrimSpace(h)
		if h == "" || strings.HasPrefix(h, "#") || strings.HasPrefix(strings.ToLower(h), "javascript:") {
			return true
		}
		if statsLinkText.MatchString(a.Text()) {
			byText = h
			return false
		}
		if byHref == "" && statsHrefRe.MatchString(h) {
			byHref = h
		}
		return true
	})
	if byText != "" {
		return byText, true
	}
	return byHref, byHref != ""
}

// FindStatsFrame returns the src of an embedded statistics frame.
func FindStatsFrame(doc *goquery.Document) (string, bool) {
	var src string
	doc.Find("iframe[src]").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		s, _ := f.Attr("src")
		if statsHrefRe.MatchString(s) {
			src = strings.TrimSpace(s)
			return false
		}
		return true
	})
	return src, src != ""
}

// OpenStats moves the session onto the monthly statistics view: a direct link, an embedded
// frame, or a link that opens a new tab.
func (a *Adapter) OpenStats(ctx context.Context) error {
	res, err := strategy.First(ctx, "open stats",
		strategy.Check("direct link", func(ctx context.Context) (bool, error) {
			doc, err := a.document(ctx)
			if err != nil {
				return false, err
			}
			href, ok := FindStatsLink(doc)
			if !ok {
				return false, nil
			}
			return true, a.sess.Navigate(ctx, href)
		}),
		strategy.Check("iframe", func(ctx context.Context) (bool, error) {
			doc, err := a.document(ctx)
			if err != nil {
				return false, err
			}
			src, ok := FindStatsFrame(doc)
			if !ok {
				return false, nil
			}
			return true, a.sess.Navigate(ctx, src)
		}),
		strategy.Check("new tab", a.openStatsTab),
	)
	if err != nil {
		return err
	}
	a.waitChart(ctx)
	slog.DebugContext(ctx, "stats view opened", "strategy", res.Name)
	return nil
}

func (a *Adapter) openStatsTab(ctx context.Context) (bool, error) {
	page := a.page(ctx).Timeout(a.sess.NavTimeout())
	has, el, err := page.HasR("a, button", statsLinkRegexJ)
	if err != nil || !has {
		return false, err
	}
	wait := page.WaitOpen()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click stats control: %w", err)
	}
	tab, err := wait()
	if err != nil {
		return false, fmt.Errorf("wait stats tab: %w", err)
	}
	if err := tab.Timeout(a.sess.NavTimeout()).WaitLoad(); err != nil {
		return false, fmt.Errorf("load stats tab: %w", err)
	}
	old := a.sess.Page
	a.sess.Page = tab
	_ = old.Close()
	return true, nil
}

// waitChart gives the chart a chance to render; a missing chart is handled by the table fallback.
func (a *Adapter) waitChart(ctx context.Context) {
	page := a.page(ctx).Timeout(a.sess.NavTimeout() / 3)
	_, _ = page.Element(strings.Join(append(chartSelectors, "table"), ", "))
}

// ChartScreenshot captures the chart element as PNG.
func (a *Adapter) ChartScreenshot(ctx context.Context) ([]byte, error) {
	page := a.page(ctx)
	for _, sel := range chartSelectors {
		has, el, err := page.Has(sel)
		if err != nil || !has {
			continue
		}
		img, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
		if err != nil {
			return nil, fmt.Errorf("screenshot %s: %w", sel, err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("chart element: %w", ErrNoStrategy)
}

// ChartSeries is one series as exposed by the chart library.
type ChartSeries struct {
	Name string     `json:"name"`
	Data []*float64 `json:"data"`
}

// Chart is a chart's category axis and series.
type Chart struct {
	Categories []string      `json:"categories"`
	Series     []ChartSeries `json:"series"`
}

const readChartsJS = `() => {
	const out = [];
	const H = window.Highcharts;
	if (!H || !H.charts) return JSON.stringify(out);
	for (const c of H.charts) {
		if (!c || !c.xAxis || !c.xAxis.length) continue;
		const cats = (c.xAxis[0].categories || []).map(String);
		const series = (c.series || []).map(s => ({
			name: String(s.name || ""),
			data: (s.yData || (s.data || []).map(p => p && p.y)).map(v => (v === null || v === undefined) ? null : Number(v)),
		}));
		out.push({categories: cats, series: series});
	}
	return JSON.stringify(out);
}`

// SelectChartSeries picks the demand series of the first chart with categories and pairs it with
// the category labels. A chart whose only series is unnamed still counts.
func SelectChartSeries(charts []Chart) ([]models.MonthCount, bool) {
	for _, c := range charts {
		if len(c.Categories) == 0 {
			continue
		}
		var picked *ChartSeries
		for i := range c.Series {
			if demandSeriesRe.MatchString(c.Series[i].Name) {
				picked = &c.Series[i]
				break
			}
		}
		if picked == nil && len(c.Series) == 1 {
			picked = &c.Series[0]
		}
		if picked == nil {
			continue
		}
		var out []models.MonthCount
		for i, label := range c.Categories {
			if i >= len(picked.Data) {
				break
			}
			count := 0
			if v := picked.Data[i]; v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
				count = int(math.Round(*v))
			}
			out = append(out, models.MonthCount{Label: label, Count: count})
		}
		return out, true
	}
	return nil, false
}

// ParseStatsTable reads rows whose first cell looks like a month and whose second cell is an
// integer.
func ParseStatsTable(doc *goquery.Document) []models.MonthCount {
	var out []models.MonthCount
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		label := strings.TrimSpace(cells.Eq(0).Text())
		if !tableLabelRe.MatchString(label) {
			return
		}
		count, err := parseCount(cells.Eq(1).Text())
		if err != nil {
			return
		}
		out = append(out, models.MonthCount{Label: label, Count: count})
	})
	return out
}

func parseCount(s string) (int, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t', '\n':
			return -1
		}
		return r
	}, s)
	return strconv.Atoi(s)
}

// RestrictToLabels normalizes raw labels and keeps only those in labels, in labels order.
// Labels missing from raw are omitted; a repeated label keeps its last value. Labels without a
// year are aligned with labels from the end, since a chart axis ends at its latest month.
func RestrictToLabels(raw []models.MonthCount, labels []string) []models.MonthCount {
	index := make(map[string]int, len(labels))
	months := make([]int, len(labels))
	for i, l := range labels {
		index[l] = i
		months[i], _, _, _ = models.ParseMonthLabel(l)
	}

	counts := make(map[int]int, len(labels))
	cursor := len(labels) - 1
	for i := len(raw) - 1; i >= 0; i-- {
		month, year, hasYear, ok := models.ParseMonthLabel(raw[i].Label)
		if !ok {
			continue
		}
		if hasYear {
			label, _ := models.FormatMonthLabel(month, year)
			if j, ok := index[label]; ok {
				if _, set := counts[j]; !set {
					counts[j] = raw[i].Count
				}
			}
			continue
		}
		for j := cursor; j >= 0; j-- {
			if months[j] == month {
				if _, set := counts[j]; !set {
					counts[j] = raw[i].Count
				}
				cursor = j - 1
				break
			}
		}
	}

	out := make([]models.MonthCount, 0, len(counts))
	for j, l := range labels {
		if c, ok := counts[j]; ok {
			out = append(out, models.MonthCount{Label: l, Count: c})
		}
	}
	return out
}

// chartStats and tableStats report NotFound when nothing survives RestrictToLabels, so an
// unrelated chart or table never hides the next source.
func chartStats(charts []Chart, labels []string) ([]models.MonthCount, strategy.Outcome) {
	points, ok := SelectChartSeries(charts)
	if !ok {
		return nil, strategy.NotFound
	}
	return restricted(points, labels)
}

func tableStats(doc *goquery.Document, labels []string) ([]models.MonthCount, strategy.Outcome) {
	return restricted(ParseStatsTable(doc), labels)
}

func restricted(points []models.MonthCount, labels []string) ([]models.MonthCount, strategy.Outcome) {
	if points = RestrictToLabels(points, labels); len(points) == 0 {
		return nil, strategy.NotFound
	}
	return points, strategy.Found
}

// MonthlyStats reads per-month counts from the chart, falling back to an HTML table.
func (a *Adapter) MonthlyStats(ctx context.Context, labels []string) ([]models.MonthCount, error) {
	res, err := strategy.First(ctx, "monthly stats",
		strategy.Strategy[[]models.MonthCount]{
			Name: "chart",
			Try: func(ctx context.Context) ([]models.MonthCount, strategy.Outcome, error) {
				obj, err := a.page(ctx).Eval(readChartsJS)
				if err != nil {
					return nil, strategy.NotFound, err
				}
				var charts []Chart
				if err := json.Unmarshal([]byte(obj.Value.Str()), &charts); err != nil {
					return nil, strategy.NotFound, fmt.Errorf("decode charts: %w", err)
				}
				points, outcome := chartStats(charts, labels)
				return points, outcome, nil
			},
		},
		strategy.Strategy[[]models.MonthCount]{
			Name: "table",
			Try: func(ctx context.Context) ([]models.MonthCount, strategy.Outcome, error) {
				doc, err := a.document(ctx)
				if err != nil {
					return nil, strategy.NotFound, err
				}
				points, outcome := tableStats(doc, labels)
				return points, outcome, nil
			},
		},
	)
	if errors.Is(err, ErrNoStrategy) {
		return []models.MonthCount{}, nil
	}
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
