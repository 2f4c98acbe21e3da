package site

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"pricestat/internal/strategy"
)

var searchInputSelectors = []string{
	`input[type="search"]`,
	`input[name="pcode"]`,
	`input[name="q"]`,
	`input[name="search"]`,
	`header input[type="text"]`,
}

// ExpandTemplate fills {article} and {brand} with query-escaped values. ok is false when the
// template needs a brand and none is given.
func ExpandTemplate(tmpl, article, brand string) (string, bool) {
	if strings.Contains(tmpl, "{brand}") && strings.TrimSpace(brand) == "" {
		return "", false
	}
	r := strings.NewReplacer(
		"{article}", url.QueryEscape(strings.TrimSpace(article)),
		"{brand}", url.QueryEscape(strings.TrimSpace(brand)),
	)
	return r.Replace(tmpl), true
}

// Search loads the result page for article, trying each URL template and then the site's own
// search box.
func (a *Adapter) Search(ctx context.Context, article, brand string) error {
	var tries []strategy.Strategy[struct{}]
	for _, tmpl := range a.opts.SearchTemplates {
		target, ok := ExpandTemplate(tmpl, article, brand)
		if !ok {
			continue
		}
		tries = append(tries, strategy.Check("url "+tmpl, func(ctx context.Context) (bool, error) {
			if err := a.sess.Navigate(ctx, target); err != nil {
				return false, err
			}
			return true, nil
		}))
	}
	tries = append(tries, strategy.Check("search input", func(ctx context.Context) (bool, error) {
		return a.searchViaInput(ctx, article)
	}))

	res, err := strategy.First(ctx, "search "+article, tries...)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "search loaded", "article", article, "strategy", res.Name)
	return nil
}

func (a *Adapter) searchViaInput(ctx context.Context, article string) (bool, error) {
	if err := a.sess.Navigate(ctx, "/"); err != nil {
		return false, err
	}
	page := a.page(ctx).Timeout(a.sess.NavTimeout())
	for _, sel := range searchInputSelectors {
		has, el, err := page.Has(sel)
		if err != nil || !has {
			continue
		}
		if err := el.SelectAllText(); err != nil {
			return false, err
		}
		if err := el.Input(article); err != nil {
			return false, fmt.Errorf("type article: %w", err)
		}
		wait := page.WaitNavigation(proto.PageLifecycleEventNameLoad)
		if err := el.Type(input.Enter); err != nil {
			return false, fmt.Errorf("submit search: %w", err)
		}
		wait()
		return true, nil
	}
	return false, nil
}
