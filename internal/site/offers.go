package site

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// OfferLayout names the selectors of one known result-table layout. Cell selectors are
// evaluated relative to a row.
type OfferLayout struct {
	Rows    string
	Brand   string
	Article string
	Price   string
}

// DefaultOfferLayouts cover the result grids seen on the site so far, newest first.
var DefaultOfferLayouts = []OfferLayout{
	{Rows: `table.search-results tbody tr`, Brand: `.brand`, Article: `.article`, Price: `.price`},
	{Rows: `[data-offer]`, Brand: `[data-brand]`, Article: `[data-article]`, Price: `[data-price]`},
	{Rows: `.offers .offer`, Brand: `.offer__brand`, Article: `.offer__code`, Price: `.offer__price`},
	{Rows: `table.results tr`, Brand: `td:nth-child(1)`, Article: `td:nth-child(2)`, Price: `td:nth-child(4)`},
}

// ExtractTopOffers returns up to limit prices, in page order, from the first layout that matches
// any rows. brand is a case-insensitive substring filter; article must match exactly, ignoring
// case. Empty filters match everything. Rows without a parseable price are skipped.
func ExtractTopOffers(doc *goquery.Document, layouts []OfferLayout, brand, article string, limit int) []float64 {
	brand = strings.ToLower(strings.TrimSpace(brand))
	article = strings.TrimSpace(article)
	prices := []float64{}

	for _, layout := range layouts {
		rows := doc.Find(layout.Rows)
		if rows.Length() == 0 {
			continue
		}
		rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
			if brand != "" && !strings.Contains(strings.ToLower(cellText(row, layout.Brand)), brand) {
				return true
			}
			if article != "" && !strings.EqualFold(cellText(row, layout.Article), article) {
				return true
			}
			if p, ok := ParsePrice(cellText(row, layout.Price)); ok {
				prices = append(prices, p)
			}
			return len(prices) < limit
		})
		return prices
	}
	return prices
}

func cellText(row *goquery.Selection, sel string) string {
	s := row.Find(sel).First()
	if s.Length() == 0 {
		if v, ok := row.Attr(strings.Trim(sel, "[]")); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	text := strings.TrimSpace(s.Text())
	if text == "" {
		if v, ok := s.Attr(strings.Trim(sel, "[]")); ok {
			return strings.TrimSpace(v)
		}
	}
	return text
}

// Grouping separators only count when followed by exactly three digits, so a trailing quantity
// such as "3 дня" is not glued onto the price.
var priceTokenRe = regexp.MustCompile(`\d{1,3}(?:[\s\x{00a0}\x{202f}.,']\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`)

// ParsePrice reads the first numeric token of text, e.g. "1 234,50 ₽" -> 1234.5.
func ParsePrice(text string) (float64, bool) {
	tok := priceTokenRe.FindString(text)
	if tok == "" {
		return 0, false
	}
	var b strings.Builder
	for _, r := range tok {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := strings.TrimRight(b.String(), ".,")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = decimalOrGrouping(s, ",")
	case lastDot >= 0:
		s = decimalOrGrouping(s, ".")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// decimalOrGrouping treats a single separator followed by one or two digits as the decimal mark
// and anything else as digit grouping.
func decimalOrGrouping(s, sep string) string {
	if strings.Count(s, sep) == 1 {
		if frac := len(s) - strings.Index(s, sep) - 1; frac > 0 && frac <= 2 {
			return strings.Replace(s, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(s, sep, "")
}
