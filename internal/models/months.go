package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var genitiveMonths = [12]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// monthStems match nominative, genitive and abbreviated month names.
var monthStems = [12]string{
	"янв", "фев", "мар", "апр", "ма", "июн",
	"июл", "авг", "сен", "окт", "ноя", "дек",
}

// MonthLabel formats t as "<genitive month>-<yy>", e.g. "августа-25".
func MonthLabel(t time.Time) string {
	return fmt.Sprintf("%s-%02d", genitiveMonths[t.Month()-1], t.Year()%100)
}

// MonthLabels returns one label per month in [from, to] inclusive. Days are ignored.
func MonthLabels(from, to time.Time) []string {
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		out = append(out, MonthLabel(m))
	}
	return out
}

// ParsePeriod accepts YYYY-MM-DD or YYYY-MM and returns the first day of that month.
func ParsePeriod(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid period %q: want YYYY-MM or YYYY-MM-DD", s)
}

var (
	bareMonthRe    = regexp.MustCompile(`^(\d{1,2})$`)
	numericMonthRe = regexp.MustCompile(`^(\d{1,2})[./-](\d{2}|\d{4})$`)
	isoMonthRe     = regexp.MustCompile(`^(\d{4})[./-](\d{1,2})$`)
	namedMonthRe   = regexp.MustCompile(`^([\p{L}]+)\.?[\s-]*'?(\d{2}|\d{4})?$`)
)

// NormalizeMonthLabel maps chart/table labels such as "Август 2025", "авг. 25", "08.2025",
// "2025-08", "8" or "августа-25" onto MonthLabel form. Labels without a year use defaultYear.
func NormalizeMonthLabel(raw string, defaultYear int) (string, bool) {
	month, year, hasYear, ok := ParseMonthLabel(raw)
	if !ok {
		return "", false
	}
	if !hasYear {
		year = defaultYear
	}
	return FormatMonthLabel(month, year)
}

// ParseMonthLabel splits a chart/table label into its month and year. hasYear is false for
// labels that name only a month, such as "Ноя" or "8".
func ParseMonthLabel(raw string) (month, year int, hasYear, ok bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, 0, false, false
	}

	switch {
	case bareMonthRe.MatchString(s):
		month, _ = strconv.Atoi(s)
	case numericMonthRe.MatchString(s):
		m := numericMonthRe.FindStringSubmatch(s)
		month, _ = strconv.Atoi(m[1])
		year, _ = strconv.Atoi(m[2])
		hasYear = true
	case isoMonthRe.MatchString(s):
		m := isoMonthRe.FindStringSubmatch(s)
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		hasYear = true
	case namedMonthRe.MatchString(s):
		m := namedMonthRe.FindStringSubmatch(s)
		month = monthFromName(m[1])
		if m[2] != "" {
			year, _ = strconv.Atoi(m[2])
			hasYear = true
		}
	}
	if month < 1 || month > 12 {
		return 0, 0, false, false
	}
	return month, year, hasYear, true
}

func monthFromName(name string) int {
	// "май"/"мая" would also match the "ма" stem of "март"/"марта", so check "мар" first.
	if strings.HasPrefix(name, "мар") {
		return 3
	}
	for i, stem := range monthStems {
		if strings.HasPrefix(name, stem) {
			return i + 1
		}
	}
	return 0
}

// FormatMonthLabel renders month (1-12) of year in MonthLabel form.
func FormatMonthLabel(month, year int) (string, bool) {
	if month < 1 || month > 12 || year < 0 {
		return "", false
	}
	return fmt.Sprintf("%s-%02d", genitiveMonths[month-1], year%100), true
}
