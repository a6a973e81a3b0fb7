package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	hundred       = decimal.NewFromInt(100)
	placeholderRe = regexp.MustCompile(`\{\s*([A-Za-z0-9_.\-]+)\s*\}`)
)

// isoLayouts 可识别的 ISO-8601 格式，无时区时按 UTC 处理
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Caser 有状态，不能在 goroutine 之间共享
func upper(s string) string { return cases.Upper(language.Und).String(s) }

func lower(s string) string { return cases.Lower(language.Und).String(s) }

func mapString(v any, fn func(string) string) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return fn(s), nil
}

func splitName(v any, part string) (any, error) {
	if v == nil {
		return "", nil
	}
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(s)
	switch part {
	case "first":
		if len(fields) > 0 {
			return fields[0], nil
		}
	case "last":
		if len(fields) > 1 {
			return fields[len(fields)-1], nil
		}
	case "middle":
		if len(fields) > 2 {
			return strings.Join(fields[1:len(fields)-1], " "), nil
		}
	default:
		return nil, fmt.Errorf("unknown name part %q", part)
	}
	return "", nil
}

func enumMap(v any, table any) any {
	key, err := asString(v)
	if v == nil || err != nil {
		return v
	}
	switch t := table.(type) {
	case map[string]any:
		if mapped, ok := t[key]; ok {
			return mapped
		}
	case map[string]string:
		if mapped, ok := t[key]; ok {
			return mapped
		}
	}
	return v
}

func isoToUnix(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected ISO-8601 string, got %T", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as ISO-8601 date", s)
}

func unixToISO(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot parse epoch seconds: %w", err)
	}
	// RFC 3339 只能表示 0001..9999 年
	if d.LessThan(minEpoch) || d.GreaterThan(maxEpoch) {
		return nil, fmt.Errorf("epoch seconds %s outside years 0001-9999", d.String())
	}
	return time.Unix(d.IntPart(), 0).UTC().Format(time.RFC3339), nil
}

var (
	minEpoch = decimal.NewFromInt(time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	maxEpoch = decimal.NewFromInt(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix())
)

func currencyConvert(v any, fromCents, toCents bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	switch {
	case fromCents && !toCents:
		f, _ := d.Div(hundred).Float64()
		return f, nil
	case toCents && !fromCents:
		return d.Mul(hundred).Round(0).IntPart(), nil
	}
	return v, nil
}

func concat(data map[string]any, fields []string, sep string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, _ := Lookup(data, f)
		parts = append(parts, stringify(v))
	}
	return strings.Join(parts, sep)
}

func renderTemplate(data map[string]any, tpl string) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, _ := Lookup(data, name)
		return stringify(v)
	})
}
