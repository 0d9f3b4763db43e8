package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// lookup resolves a dotted path through nested maps.
func lookup(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// first returns the first present value among paths, in order.
func first(m map[string]any, paths ...string) (any, bool) {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			return v, true
		}
	}
	return nil, false
}

// firstString returns the first non-blank scalar among paths, as a string.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		if s := strings.TrimSpace(cast.ToString(v)); s != "" {
			return s
		}
	}
	return ""
}

// toFloat accepts numbers and numeric strings, including "$1,299.99".
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		if dot, comma := strings.LastIndex(t, "."), strings.LastIndex(t, ","); dot >= 0 && comma > dot {
			// a decimal comma after a dot ("1.299,99") is not parsed
			return 0, false
		}
		s := nonNumeric.ReplaceAllString(t, "")
		s = strings.Trim(s, ".")
		if s == "" || s == "-" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		return f, err == nil
	case bool, map[string]any, []any:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

// toInt parses counts such as 1234, "1,234" or "1,234 ratings".
func toInt(v any) (int, bool) {
	if s, ok := v.(string); ok {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return 0, false
		}
		v = strings.ReplaceAll(fields[0], ",", "")
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func firstFloat(m map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func firstInt(m map[string]any, paths ...string) (int, bool) {
	for _, p := range paths {
		if v, ok := lookup(m, p); ok {
			if n, ok := toInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// leadingNumber extracts "4.5" from "4.5 out of 5 stars".
func leadingNumber(s string) (float64, bool) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return 0, false
	}
	return toFloat(fields[0])
}

func toBool(v any) bool {
	switch t := v.(type) {
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1" || strings.Contains(s, "verified")
	default:
		return cast.ToBool(v)
	}
}

// ValidURL reports whether s is an absolute http(s) URL.
func ValidURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func scalarString(v any) (string, bool) {
	switch v.(type) {
	case nil, map[string]any, []any:
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

var currencySymbols = []struct{ sym, code string }{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

// currencyFromString maps the leftmost known symbol in s to its code.
func currencyFromString(s string) string {
	code, at := "", -1
	for _, c := range currencySymbols {
		if i := strings.Index(s, c.sym); i >= 0 && (at < 0 || i < at) {
			code, at = c.code, i
		}
	}
	return code
}
