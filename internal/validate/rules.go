package validate

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Built-in validator kinds.
const (
	KindPort   = "port"
	KindURL    = "url"
	KindPath   = "path"
	KindNumber = "number"
	KindText   = "text"
	KindSelect = "select"
)

// Port bounds.
const (
	MinPort = 1
	MaxPort = 65535
)

// Port parses and checks a TCP port. The returned port is zero when the
// result is invalid.
func Port(value string) (int, Result) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, invalid("Port is required")
	}
	port, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, invalid("Port must be a number")
	}
	if port < MinPort || port > MaxPort {
		return 0, invalid(fmt.Sprintf("Port must be between %d and %d", MinPort, MaxPort))
	}
	return port, valid()
}

func portValidator(value string, _ Context) Result {
	_, res := Port(value)
	return res
}

func urlValidator(value string, _ Context) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return invalid("URL is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return invalid("Please enter a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("URL must start with http:// or https://")
	}
	return valid()
}

func pathValidator(value string, _ Context) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return invalid("Path is required")
	}
	if strings.ContainsAny(trimmed, "<>\"|?*") {
		return invalid("Path contains invalid characters")
	}
	for _, r := range trimmed {
		if r < 0x20 {
			return invalid("Path contains invalid characters")
		}
	}
	return valid()
}

func numberValidator(value string, ctx Context) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return invalid("Value is required")
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return invalid("Value must be a number")
	}
	if lo, ok := ctxFloat(ctx, "min"); ok && n < lo {
		return invalid(fmt.Sprintf("Value must be at least %s", formatNumber(lo)))
	}
	if hi, ok := ctxFloat(ctx, "max"); ok && n > hi {
		return invalid(fmt.Sprintf("Value must be at most %s", formatNumber(hi)))
	}
	return valid()
}

func textValidator(value string, ctx Context) Result {
	length := len([]rune(value))
	if lo, ok := ctxFloat(ctx, "minLength"); ok && float64(length) < lo {
		return invalid(fmt.Sprintf("Must be at least %d characters", int(lo)))
	}
	if hi, ok := ctxFloat(ctx, "maxLength"); ok && float64(length) > hi {
		return invalid(fmt.Sprintf("Must be at most %d characters", int(hi)))
	}
	return valid()
}

func selectValidator(value string, ctx Context) Result {
	options, _ := ctx["options"].([]string)
	if len(options) == 0 {
		return valid()
	}
	if !slices.Contains(options, value) {
		return invalid("Please select a valid option")
	}
	return valid()
}

func ctxFloat(ctx Context, key string) (float64, bool) {
	raw, ok := ctx[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
