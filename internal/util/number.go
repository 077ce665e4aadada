package util

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	reThousandsDot   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+$`)
	reThousandsComma = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+$`)
)

var ErrNotNumeric = errors.New("not a number")

// ParseNumber coerces a raw attribute into a float. Strings may use a decimal
// comma, spaces or NBSP as thousands separators, and a trailing currency sign.
func ParseNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return parseNumericString(t)
	default:
		return 0, ErrNotNumeric
	}
}

func parseNumericString(input string) (float64, error) {
	s := strings.ReplaceAll(input, "\u00A0", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimRight(s, "₽$€р.")
	if s == "" {
		return 0, ErrNotNumeric
	}
	s = normalizeNumericToken(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	return f, nil
}

func normalizeNumericToken(token string) string {
	if reThousandsDot.MatchString(token) {
		return strings.ReplaceAll(token, ".", "")
	}
	if reThousandsComma.MatchString(token) {
		return strings.ReplaceAll(token, ",", "")
	}
	if strings.Contains(token, ",") && !strings.Contains(token, ".") {
		return strings.ReplaceAll(token, ",", ".")
	}
	return token
}
