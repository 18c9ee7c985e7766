// Package flexjson reads JSON objects whose field names and value types vary
// between producers, such as spreadsheet exports and third-party services.
package flexjson

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Fields is a decoded JSON object keyed by field name.
type Fields map[string]json.RawMessage

// Decode parses data as a JSON object.
func Decode(data []byte) (Fields, error) {
	f := make(Fields)
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Merge copies the members of the object stored under key into f without
// overriding fields f already has.
func (f Fields) Merge(key string) {
	nested, ok := f[key]
	if !ok {
		return
	}
	inner := make(Fields)
	if err := json.Unmarshal(nested, &inner); err != nil {
		return
	}
	for k, v := range inner {
		if _, exists := f[k]; !exists {
			f[k] = v
		}
	}
}

// String returns the first non-empty value found under keys. Numbers are
// formatted without exponent.
func (f Fields) String(keys ...string) string {
	for _, key := range keys {
		val, ok := f[key]
		if !ok || isNull(val) {
			continue
		}
		var decoded string
		if err := json.Unmarshal(val, &decoded); err == nil {
			if decoded = strings.TrimSpace(decoded); decoded != "" {
				return decoded
			}
			continue
		}
		var number float64
		if err := json.Unmarshal(val, &number); err == nil {
			return strconv.FormatFloat(number, 'f', -1, 64)
		}
	}
	return ""
}

// Number returns the first numeric value found under keys. Strings are read
// with ParseAmount. The second result is false when no key held a number, so
// an explicit zero can be told apart from a missing field.
func (f Fields) Number(keys ...string) (float64, bool) {
	for _, key := range keys {
		val, ok := f[key]
		if !ok || isNull(val) {
			continue
		}
		var decoded float64
		if err := json.Unmarshal(val, &decoded); err == nil {
			return decoded, true
		}
		var str string
		if err := json.Unmarshal(val, &str); err == nil {
			if parsed, ok := ParseAmount(str); ok {
				return parsed, true
			}
		}
	}
	return 0, false
}

// ParseAmount reads a money amount such as "$45.000", "1.250.000,50",
// "12,500.50" or "12500.50". When both separators appear the last one is the
// decimal mark. A single separator followed by exactly three digits, or a
// separator that repeats, groups thousands.
func ParseAmount(s string) (float64, bool) {
	s = strings.NewReplacer("$", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	decimal := -1
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal = max(lastDot, lastComma)
	case lastDot >= 0:
		decimal = decimalIndex(s, '.', lastDot)
	case lastComma >= 0:
		decimal = decimalIndex(s, ',', lastComma)
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == ',' {
			if i == decimal {
				b.WriteByte('.')
			}
			continue
		}
		b.WriteByte(c)
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func decimalIndex(s string, sep byte, last int) int {
	if strings.IndexByte(s, sep) != last || len(s)-last-1 == 3 {
		return -1
	}
	return last
}

func isNull(val json.RawMessage) bool {
	return strings.TrimSpace(string(val)) == "null"
}
