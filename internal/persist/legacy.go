package persist

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Earlier snapshot revisions wrote camelCase keys (longName, lastSeen) and
// spelled coordinates out in full. Reads tolerate all of them; writes emit
// snake_case only.

// keyAliases maps whole legacy key names onto current ones, applied after
// case normalization. "altitude" stays: the packet archive uses it live.
var keyAliases = map[string]string{
	"latitude":  "lat",
	"longitude": "lon",
}

// normalizeKeys rewrites every object key in a JSON document from camelCase
// to snake_case. Keys already in snake_case pass through unchanged. On any
// parse trouble the input is returned as-is and the caller's unmarshal
// reports the real error.
func normalizeKeys(raw json.RawMessage) json.RawMessage {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[snakeCase(k)] = normalizeValue(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeValue(val)
		}
		return t
	default:
		return v
	}
}

func snakeCase(s string) string {
	// node-ID keys like "!4049c6f4" pass through untouched
	if strings.HasPrefix(s, "!") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	prevUpper := false
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && !prevUpper {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUpper = true
		} else {
			b.WriteRune(r)
			prevUpper = false
		}
	}
	out := b.String()
	if alias, ok := keyAliases[out]; ok {
		return alias
	}
	return out
}
