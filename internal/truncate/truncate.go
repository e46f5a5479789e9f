// Package truncate implements the APNs payload truncation algorithm: given
// a JSON-shaped payload and a byte budget, it chops whole UTF-8 code points
// off the largest "choppable" text field until the payload's JSON encoding
// fits, or reports that it cannot.
package truncate

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// ErrBodyTooLong is returned when the payload cannot be shrunk to fit
// max_bytes, either because it has no "aps" key or because every choppable
// field has been exhausted.
var ErrBodyTooLong = errors.New("truncate: payload exceeds the byte budget and cannot be shortened further")

// choppable identifies one sheddable text field inside aps.alert.
type choppable struct {
	kind  string // "alert", "alert.body", or "alert.loc-args"
	index int    // only meaningful for "alert.loc-args"
}

// Truncate returns a payload whose JSON encoding is at most maxBytes, by
// repeatedly chopping one whole UTF-8 code point off the longest choppable
// field (tie-break: first in enumeration order) until it fits. It returns
// ErrBodyTooLong if the payload has no "aps" key and is already over
// budget, or if every choppable field has been exhausted and it still
// doesn't fit.
func Truncate(payload map[string]interface{}, maxBytes int) (map[string]interface{}, error) {
	out := shallowCopy(payload)

	apsRaw, hasAps := out["aps"]
	if !hasAps {
		if encodedLen(out) > maxBytes {
			return nil, ErrBodyTooLong
		}
		return out, nil
	}

	aps, ok := apsRaw.(map[string]interface{})
	if !ok {
		if encodedLen(out) > maxBytes {
			return nil, ErrBodyTooLong
		}
		return out, nil
	}

	// Normalize every choppable field to a decoded string up front.
	for _, c := range choppablesFor(aps) {
		val := get(aps, c)
		if b, isBytes := val.([]byte); isBytes {
			put(aps, c, string(b))
		}
	}

	for encodedLen(out) > maxBytes {
		longest, found := longestChoppable(aps)
		if !found {
			return nil, ErrBodyTooLong
		}
		text, _ := get(aps, longest).(string)
		put(aps, longest, chopOneRune(text))
	}

	return out, nil
}

// chopOneRune removes exactly one whole UTF-8 code point from the end of s.
func chopOneRune(s string) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeLastRuneInString(s)
	return s[:len(s)-size]
}

func choppablesFor(aps map[string]interface{}) []choppable {
	alertRaw, ok := aps["alert"]
	if !ok {
		return nil
	}

	switch alert := alertRaw.(type) {
	case string:
		return []choppable{{kind: "alert"}}
	case map[string]interface{}:
		var ret []choppable
		if _, ok := alert["body"]; ok {
			ret = append(ret, choppable{kind: "alert.body"})
		}
		if locArgsRaw, ok := alert["loc-args"]; ok {
			if locArgs, ok := locArgsRaw.([]interface{}); ok {
				for i := range locArgs {
					ret = append(ret, choppable{kind: "alert.loc-args", index: i})
				}
			}
		}
		return ret
	default:
		return nil
	}
}

func get(aps map[string]interface{}, c choppable) interface{} {
	switch c.kind {
	case "alert":
		return aps["alert"]
	case "alert.body":
		alert, _ := aps["alert"].(map[string]interface{})
		if alert == nil {
			return nil
		}
		return alert["body"]
	case "alert.loc-args":
		alert, _ := aps["alert"].(map[string]interface{})
		if alert == nil {
			return nil
		}
		locArgs, _ := alert["loc-args"].([]interface{})
		if c.index >= len(locArgs) {
			return nil
		}
		return locArgs[c.index]
	}
	return nil
}

func put(aps map[string]interface{}, c choppable, val string) {
	switch c.kind {
	case "alert":
		aps["alert"] = val
	case "alert.body":
		if alert, ok := aps["alert"].(map[string]interface{}); ok {
			alert["body"] = val
		}
	case "alert.loc-args":
		if alert, ok := aps["alert"].(map[string]interface{}); ok {
			if locArgs, ok := alert["loc-args"].([]interface{}); ok && c.index < len(locArgs) {
				locArgs[c.index] = val
			}
		}
	}
}

func longestChoppable(aps map[string]interface{}) (choppable, bool) {
	var longest choppable
	found := false
	longestLen := 0
	for _, c := range choppablesFor(aps) {
		s, _ := get(aps, c).(string)
		l := len(s) // len() on a Go string is already its UTF-8 byte length.
		if l > longestLen {
			longest = c
			longestLen = l
			found = true
		}
	}
	return longest, found
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// encodedLen mirrors json_encode(payload) in the original: JSON-encode
// without HTML-escaping (ensure_ascii=False keeps UTF-8 text as-is rather
// than \uXXXX-escaping it) and measure the resulting byte length.
func encodedLen(payload map[string]interface{}) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return -1
	}
	// json.Encoder.Encode appends a trailing newline; the wire payload
	// never does, so exclude it from the byte budget.
	return buf.Len() - 1
}
