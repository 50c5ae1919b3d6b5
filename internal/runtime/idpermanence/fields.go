package idpermanence

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"
)

func fieldSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return media == "application/json" || strings.HasSuffix(media, "+json")
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeJSON(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// transformFields applies fn to every non-empty string, or string array
// element, stored under one of the named keys at any depth. It returns the
// number of values replaced and stops at the first error.
func transformFields(node any, names map[string]struct{}, fn func(field, value string) (string, error)) (int, error) {
	changed := 0
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if _, ok := names[key]; ok {
				n, err := transformValue(v, key, child, fn)
				changed += n
				if err != nil {
					return changed, err
				}
				continue
			}
			n, err := transformFields(child, names, fn)
			changed += n
			if err != nil {
				return changed, err
			}
		}
	case []any:
		for _, child := range v {
			n, err := transformFields(child, names, fn)
			changed += n
			if err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

func transformValue(parent map[string]any, key string, value any, fn func(field, value string) (string, error)) (int, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		out, err := fn(key, v)
		if err != nil {
			return 0, err
		}
		if out == v {
			return 0, nil
		}
		parent[key] = out
		return 1, nil
	case []any:
		changed := 0
		for i, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				continue
			}
			out, err := fn(key, s)
			if err != nil {
				return changed, err
			}
			if out != s {
				v[i] = out
				changed++
			}
		}
		return changed, nil
	default:
		return 0, nil
	}
}
