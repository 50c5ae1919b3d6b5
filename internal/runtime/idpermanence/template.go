package idpermanence

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ResourceTemplate is a path pattern such as /banking/accounts/{accountId}
// whose parameters hold encrypted identifiers. A template also matches longer
// paths that start with it, so /banking/accounts/{accountId} covers
// /banking/accounts/{accountId}/balance.
type ResourceTemplate struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	param   string
}

// ParseTemplate compiles a template. Parameters are written {name}.
func ParseTemplate(raw string) (ResourceTemplate, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "/") {
		return ResourceTemplate{}, fmt.Errorf("idpermanence: template %q must start with /", raw)
	}
	parts := splitPath(trimmed)
	segs := make([]segment, 0, len(parts))
	params := 0
	seen := map[string]struct{}{}
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := strings.TrimSpace(part[1 : len(part)-1])
			if name == "" {
				return ResourceTemplate{}, fmt.Errorf("idpermanence: template %q has an empty parameter", raw)
			}
			if _, dup := seen[name]; dup {
				return ResourceTemplate{}, fmt.Errorf("idpermanence: template %q repeats parameter %q", raw, name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{param: name})
			params++
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return ResourceTemplate{}, fmt.Errorf("idpermanence: template %q has a malformed segment %q", raw, part)
		}
		segs = append(segs, segment{literal: part})
	}
	if params == 0 {
		return ResourceTemplate{}, fmt.Errorf("idpermanence: template %q has no parameters", raw)
	}
	return ResourceTemplate{raw: trimmed, segments: segs}, nil
}

// String returns the template source.
func (t ResourceTemplate) String() string { return t.raw }

// Match reports whether path starts with the template and returns the raw
// parameter values in template order.
func (t ResourceTemplate) Match(path string) ([]Param, bool) {
	parts := splitPath(path)
	if len(parts) < len(t.segments) {
		return nil, false
	}
	var params []Param
	for i, seg := range t.segments {
		if seg.param == "" {
			if parts[i] != seg.literal {
				return nil, false
			}
			continue
		}
		if parts[i] == "" {
			return nil, false
		}
		params = append(params, Param{Name: seg.param, Index: i, Value: parts[i]})
	}
	return params, true
}

// Param is one matched template parameter. Index is the segment position.
type Param struct {
	Name  string
	Index int
	Value string
}

// Templates is an ordered set of resource templates.
type Templates []ResourceTemplate

// ParseTemplates compiles every template, most specific first.
func ParseTemplates(raw []string) (Templates, error) {
	out := make(Templates, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		t, err := ParseTemplate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].segments) > len(out[j].segments)
	})
	return out, nil
}

// Match returns the most specific template matching path.
func (ts Templates) Match(path string) (ResourceTemplate, []Param, bool) {
	for _, t := range ts {
		if params, ok := t.Match(path); ok {
			return t, params, true
		}
	}
	return ResourceTemplate{}, nil, false
}

// Substitute rebuilds path with the parameter segments replaced by
// replacements (keyed by segment index). Values are path-escaped.
func Substitute(path string, replacements map[int]string) string {
	parts := splitPath(path)
	for idx, value := range replacements {
		if idx >= 0 && idx < len(parts) {
			parts[idx] = url.PathEscape(value)
		}
	}
	out := "/" + strings.Join(parts, "/")
	if strings.HasSuffix(path, "/") && len(parts) > 0 {
		out += "/"
	}
	return out
}

func splitPath(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(trimmed, "/"), "/")
}
