package routing

import "strings"

// pathPattern is a route path with {placeholder} segments, e.g.
// /inventory/api/items/{item_id}. A placeholder matches any single non-empty
// segment.
type pathPattern struct {
	source string
	parts  []string
}

func compilePathPattern(raw string) (pathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return pathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return pathPattern{}, false
	}

	parts := pathSegments(raw)
	for _, seg := range parts {
		if seg == "" {
			return pathPattern{}, false
		}
		if strings.ContainsAny(seg, "{}") && !isPlaceholder(seg) {
			return pathPattern{}, false
		}
	}
	return pathPattern{source: raw, parts: parts}, true
}

func (p pathPattern) Match(path string) bool {
	if p.source == "" {
		return false
	}
	segs := pathSegments(path)
	if len(segs) != len(p.parts) {
		return false
	}
	for i, want := range p.parts {
		if segs[i] == "" {
			return false
		}
		if isPlaceholder(want) {
			continue
		}
		if segs[i] != want {
			return false
		}
	}
	return true
}

func pathSegments(path string) []string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isPlaceholder(seg string) bool {
	return len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}
