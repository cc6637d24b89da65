package routing

import "strings"

// PathPattern matches allowlist paths with {placeholder} segments, e.g.
// /api/members/{member_uuid}. A placeholder matches any single non-empty
// segment; everything else matches literally.
type PathPattern struct {
	raw   string
	parts []string
}

// parsePathPattern reports ok only for rooted paths that actually carry a
// placeholder; plain paths stay on the exact-match fast path.
func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") || !strings.HasPrefix(raw, "/") {
		return PathPattern{}, false
	}

	parts := pathSegments(raw)
	for _, seg := range parts {
		if seg == "" {
			return PathPattern{}, false
		}
		if strings.ContainsAny(seg, "{}") && !isPlaceholder(seg) {
			return PathPattern{}, false
		}
	}
	return PathPattern{raw: raw, parts: parts}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := pathSegments(path)
	if len(in) != len(p.parts) {
		return false
	}
	for i, want := range p.parts {
		if in[i] == "" {
			return false
		}
		if !isPlaceholder(want) && in[i] != want {
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
