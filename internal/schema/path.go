package schema

import (
	"fmt"
	"strings"
)

// Path addresses a leaf or group in a record, outermost key first.
type Path []string

// ParsePath parses a dotted path such as "incident.location.city".
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("path %q has an empty segment", s)
		}
	}
	return Path(parts), nil
}

// ParsePointer parses an RFC 6901 JSON pointer such as "/incident/location/city".
func ParsePointer(ptr string) (Path, error) {
	if ptr == "" || ptr[0] != '/' {
		return nil, fmt.Errorf("pointer %q must start with /", ptr)
	}
	raw := strings.Split(ptr[1:], "/")
	out := make(Path, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			return nil, fmt.Errorf("pointer %q has an empty segment", ptr)
		}
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		out = append(out, seg)
	}
	return out, nil
}

// String renders the dotted form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Pointer renders the RFC 6901 form.
func (p Path) Pointer() string {
	var sb strings.Builder
	for _, seg := range p {
		sb.WriteByte('/')
		seg = strings.ReplaceAll(seg, "~", "~0")
		seg = strings.ReplaceAll(seg, "/", "~1")
		sb.WriteString(seg)
	}
	return sb.String()
}

func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a strict or equal ancestor of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Child returns a new path with key appended.
func (p Path) Child(key string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, key)
}
