// Package blocklist refuses seeds whose host matches a configured pattern.
package blocklist

import (
	"slices"
	"strings"
)

// List matches hosts exactly or by "*.suffix" / ".suffix" wildcard.
// A nil List blocks nothing.
type List struct {
	exact    map[string]struct{}
	suffixes []string
}

// New builds a List from patterns, ignoring blanks. It returns nil when no
// usable pattern remains.
func New(patterns []string) *List {
	l := &List{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."), strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(value, "*"), ".")
			if suffix != "" && !slices.Contains(l.suffixes, suffix) {
				l.suffixes = append(l.suffixes, suffix)
			}
		default:
			l.exact[value] = struct{}{}
		}
	}
	if len(l.exact) == 0 && len(l.suffixes) == 0 {
		return nil
	}
	return l
}

// Blocked reports whether host matches the list.
func (l *List) Blocked(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
