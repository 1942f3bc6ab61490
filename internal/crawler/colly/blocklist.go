package collycrawler

import (
	"slices"
	"strings"
)

// hostBlocklist matches exact hosts and suffix wildcards ("*.example.org" or
// ".example.org").
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newHostBlocklist returns nil when patterns contain nothing usable.
func newHostBlocklist(patterns []string) *hostBlocklist {
	b := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."), strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(value, "*"), ".")
			if suffix != "" && !slices.Contains(b.suffixes, suffix) {
				b.suffixes = append(b.suffixes, suffix)
			}
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *hostBlocklist) blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
