package router

import "strings"

// CleanPath normalizes a route path: it adds a leading slash, collapses
// repeated slashes and strips a trailing slash except at the root.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(p) + 1)
	if p[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	return out
}

// JoinPath concatenates a group prefix and a route path and cleans the result.
func JoinPath(prefix, p string) string {
	return CleanPath(prefix + "/" + p)
}
