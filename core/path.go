package core

import "strings"

// Supported path separators.
const (
	SeparatorDot   = "."
	SeparatorSlash = "/"
)

// ValidSeparator reports whether sep can be used as a path separator.
func ValidSeparator(sep string) bool {
	return sep == SeparatorDot || sep == SeparatorSlash
}

// SplitPath splits path at its first separator into the head segment and the
// remainder. A separator in the leading position does not split, so such a
// path names a method or topic on the current actor.
func SplitPath(path, sep string) (head, rest string, ok bool) {
	idx := strings.Index(path, sep)
	if idx <= 0 {
		return path, "", false
	}
	return path[:idx], path[idx+len(sep):], true
}

// JoinPath joins non-empty parts with sep. The root actor has the empty
// path, so joining it with a child id yields just the id.
func JoinPath(sep string, parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
	}
	return b.String()
}

// normalizeName turns a type or include name into the slash form used as a
// cache and loader key.
func normalizeName(name, sep string) string {
	if sep == SeparatorDot {
		return strings.ReplaceAll(name, SeparatorDot, SeparatorSlash)
	}
	return name
}
