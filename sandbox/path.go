//go:build linux

package sandbox

import (
	"path/filepath"
	"strings"
)

// UsrmergedDirs are the top-level directories that a merged-/usr
// distribution turns into symlinks to their /usr counterparts.
var UsrmergedDirs = []string{"/bin", "/lib", "/lib32", "/lib64", "/sbin"}

// prefixEnd returns the byte offset in path just past prefix when prefix
// is a component-wise prefix of path. Repeated slashes are ignored.
func prefixEnd(path, prefix string) (int, bool) {
	i, j := 0, 0

	for {
		for i < len(path) && path[i] == '/' {
			i++
		}

		for j < len(prefix) && prefix[j] == '/' {
			j++
		}

		if j == len(prefix) {
			return i, true
		}

		for j < len(prefix) && prefix[j] != '/' {
			if i >= len(path) || path[i] != prefix[j] {
				return 0, false
			}

			i++
			j++
		}

		if i < len(path) && path[i] != '/' {
			return 0, false
		}
	}
}

// HasPathPrefix reports whether prefix names path or one of its ancestors,
// comparing whole components. "/a/b" has prefix "/a", "/ab" does not.
func HasPathPrefix(path, prefix string) bool {
	_, ok := prefixEnd(path, prefix)

	return ok
}

// PathAfter returns what remains of path after prefix, without leading
// slashes. ok is false when prefix is not a component-wise prefix of path.
func PathAfter(path, prefix string) (string, bool) {
	end, ok := prefixEnd(path, prefix)
	if !ok {
		return "", false
	}

	return strings.TrimLeft(path[end:], "/"), true
}

// PathMatchPrefix matches a glob pattern against the leading components of
// path. "?" matches one byte and "*" any run of bytes, neither crossing a
// "/". On a match the unmatched remainder of path is returned (possibly
// empty, otherwise starting with "/").
func PathMatchPrefix(pattern, path string) (string, bool) {
	pattern = strings.TrimLeft(pattern, "/")
	path = strings.TrimLeft(path, "/")

	for {
		if pattern == "" {
			if path == "" || path[0] == '/' {
				return path, true
			}

			return "", false
		}

		c := pattern[0]
		pattern = pattern[1:]

		switch c {
		case '?':
			if path == "" || path[0] == '/' {
				return "", false
			}

			path = path[1:]

		case '*':
			pattern = strings.TrimLeft(pattern, "*")

			if pattern == "" {
				if idx := strings.IndexByte(path, '/'); idx >= 0 {
					return path[idx:], true
				}

				return "", true
			}

			if pattern[0] == '/' {
				idx := strings.IndexByte(path, '/')
				if idx < 0 {
					return "", false
				}

				path = path[idx:]

				continue
			}

			for len(path) > 0 {
				if rest, ok := PathMatchPrefix(pattern, path); ok {
					return rest, true
				}

				if path[0] == '/' {
					break
				}

				path = path[1:]
			}

			return "", false

		default:
			if path == "" || path[0] != c {
				return "", false
			}

			path = path[1:]
		}
	}
}

// CanonicalizePath normalizes an absolute path lexically. No filesystem
// access happens, so ".." above "/" stays at "/".
func CanonicalizePath(path string) string {
	return filepath.Clean("/" + path)
}

// MakeRelative returns the path that reaches path (taken from the root)
// when starting in base.
func MakeRelative(base, path string) string {
	var b strings.Builder

	for _, component := range strings.Split(base, "/") {
		if component != "" {
			b.WriteString("../")
		}
	}

	b.WriteString(strings.TrimLeft(path, "/"))

	return b.String()
}

// GetsUsrmerged reports whether path is bin, sbin or a lib* directory
// other than libexec (or something below one of them), that is, a path a
// merged-/usr layout moves into /usr.
func GetsUsrmerged(path string) bool {
	path = strings.TrimLeft(path, "/")

	if path == "bin" || path == "sbin" ||
		strings.HasPrefix(path, "bin/") || strings.HasPrefix(path, "sbin/") {
		return true
	}

	if path == "libexec" || strings.HasPrefix(path, "libexec/") {
		return false
	}

	return strings.HasPrefix(path, "lib")
}
