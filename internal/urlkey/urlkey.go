// Package urlkey derives stable, filesystem-safe cache keys and ancillary
// file paths from a repository URL, and parses the one line of git output
// the fetch engine needs to read back: a `submodule init` registration line.
package urlkey

import (
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

var (
	schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	userPrefix   = regexp.MustCompile(`^[^/@]+@`)

	// Submodule init status lines look like:
	//   Submodule 'path/to/thing' (git@host:org/thing.git) registered for path 'path/to/thing'
	quoted        = regexp.MustCompile(`'([^']*)'`)
	parenthesised = regexp.MustCompile(`\(([^()]*)\)`)
)

const localPrefix = "local"

// sep is the character used to separate a mirror's cache key from the
// suffix of its sibling files ("submodules", "lock"). POSIX hosts use a
// colon; Windows-family hosts can't have a colon in a path component that
// isn't a drive letter, so they get a double underscore instead.
func sep() string {
	if runtime.GOOS == "windows" {
		return "__"
	}
	return ":"
}

// Key derives the filesystem-safe cache key for url: strip any scheme://
// prefix, strip any leading user@, then replace every '/' and ':' with '-'.
func Key(url string) string {
	k := schemePrefix.ReplaceAllString(url, "")
	k = userPrefix.ReplaceAllString(k, "")
	k = strings.ReplaceAll(k, "/", "-")
	k = strings.ReplaceAll(k, ":", "-")
	return k
}

// CacheKey is Key(url), prefixed with the literal "local" when the caller
// indicates url names a local filesystem path rather than a remote. This is
// the string used as a mirror's directory name and as its freshness/mutex
// map key.
func CacheKey(url string, local bool) string {
	if local {
		return localPrefix + Key(url)
	}
	return Key(url)
}

// MirrorDir returns the directory under root that holds url's bare mirror.
func MirrorDir(url, root string, local bool) string {
	return filepath.Join(root, CacheKey(url, local))
}

// SubmodulesFile returns the path of the sibling file listing url's known
// direct submodule URLs.
func SubmodulesFile(url, root string, local bool) string {
	return MirrorDir(url, root, local) + sep() + "submodules"
}

// LockFile returns the path of the sibling file used for inter-process
// exclusion on url's mirror.
func LockFile(url, root string, local bool) string {
	return MirrorDir(url, root, local) + sep() + "lock"
}

// ParseSubmoduleLine extracts the (path, url) pair from one line of
// `submodule init` output. The path is the last single-quoted substring on
// the line; the url is the last parenthesised substring. Trailing
// whitespace and CRLF line endings are tolerated.
func ParseSubmoduleLine(line string) (submodulePath string, url string, ok bool) {
	line = strings.TrimRight(line, "\r\n \t")

	quotes := quoted.FindAllStringSubmatch(line, -1)
	parens := parenthesised.FindAllStringSubmatch(line, -1)
	if len(quotes) == 0 || len(parens) == 0 {
		return "", "", false
	}
	return quotes[len(quotes)-1][1], parens[len(parens)-1][1], true
}

// DefaultDestination returns the final path component of url with any
// trailing ".git" suffix removed.
func DefaultDestination(url string) string {
	trimmed := strings.TrimRight(url, "/")
	base := path.Base(trimmed)
	return strings.TrimSuffix(base, ".git")
}
