// Package sailpath teaches the Go type system about two kinds of paths used
// throughout sail:
//   - AbsolutePath: absolute, including volume root. Not portable between
//     machines; only ever compared to other AbsolutePaths on the same host.
//   - AnchoredPath: relative to some anchor (a workspace root, a package
//     directory, a cache entry) using forward-slash separators regardless of
//     host OS. Stored without a leading separator so it composes cleanly with
//     io/fs and with filepath.Join against an anchor.
//
// The point of distinguishing them in the type system, rather than passing
// plain strings everywhere, is to make it a compile error to accidentally
// join two absolute paths or to persist a host-specific absolute path inside
// a cache manifest (which must be portable across machines that share the
// cache directory).
package sailpath

import (
	"path/filepath"
	"strings"
)

// AbsolutePath is a path anchored at the filesystem root.
type AbsolutePath string

// AnchoredPath is a path relative to some caller-known anchor, using
// forward slashes regardless of host OS.
type AnchoredPath string

// AbsolutePathFromUpstream casts a string into an AbsolutePath without
// checking. Use only at the boundary where an absolute path is known to be
// well-formed (e.g. the return value of filepath.Abs).
func AbsolutePathFromUpstream(path string) AbsolutePath {
	return AbsolutePath(path)
}

// AnchoredPathFromUpstream casts a string into an AnchoredPath without
// checking.
func AnchoredPathFromUpstream(path string) AnchoredPath {
	return AnchoredPath(filepath.ToSlash(path))
}

// Join joins additional relative segments onto an AbsolutePath, returning a
// new AbsolutePath.
func (p AbsolutePath) Join(segments ...string) AbsolutePath {
	parts := append([]string{string(p)}, segments...)
	return AbsolutePath(filepath.Join(parts...))
}

// UntilAncestor returns the AnchoredPath of p relative to anchor. Returns
// false if p is not inside anchor.
func (p AbsolutePath) UntilAncestor(anchor AbsolutePath) (AnchoredPath, bool) {
	rel, err := filepath.Rel(string(anchor), string(p))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return AnchoredPath(filepath.ToSlash(rel)), true
}

// ToString returns the underlying string, for interop with stdlib APIs.
func (p AbsolutePath) ToString() string {
	return string(p)
}

// Dir returns the parent directory as an AbsolutePath.
func (p AbsolutePath) Dir() AbsolutePath {
	return AbsolutePath(filepath.Dir(string(p)))
}

// RestoreAnchor resolves an AnchoredPath back to an AbsolutePath under anchor.
func (p AnchoredPath) RestoreAnchor(anchor AbsolutePath) AbsolutePath {
	return anchor.Join(filepath.FromSlash(string(p)))
}

// ToString returns the underlying slash-separated string.
func (p AnchoredPath) ToString() string {
	return string(p)
}

// AnchoredPathArray is a slice of AnchoredPath with ergonomic helpers.
type AnchoredPathArray []AnchoredPath

// ToStringArray converts every element to its string form.
func (a AnchoredPathArray) ToStringArray() []string {
	out := make([]string, len(a))
	for i, p := range a {
		out[i] = p.ToString()
	}
	return out
}
