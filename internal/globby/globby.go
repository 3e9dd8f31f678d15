// Package globby resolves a package's declared input/output globs into a
// concrete file list (§4.6): gitignore-style semantics (case-sensitive on
// POSIX, case-insensitive on Windows), with explicit negations.
//
// Grounded on the teacher's fs/globby.GlobFiles (doublestar/v4 PathMatch
// walk), generalized from the teacher's single include/exclude-pattern-set
// shape to gitignore-style negation via sabhiram/go-gitignore, matching
// §4.6's explicit requirement for negation semantics rather than a flat
// include/exclude split.
package globby

import (
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
)

// Resolve walks baseDir and returns every regular file matching patterns.
// A pattern prefixed with "!" negates a prior match (gitignore semantics):
// a file matching a later "!pattern" is excluded even if an earlier pattern
// matched it, and vice versa — the last matching pattern wins, exactly as
// gitignore evaluates rule order.
//
// On POSIX, matching is case-sensitive; on Windows, case-insensitive
// (§4.6), achieved by lower-casing both pattern and candidate path when
// running on GOOS=windows.
func Resolve(baseDir sailpath.AbsolutePath, patterns []string) ([]sailpath.AnchoredPath, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	normalized := make([]string, len(patterns))
	for i, p := range patterns {
		normalized[i] = normalizeCase(p)
	}

	matcher := gitignore.CompileIgnoreLines(normalized...)

	var out []sailpath.AnchoredPath
	root := baseDir.ToString()
	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		candidate := normalizeCase(rel)

		if info.IsDir() {
			if matcher.MatchesPath(candidate) && !hasPositivePatternBelow(normalized, candidate) {
				return filepath.SkipDir
			}
			return nil
		}

		if matcher.MatchesPath(candidate) {
			out = append(out, sailpath.AnchoredPathFromUpstream(rel))
		}
		return nil
	})
	if err != nil {
		return nil, sailerr.FileSystem(err, "resolving globs under %s", baseDir)
	}
	return out, nil
}

// hasPositivePatternBelow guards against pruning a directory that a later
// glob might still need to descend into (e.g. "!dist/**" re-including files
// under an otherwise-excluded "dist/" directory).
func hasPositivePatternBelow(patterns []string, dirCandidate string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			trimmed := strings.TrimPrefix(p, "!")
			if strings.HasPrefix(trimmed, dirCandidate) {
				return true
			}
		}
	}
	return false
}

func normalizeCase(s string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(s)
	}
	return s
}

// MatchAny reports whether rel (already relative to some base) matches any
// of patterns using plain doublestar semantics, without gitignore negation.
// Used by the cache store (internal/cache) to reject a declared output path
// against its fixed denylist before materializing it.
func MatchAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
