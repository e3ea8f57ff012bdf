// Package pathutil implements the path normalization, temp-file
// classification and ignore-list matching.
package pathutil

import (
	"bufio"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/text/unicode/norm"
)

// Normalizer normalizes paths crossing the remote boundary to NFKC unless
// configured to skip normalization.
type Normalizer struct {
	skip bool
}

// NewNormalizer builds a Normalizer. When noUnicodeNormalize is true the
// tree is configured to skip NFKC normalization.
func NewNormalizer(noUnicodeNormalize bool) *Normalizer {
	return &Normalizer{skip: noUnicodeNormalize}
}

// Normalize applies NFKC to path unless the normalizer is configured to
// skip it. Comparisons between locally observed names and remote names
// must use the same policy.
func (n *Normalizer) Normalize(path string) string {
	if n.skip {
		return path
	}
	return norm.NFKC.String(path)
}

// TempPredicate classifies temp-file names: a configurable predicate,
// default "basename starts with a dot".
type TempPredicate func(name string) bool

// DefaultTempPredicate matches the default rule: basename starts with '.'.
func DefaultTempPredicate(name string) bool {
	return strings.HasPrefix(name, ".")
}

// IgnoreList filters names that should never surface in a merged listing
// even though they may be present on disk, e.g.
// ".metadata_never_index*", ".aem", ".DS_Store". Patterns are compiled as
// a gitignore-style rule set, the same approach the teacher takes for its
// sync ignore list (internal/client/sync/sync_ignore.go): supports
// negation and directory-only rules, not just flat globs.
type IgnoreList struct {
	rootDir string
	ignore  *gitignore.GitIgnore
}

// DefaultIgnorePatterns is the suggested default ignore set.
var DefaultIgnorePatterns = []string{
	".metadata_never_index*",
	".aem",
	".DS_Store",
}

// NewIgnoreList compiles a gitignore-style ignore list from patterns
// (DefaultIgnorePatterns if nil). If rootDir is non-empty and contains a
// ".bridgeignore" file, its lines are appended to the pattern set, the
// same custom-override mechanism the teacher's SyncIgnoreList applies to
// its "syftignore" file.
func NewIgnoreList(patterns []string, rootDir string) *IgnoreList {
	if patterns == nil {
		patterns = DefaultIgnorePatterns
	}
	lines := append([]string{}, patterns...)
	if rootDir != "" {
		lines = append(lines, readBridgeIgnoreFile(rootDir+"/.bridgeignore")...)
	}
	return &IgnoreList{rootDir: rootDir, ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether name (a basename, not a full path) matches
// any configured ignore pattern.
func (l *IgnoreList) ShouldIgnore(name string) bool {
	return l.ignore.MatchesPath(name)
}

func readBridgeIgnoreFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Base returns the final path component, POSIX-style. Unlike path.Base it
// never touches the filesystem and treats "" and "/" as the root.
func Base(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Dir returns the parent of a POSIX-style path, "/" for top-level entries.
func Dir(p string) string {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
