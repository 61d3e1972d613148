// Package fileset selects files below a directory by include and
// exclude glob patterns.
package fileset

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
)

// DefaultExcludes skips version control metadata and OS artefacts.
var DefaultExcludes = []string{
	"**/CVS/**",
	"**/.svn/**",
	"**/.git/**",
	"**/.hg/**",
	"**/.bzr/**",
	"**/_darcs/**",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/desktop.ini",
}

var metadataDirs = map[string]bool{
	"CVS": true, ".svn": true, ".git": true, ".hg": true, ".bzr": true, "_darcs": true,
}

// FileSet is a set of files below Basedir.
type FileSet struct {
	Basedir string
	Include []string
	Exclude []string
}

// New builds a FileSet from whitespace separated pattern lists. The
// default excludes always apply.
func New(basedir, include, exclude string) *FileSet {
	return &FileSet{
		Basedir: basedir,
		Include: lo.Map(strings.Fields(include), normalize),
		Exclude: append(slices.Clone(DefaultExcludes), lo.Map(strings.Fields(exclude), normalize)...),
	}
}

// normalize converts a pattern to forward slashes. A pattern without a
// slash matches at any depth, so "*.xml" also selects "reports/a.xml".
func normalize(pattern string, _ int) string {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if !strings.Contains(pattern, "/") {
		return "**/" + pattern
	}
	return pattern
}

// Match reports whether the slash separated relative path belongs to
// the set.
func (s *FileSet) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if len(s.Include) > 0 && !matchAny(s.Include, rel) {
		return false
	}
	return !matchAny(s.Exclude, rel)
}

// Files walks Basedir and returns the matching files as sorted, slash
// separated paths relative to Basedir.
func (s *FileSet) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.Basedir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.Basedir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if metadataDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if s.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
