package filter

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter defines the criteria a source file must meet to be replicated.
// A Filter is immutable once built and safe for concurrent use.
type Filter struct {
	// Include contains glob patterns. If non-empty, files must match at least one.
	Include []string

	// Exclude contains glob patterns. Matching files are skipped.
	Exclude []string

	// ExcludeExtensions lists extensions that are never replicated.
	ExcludeExtensions []string

	// MinSize is the minimum file size in bytes. Smaller files are skipped.
	MinSize int64

	// MaxDepth limits how deep below the root files are accepted.
	// 0 means unlimited.
	MaxDepth int

	include []glob.Glob
	exclude []glob.Glob
}

// Option is a functional option for configuring a Filter.
type Option func(*Filter)

// New builds a Filter from the given options and compiles its patterns.
// By default DefaultExcludeExtensions are skipped.
func New(opts ...Option) (*Filter, error) {
	f := &Filter{
		ExcludeExtensions: normalizeExtensions(DefaultExcludeExtensions),
	}
	for _, opt := range opts {
		opt(f)
	}

	var err error
	if f.include, err = compileAll(f.Include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileAll(f.Exclude); err != nil {
		return nil, err
	}
	return f, nil
}

// MustNew is like New but panics on an invalid pattern. Intended for tests
// and package-level defaults.
func MustNew(opts ...Option) *Filter {
	f, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// WithInclude sets the include glob patterns.
// Patterns without a slash are matched against the base name, others
// against the path relative to the root.
func WithInclude(patterns ...string) Option {
	return func(f *Filter) {
		f.Include = append(f.Include, patterns...)
	}
}

// WithExclude sets the exclude glob patterns.
func WithExclude(patterns ...string) Option {
	return func(f *Filter) {
		f.Exclude = append(f.Exclude, patterns...)
	}
}

// WithExcludeExtensions replaces the excluded extension list.
// Extensions are normalized: lowercase and prefixed with "." if missing.
func WithExcludeExtensions(extensions ...string) Option {
	return func(f *Filter) {
		f.ExcludeExtensions = normalizeExtensions(extensions)
	}
}

// WithTypeGroups adds an include pattern for every extension in the named
// groups. Unknown group names are silently ignored.
func WithTypeGroups(groups ...string) Option {
	return func(f *Filter) {
		for _, group := range groups {
			for _, ext := range TypeGroups[group] {
				f.Include = append(f.Include, "*"+ext)
			}
		}
	}
}

// WithMinSize sets the minimum file size in bytes.
// If minSize < 0, it is set to 0.
func WithMinSize(minSize int64) Option {
	return func(f *Filter) {
		if minSize < 0 {
			minSize = 0
		}
		f.MinSize = minSize
	}
}

// WithMaxDepth sets the maximum directory depth to accept.
// 0 means unlimited. Negative values are set to 0.
func WithMaxDepth(depth int) Option {
	return func(f *Filter) {
		if depth < 0 {
			depth = 0
		}
		f.MaxDepth = depth
	}
}

// Match reports whether the file passes every criterion. It checks excluded
// extensions, depth, size, exclude patterns and include patterns in that
// order. A negative size skips the size check, which lets the watcher
// filter on create events before the file has any content.
func (f *Filter) Match(fi FileInfo) bool {
	if f == nil {
		return true
	}
	if f.hasExcludedExtension(fi.Name()) {
		return false
	}
	if f.MaxDepth > 0 && fi.Depth > f.MaxDepth {
		return false
	}
	if fi.Size >= 0 && f.MinSize > 0 && fi.Size < f.MinSize {
		return false
	}
	if matchesAny(f.exclude, f.Exclude, fi) {
		return false
	}
	if len(f.include) > 0 && !matchesAny(f.include, f.Include, fi) {
		return false
	}
	return true
}

// MatchName is a convenience for checks where only the path is known.
func (f *Filter) MatchName(root, path string) bool {
	return f.Match(NewFileInfo(root, path, -1, zeroTime))
}

func (f *Filter) hasExcludedExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range f.ExcludeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func matchesAny(globs []glob.Glob, patterns []string, fi FileInfo) bool {
	for i, g := range globs {
		subject := fi.Name()
		if strings.Contains(patterns[i], "/") {
			subject = fi.Rel
		}
		if g.Match(subject) || g.Match(strings.ToLower(subject)) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
