// Package imports concatenates script sources following `// @import` directives.
//
// A directive names a file either relative to the importing file or, when it starts
// with a slash, relative to the resolver root. Dependencies are emitted depth first,
// each file once, before the file that imports them.
package imports

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zond/protogame"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxKeys = 256
)

// importPattern matches `// @import path` at the very start of a line, so that
// comments merely mentioning @import don't count.
var importPattern = regexp.MustCompile(`(?m)^// @import\s+(\S+)\s*$`)

type Result struct {
	Source     string
	Deps       []string
	MaxModTime time.Time
}

type entry struct {
	result  Result
	modTime map[string]time.Time
}

// Resolver caches resolved sources. A cached source is reused only while every file
// it was built from keeps its modification time.
type Resolver struct {
	root  string
	cache cache.Cache[string, *entry]
}

func NewResolver(root string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		root:  root,
		cache: cache.NewCache[string, *entry]().WithTTL(ttl).WithMaxKeys(DefaultMaxKeys),
	}
}

// Load returns the resolved source of path.
func (r *Resolver) Load(path string) (string, error) {
	res, err := r.Resolve(path)
	if err != nil {
		return "", err
	}
	return res.Source, nil
}

func (r *Resolver) Resolve(path string) (*Result, error) {
	if e, found := r.cache.Get(path); found {
		if fresh(e) {
			res := e.result
			return &res, nil
		}
		r.cache.Invalidate(path)
	}
	rctx := &resolveContext{
		inProgress: map[string]bool{},
		modTime:    map[string]time.Time{},
	}
	source, err := r.resolve(path, rctx)
	if err != nil {
		return nil, err
	}
	e := &entry{
		result: Result{
			Source: source,
			Deps:   rctx.order,
		},
		modTime: rctx.modTime,
	}
	for _, t := range rctx.modTime {
		if t.After(e.result.MaxModTime) {
			e.result.MaxModTime = t
		}
	}
	r.cache.Set(path, e, 0)
	res := e.result
	return &res, nil
}

func (r *Resolver) Invalidate(path string) {
	r.cache.Invalidate(path)
}

func (r *Resolver) InvalidateAll() {
	r.cache.Purge()
}

func fresh(e *entry) bool {
	for dep, t := range e.modTime {
		info, err := os.Stat(dep)
		if err != nil || !info.ModTime().Equal(t) {
			return false
		}
	}
	return true
}

type resolveContext struct {
	// current resolution stack
	inProgress map[string]bool
	// files already emitted, with their modification times
	modTime map[string]time.Time
	order   []string
}

func (r *Resolver) resolve(path string, rctx *resolveContext) (string, error) {
	if rctx.inProgress[path] {
		return "", protogame.WithStack(fmt.Errorf("circular import detected: %s", path))
	}
	if _, included := rctx.modTime[path]; included {
		return "", nil
	}
	rctx.inProgress[path] = true
	defer delete(rctx.inProgress, path)

	info, err := os.Stat(path)
	if err != nil {
		return "", protogame.WithStack(fmt.Errorf("loading %s: %w", path, err))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", protogame.WithStack(fmt.Errorf("loading %s: %w", path, err))
	}
	source := string(b)

	resolved := &strings.Builder{}
	for _, imp := range ParseImports(source) {
		depSource, err := r.resolve(r.ResolvePath(path, imp), rctx)
		if err != nil {
			return "", protogame.WithStack(fmt.Errorf("in %s: %w", path, err))
		}
		resolved.WriteString(depSource)
	}
	resolved.WriteString(RemoveImports(source))

	rctx.modTime[path] = info.ModTime()
	rctx.order = append(rctx.order, path)
	return resolved.String(), nil
}

// ParseImports returns the import paths in source, in order.
func ParseImports(source string) []string {
	matches := importPattern.FindAllStringSubmatch(source, -1)
	result := make([]string, 0, len(matches))
	for _, match := range matches {
		result = append(result, match[1])
	}
	return result
}

// RemoveImports blanks every import line, keeping line numbers intact.
func RemoveImports(source string) string {
	return importPattern.ReplaceAllString(source, "")
}

// ResolvePath maps an import written in fromPath to a file path.
func (r *Resolver) ResolvePath(fromPath, importPath string) string {
	if strings.HasPrefix(importPath, "/") {
		return filepath.Join(r.root, filepath.FromSlash(importPath))
	}
	return filepath.Join(filepath.Dir(fromPath), filepath.FromSlash(importPath))
}
