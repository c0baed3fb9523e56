package imports

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseImports(t *testing.T) {
	for _, tc := range []struct {
		name   string
		source string
		want   []string
	}{
		{name: "none", source: "var x = 1;", want: []string{}},
		{name: "absolute", source: "// @import /lib/util.js\nvar x = 1;", want: []string{"/lib/util.js"}},
		{name: "several", source: "// @import ./a.js\n// @import ../b.js   \nvar x;", want: []string{"./a.js", "../b.js"}},
		{name: "mid file", source: "var x;\n// @import util.js\nvar y;", want: []string{"util.js"}},
		{name: "mentioned in comment", source: "// note: @import is cool\n", want: []string{}},
		{name: "indented", source: "  // @import /lib/util.js\n", want: []string{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, ParseImports(tc.source)); diff != "" {
				t.Errorf("ParseImports diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemoveImports(t *testing.T) {
	source := "// @import /lib/util.js\n// regular comment\nvar x = 1;"
	if got, want := RemoveImports(source), "\n// regular comment\nvar x = 1;"; got != want {
		t.Errorf("RemoveImports = %q, want %q", got, want)
	}
}

func TestResolvePath(t *testing.T) {
	r := NewResolver(filepath.FromSlash("/project/Run"), 0)
	for _, tc := range []struct {
		from, imp, want string
	}{
		{from: "/project/Run/Data/Scripts/JSGame.js", imp: "/lib/util.js", want: "/project/Run/lib/util.js"},
		{from: "/project/Run/Data/Scripts/JSGame.js", imp: "./util.js", want: "/project/Run/Data/Scripts/util.js"},
		{from: "/project/Run/Data/Scripts/JSGame.js", imp: "util.js", want: "/project/Run/Data/Scripts/util.js"},
		{from: "/project/Run/Data/Scripts/JSGame.js", imp: "../lib/util.js", want: "/project/Run/Data/lib/util.js"},
	} {
		if got := r.ResolvePath(filepath.FromSlash(tc.from), tc.imp); got != filepath.FromSlash(tc.want) {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tc.from, tc.imp, got, tc.want)
		}
	}
}

type tree struct {
	t    *testing.T
	root string
}

func newTree(t *testing.T, files map[string]string) *tree {
	tr := &tree{t: t, root: t.TempDir()}
	for name, content := range files {
		tr.write(name, content, time.Unix(1000, 0))
	}
	return tr
}

func (tr *tree) path(name string) string {
	return filepath.Join(tr.root, filepath.FromSlash(name))
}

func (tr *tree) write(name, content string, modTime time.Time) {
	tr.t.Helper()
	p := tr.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		tr.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		tr.t.Fatal(err)
	}
	if err := os.Chtimes(p, modTime, modTime); err != nil {
		tr.t.Fatal(err)
	}
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	tr := newTree(t, map[string]string{
		"lib/base.js":  "var base = 'base';",
		"lib/util.js":  "// @import ./base.js\nvar util = base + '-util';",
		"lib/math.js":  "// @import /lib/base.js\nvar math = base + '-math';",
		"main.js":      "// @import /lib/util.js\n// @import lib/math.js\nlog(util, math);",
		"unrelated.js": "var nope;",
	})
	r := NewResolver(tr.root, 0)
	res, err := r.Resolve(tr.path("main.js"))
	if err != nil {
		t.Fatal(err)
	}
	want := "var base = 'base';\nvar util = base + '-util';\nvar math = base + '-math';\n\nlog(util, math);"
	if res.Source != want {
		t.Errorf("Source = %q, want %q", res.Source, want)
	}
	wantDeps := []string{tr.path("lib/base.js"), tr.path("lib/util.js"), tr.path("lib/math.js"), tr.path("main.js")}
	if diff := cmp.Diff(wantDeps, res.Deps); diff != "" {
		t.Errorf("Deps diff (-want +got):\n%s", diff)
	}
	if !res.MaxModTime.Equal(time.Unix(1000, 0)) {
		t.Errorf("MaxModTime = %v", res.MaxModTime)
	}
}

func TestResolveCircular(t *testing.T) {
	tr := newTree(t, map[string]string{
		"a.js": "// @import ./b.js\n",
		"b.js": "// @import ./a.js\n",
	})
	if _, err := NewResolver(tr.root, 0).Resolve(tr.path("a.js")); err == nil || !strings.Contains(err.Error(), "circular import") {
		t.Errorf("got %v, want circular import error", err)
	}
}

func TestResolveMissingImport(t *testing.T) {
	tr := newTree(t, map[string]string{"a.js": "// @import ./gone.js\n"})
	if _, err := NewResolver(tr.root, 0).Load(tr.path("a.js")); err == nil || !strings.Contains(err.Error(), "gone.js") {
		t.Errorf("got %v, want error naming gone.js", err)
	}
}

func TestCacheFollowsDependencyChanges(t *testing.T) {
	tr := newTree(t, map[string]string{
		"lib.js":  "var v = 1;",
		"main.js": "// @import ./lib.js\nlog(v);",
	})
	r := NewResolver(tr.root, time.Hour)
	first, err := r.Load(tr.path("main.js"))
	if err != nil {
		t.Fatal(err)
	}

	// Same modification time: the cached source is kept even though content changed.
	tr.write("lib.js", "var v = 2;", time.Unix(1000, 0))
	cached, err := r.Load(tr.path("main.js"))
	if err != nil {
		t.Fatal(err)
	}
	if cached != first {
		t.Errorf("cache not used: %q", cached)
	}

	tr.write("lib.js", "var v = 3;", time.Unix(2000, 0))
	updated, err := r.Load(tr.path("main.js"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(updated, "var v = 3;") {
		t.Errorf("stale dependency served: %q", updated)
	}

	tr.write("lib.js", "var v = 4;", time.Unix(2000, 0))
	r.InvalidateAll()
	if got, _ := r.Load(tr.path("main.js")); !strings.HasPrefix(got, "var v = 4;") {
		t.Errorf("InvalidateAll kept %q", got)
	}
	tr.write("lib.js", "var v = 5;", time.Unix(2000, 0))
	r.Invalidate(tr.path("main.js"))
	if got, _ := r.Load(tr.path("main.js")); !strings.HasPrefix(got, "var v = 5;") {
		t.Errorf("Invalidate kept %q", got)
	}
}
