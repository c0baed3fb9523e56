package reloader

import (
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/structs"

	goccy "github.com/goccy/go-json"
)

// PreservedStateGlobal is the interpreter global holding the snapshot during a reload.
const PreservedStateGlobal = "_hotReloadPreservedState"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

	scriptTemplates = template.Must(template.New("").Funcs(template.FuncMap{
		"js": jsLiteral,
	}).Parse(`
{{define "preserve"}}(function() {
  var state = {};
{{range .}}  try { state[{{js .Key}}] = ({{.Expr}}); } catch (e) { state[{{js .Key}}] = null; }
{{end}}  state.timestamp = Date.now();
  globalThis[{{js "` + PreservedStateGlobal + `"}}] = state;
  return JSON.stringify(state);
})();
{{end}}

{{define "restore"}}(function() {
  var state = globalThis[{{js "` + PreservedStateGlobal + `"}}];
  if (!state) {
    return 'no preserved state';
  }
  var restored = 0;
{{range .}}  try {
    if (state[{{js .Key}}] !== null && state[{{js .Key}}] !== undefined) {
      {{.Expr}} = state[{{js .Key}}];
      restored++;
    }
  } catch (e) {}
{{end}}  return restored;
})();
{{end}}

{{define "clear"}}delete globalThis[{{js "` + PreservedStateGlobal + `"}}];
{{end}}

{{define "redefine"}}(function() {
  var previous = globalThis[{{js .Name}}];
  delete globalThis[{{js .Name}}];
  try {
{{.Source}}
    var fresh = typeof {{.Name}} !== 'undefined' ? {{.Name}} : globalThis[{{js .Name}}];
    if (typeof fresh === 'undefined') {
      throw new Error({{js .Missing}});
    }
    fresh.version = Date.now();
    globalThis[{{js .Name}}] = fresh;
{{range .Migrate}}    (function() {
      var holder;
      try { holder = {{.Holder}}; } catch (e) { return; }
      if (!holder || !holder[{{js .Field}}]) {
        return;
      }
      var stale = holder[{{js .Field}}];
{{if .Rebind}}      if (typeof fresh === 'function' && fresh.prototype) {
        Object.setPrototypeOf(stale, fresh.prototype);
      }
{{else}}      var replacement = new fresh();
{{range .Preserve}}      if ({{js .}} in stale) {
        replacement[{{js .}}] = stale[{{js .}}];
      }
{{end}}      holder[{{js .Field}}] = replacement;
{{end}}    })();
{{end}}    return fresh.version;
  } catch (e) {
    if (typeof previous !== 'undefined') {
      globalThis[{{js .Name}}] = previous;
    }
    throw e;
  }
})();
{{end}}
`))
)

func jsLiteral(s string) (string, error) {
	b, err := goccy.Marshal(s)
	if err != nil {
		return "", protogame.WithStack(err)
	}
	return string(b), nil
}

type preservedGlobal struct {
	Key  string
	Expr string
}

func sortedGlobals(globals map[string]string) []preservedGlobal {
	result := make([]preservedGlobal, 0, len(globals))
	for key, expr := range globals {
		result = append(result, preservedGlobal{Key: key, Expr: expr})
	}
	slices.SortFunc(result, func(a, b preservedGlobal) int {
		return strings.Compare(a.Key, b.Key)
	})
	return result
}

func render(name string, data any) (string, error) {
	buf := &strings.Builder{}
	if err := scriptTemplates.ExecuteTemplate(buf, name, data); err != nil {
		return "", protogame.WithStack(err)
	}
	return buf.String(), nil
}

// preservationScript snapshots every global expression into the holding area and
// evaluates to the JSON encoded snapshot. Unreadable expressions are stored as null.
func preservationScript(globals map[string]string) (string, error) {
	return render("preserve", sortedGlobals(globals))
}

// restorationScript assigns every non-null snapshot value back to its expression.
func restorationScript(globals map[string]string) (string, error) {
	return render("restore", sortedGlobals(globals))
}

func clearScript() (string, error) {
	return render("clear", nil)
}

type redefinition struct {
	Name    string
	Missing string
	Source  string
	Migrate []structs.Migration
}

// redefinitionScript wraps source so the module binding can be declared again: the
// old binding is removed, source runs in a function scope, the new binding is stamped
// with a version and published on globalThis, and live instances are migrated. If
// anything throws the old binding is put back before the error propagates.
func redefinitionScript(policy structs.ReloadPolicy, source string) (string, error) {
	name := policy.BindingName()
	if !identifierPattern.MatchString(name) {
		return "", errors.Errorf("%q is not a valid global name", name)
	}
	migrations := slices.Clone(policy.Migrate)
	for i := range migrations {
		if migrations[i].Holder == "" {
			migrations[i].Holder = "globalThis"
		}
		if migrations[i].Field == "" {
			return "", errors.Errorf("migration %d of %s has no field", i, policy.Module)
		}
	}
	return render("redefine", redefinition{
		Name:    name,
		Missing: name + " is not defined after executing " + policy.Module,
		Source:  source,
		Migrate: migrations,
	})
}
