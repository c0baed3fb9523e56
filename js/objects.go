package js

import (
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/structs"
	"rogchap.com/v8go"

	goccy "github.com/goccy/go-json"
)

const (
	propertyFunc = "__property"
)

// RegisterObject installs obj as globalThis[name]. Every method of obj becomes a
// function on the object and every property a read only getter.
func (e *Engine) RegisterObject(name string, obj structs.Scriptable) error {
	if !e.IsInitialized() {
		return protogame.WithStack(ErrNotInitialized)
	}
	tmpl := v8go.NewObjectTemplate(e.iso)
	for _, method := range obj.Methods() {
		if err := tmpl.Set(method.Name, e.functionTemplate(func(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value {
			return e.callMethod(obj, method, info)
		})); err != nil {
			return protogame.WithStack(err)
		}
	}
	properties := obj.Properties()
	if len(properties) > 0 {
		if err := tmpl.Set(propertyFunc, e.functionTemplate(func(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value {
			args := info.Args()
			if len(args) != 1 || !args[0].IsString() {
				return e.Throw("%s takes [string] arguments", propertyFunc)
			}
			val, err := e.toValue(obj.Property(args[0].String()))
			if err != nil {
				return e.Throw("%v", err)
			}
			return val
		})); err != nil {
			return protogame.WithStack(err)
		}
	}
	instance, err := tmpl.NewInstance(e.vctx)
	if err != nil {
		return protogame.WithStack(err)
	}
	if err := e.vctx.Global().Set(name, instance); err != nil {
		return protogame.WithStack(err)
	}
	if len(properties) > 0 {
		script, err := propertyScript(name, properties)
		if err != nil {
			return err
		}
		if _, err := e.vctx.RunScript(script, name+" properties"); err != nil {
			return protogame.WithStack(errors.New(describe(err)))
		}
	}
	e.objects[name] = obj
	log.Printf("V8: Registered object %q with %d methods and %d properties", name, len(obj.Methods()), len(properties))
	return nil
}

func propertyScript(name string, properties []string) (string, error) {
	nameJSON, err := goccy.Marshal(name)
	if err != nil {
		return "", protogame.WithStack(err)
	}
	propertiesJSON, err := goccy.Marshal(properties)
	if err != nil {
		return "", protogame.WithStack(err)
	}
	return fmt.Sprintf(`(function(obj, names) {
  Object.defineProperty(obj, %[3]q, { enumerable: false });
  names.forEach(function(n) {
    Object.defineProperty(obj, n, {
      get: function() { return obj[%[3]q](n); },
      enumerable: true
    });
  });
})(globalThis[%[1]s], %[2]s);`, nameJSON, propertiesJSON, propertyFunc), nil
}

func (e *Engine) UnregisterObject(name string) error {
	if !e.IsInitialized() {
		return protogame.WithStack(ErrNotInitialized)
	}
	if _, found := e.objects[name]; !found {
		return nil
	}
	delete(e.objects, name)
	if !e.vctx.Global().Delete(name) {
		return protogame.WithStack(errors.Errorf("unable to delete global %q", name))
	}
	return nil
}

func (e *Engine) Object(name string) (structs.Scriptable, bool) {
	obj, found := e.objects[name]
	return obj, found
}

// callMethod converts the arguments once, dispatches, and hands failures back as
// {success: false, error} so nothing is thrown across the boundary.
func (e *Engine) callMethod(obj structs.Scriptable, method structs.MethodInfo, info *v8go.FunctionCallbackInfo) *v8go.Value {
	args, err := toArgs(e.vctx, info.Args())
	var result structs.MethodResult
	if err != nil {
		result = structs.Failure("%s: %v", method.Name, err)
	} else {
		result = e.safeCall(obj, method.Name, args)
	}
	if !result.Success {
		val, err := e.toValue(map[string]any{"success": false, "error": result.Error})
		if err != nil {
			return e.Throw("%v", err)
		}
		return val
	}
	val, err := e.toValue(result.Value)
	if err != nil {
		return e.Throw("%v", err)
	}
	return val
}

func (e *Engine) safeCall(obj structs.Scriptable, name string, args []structs.Arg) (result structs.MethodResult) {
	defer func() {
		if r := recover(); r != nil {
			err := protogame.WithStack(errors.Errorf("%v", r))
			log.Printf("V8: %s panicked: %v\n%s", name, r, protogame.StackTrace(err))
			result = structs.Failure("%s panicked: %v", name, r)
		}
	}()
	return obj.CallMethod(name, args)
}

func toArgs(vctx *v8go.Context, values []*v8go.Value) ([]structs.Arg, error) {
	result := make([]structs.Arg, 0, len(values))
	for i, val := range values {
		arg, err := toArg(vctx, val)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		result = append(result, arg)
	}
	return result, nil
}

type vectorObject struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// toArg accepts numbers, strings, booleans, and vectors written either as
// [x, y, z] or {x, y, z}.
func toArg(vctx *v8go.Context, val *v8go.Value) (structs.Arg, error) {
	switch {
	case val.IsNumber():
		return structs.Number(val.Number()), nil
	case val.IsString():
		return structs.String(val.String()), nil
	case val.IsBoolean():
		return structs.Bool(val.Boolean()), nil
	case val.IsArray():
		js, err := v8go.JSONStringify(vctx, val)
		if err != nil {
			return structs.Arg{}, protogame.WithStack(err)
		}
		coords := []float64{}
		if err := goccy.Unmarshal([]byte(js), &coords); err != nil || len(coords) != 3 {
			return structs.Arg{}, errors.Errorf("array %s is not a vector of three numbers", js)
		}
		return structs.Vector(structs.Vec3{X: coords[0], Y: coords[1], Z: coords[2]}), nil
	case val.IsObject() && !val.IsFunction():
		js, err := v8go.JSONStringify(vctx, val)
		if err != nil {
			return structs.Arg{}, protogame.WithStack(err)
		}
		vec := vectorObject{}
		if err := goccy.Unmarshal([]byte(js), &vec); err != nil || vec.X == nil || vec.Y == nil || vec.Z == nil {
			return structs.Arg{}, errors.Errorf("object %s is not a vector with x, y and z", js)
		}
		return structs.Vector(structs.Vec3{X: *vec.X, Y: *vec.Y, Z: *vec.Z}), nil
	}
	return structs.Arg{}, errors.Errorf("unsupported argument type for %s", strings.TrimSpace(val.String()))
}
