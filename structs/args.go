package structs

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Kind tags the value carried by an Arg.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindVector:
		return "vector"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}

// Arg is one argument passed from script code to a native method.
// Exactly the field matching Kind is meaningful.
type Arg struct {
	Kind   Kind
	Number float64
	Str    string
	Bool   bool
	Vector Vec3
}

func Number(f float64) Arg { return Arg{Kind: KindNumber, Number: f} }
func String(s string) Arg  { return Arg{Kind: KindString, Str: s} }
func Bool(b bool) Arg      { return Arg{Kind: KindBool, Bool: b} }
func Vector(v Vec3) Arg    { return Arg{Kind: KindVector, Vector: v} }

func (a Arg) String() string {
	switch a.Kind {
	case KindNumber:
		return fmt.Sprint(a.Number)
	case KindString:
		return fmt.Sprintf("%q", a.Str)
	case KindBool:
		return fmt.Sprint(a.Bool)
	case KindVector:
		return a.Vector.String()
	}
	return "?"
}

// AsFloat accepts numbers only.
func (a Arg) AsFloat() (float64, error) {
	if a.Kind != KindNumber {
		return 0, errors.Errorf("expected number, got %v", a.Kind)
	}
	return a.Number, nil
}

// AsInt accepts numbers with no fractional part.
func (a Arg) AsInt() (int, error) {
	f, err := a.AsFloat()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, errors.Errorf("expected integer, got %v", f)
	}
	return int(f), nil
}

// AsString accepts strings only.
func (a Arg) AsString() (string, error) {
	if a.Kind != KindString {
		return "", errors.Errorf("expected string, got %v", a.Kind)
	}
	return a.Str, nil
}

// AsBool accepts booleans and numbers, where any non zero number is true.
func (a Arg) AsBool() (bool, error) {
	switch a.Kind {
	case KindBool:
		return a.Bool, nil
	case KindNumber:
		return a.Number != 0, nil
	}
	return false, errors.Errorf("expected bool, got %v", a.Kind)
}

// Params describes the argument list a method accepts.
type Params []Kind

func (p Params) String() string {
	names := make([]string, len(p))
	for i, k := range p {
		names[i] = k.String()
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Normalize flattens vectors into three numbers where the parameter list expects
// numbers, since scripts may pass either `f(x, y, z)` or `f({x, y, z})`.
func (p Params) Normalize(args []Arg) []Arg {
	if len(args) == len(p) {
		return args
	}
	result := make([]Arg, 0, len(p))
	for _, arg := range args {
		idx := len(result)
		if arg.Kind == KindVector && idx+3 <= len(p) && p[idx] == KindNumber && p[idx+1] == KindNumber && p[idx+2] == KindNumber {
			result = append(result, Number(arg.Vector.X), Number(arg.Vector.Y), Number(arg.Vector.Z))
		} else {
			result = append(result, arg)
		}
	}
	return result
}

// Validate checks the count and kinds of args in a single pass. Numbers are
// accepted where bools are expected.
func (p Params) Validate(method string, args []Arg) error {
	if len(args) != len(p) {
		return errors.Errorf("%s needs %d variables, but receives %d", method, len(p), len(args))
	}
	for i, want := range p {
		got := args[i].Kind
		if got == want || (want == KindBool && got == KindNumber) {
			continue
		}
		return errors.Errorf("%s argument %d: expected %v, got %v", method, i, want, got)
	}
	return nil
}
