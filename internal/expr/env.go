// Package expr compiles the CEL policies that decide whether a request may
// reach the backend.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs against the gate activation:
// recipient and product entities, the request snapshot and the current time.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to gate policies.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("recipient", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("product", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("api", cel.StringType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program}, nil
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
