package connector

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over an incoming message. The zero
// Filter matches everything.
type Filter struct {
	prog cel.Program
}

// NewFilter compiles expr. Available variables: topic, text, json, now_ms.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog}, nil
}

// Match reports whether m passes. Evaluation errors and non-boolean results
// count as no match.
func (f *Filter) Match(m Message) bool {
	if f == nil || f.prog == nil {
		return true
	}
	var doc any
	_ = json.Unmarshal(m.Payload, &doc)
	out, _, err := f.prog.Eval(map[string]any{
		"topic":  m.Topic,
		"text":   string(m.Payload),
		"json":   doc,
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
