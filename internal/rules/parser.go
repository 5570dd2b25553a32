// Package rules loads derived-field rules declared in YAML rule packs and
// compiles their expressions with expr-lang/expr.
//
// A pack looks like:
//
//	form: form-g
//	rules:
//	  - target: G11
//	    sources: [G10, G3]
//	    expr: "G10 * pct(G3)"
//	    decimals: 0
//
// Expressions see only their declared sources, as numbers, plus the helper
// functions pct(v) and ratio(a, b).
package rules

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/starford/formsync/internal/fieldgraph"
)

// Pack is one decoded rule file.
type Pack struct {
	Form  string     `yaml:"form"`
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec declares one rule.
type RuleSpec struct {
	Target   string   `yaml:"target"`
	Sources  []string `yaml:"sources"`
	Expr     string   `yaml:"expr"`
	Decimals int      `yaml:"decimals"`
}

// Parse decodes a pack and compiles every rule.
func Parse(data []byte) (string, []fieldgraph.Rule, error) {
	var p Pack
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return "", nil, fmt.Errorf("rules: decode: %w", err)
	}
	p.Form = strings.TrimSpace(p.Form)
	if p.Form == "" {
		return "", nil, fmt.Errorf("rules: form is required")
	}
	out := make([]fieldgraph.Rule, 0, len(p.Rules))
	for i, spec := range p.Rules {
		r, err := Compile(spec)
		if err != nil {
			return "", nil, fmt.Errorf("rules: %s rule %d: %w", p.Form, i, err)
		}
		out = append(out, r)
	}
	return p.Form, out, nil
}

var helpers = []expr.Option{
	expr.Function("pct", func(params ...any) (any, error) {
		return fieldgraph.Percent(cast.ToFloat64(params[0])), nil
	}, new(func(float64) float64)),
	expr.Function("ratio", func(params ...any) (any, error) {
		return fieldgraph.Ratio(cast.ToFloat64(params[0]), cast.ToFloat64(params[1])), nil
	}, new(func(float64, float64) float64)),
}

// Compile turns a RuleSpec into a fieldgraph rule.
func Compile(spec RuleSpec) (fieldgraph.Rule, error) {
	target := strings.TrimSpace(spec.Target)
	if target == "" {
		return fieldgraph.Rule{}, fmt.Errorf("target is required")
	}
	if strings.TrimSpace(spec.Expr) == "" {
		return fieldgraph.Rule{}, fmt.Errorf("%s: expr is required", target)
	}
	env := make(map[string]any, len(spec.Sources))
	for _, src := range spec.Sources {
		env[src] = float64(0)
	}
	opts := append([]expr.Option{expr.Env(env)}, helpers...)
	program, err := expr.Compile(spec.Expr, opts...)
	if err != nil {
		return fieldgraph.Rule{}, fmt.Errorf("%s: compile: %w", target, err)
	}
	return fieldgraph.Rule{
		Target:   target,
		Sources:  append([]string(nil), spec.Sources...),
		Decimals: spec.Decimals,
		Compute:  run(program, spec.Sources),
	}, nil
}

func run(program *vm.Program, sources []string) fieldgraph.ComputeFunc {
	return func(in fieldgraph.Inputs) (float64, error) {
		env := make(map[string]any, len(sources))
		for _, src := range sources {
			env[src] = in.Get(src)
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return 0, err
		}
		return cast.ToFloat64E(out)
	}
}
