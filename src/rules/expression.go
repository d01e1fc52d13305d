package rules

import (
	"fmt"

	"github.com/ethaccount/bundler/tracer"
	"github.com/expr-lang/expr"
	"github.com/samber/lo"
)

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

// exprEnv exposes the verdict to expression rules. Addresses are lower-case
// hex, absent entities are empty strings.
func exprEnv(v *tracer.Verdict, e Entities) map[string]interface{} {
	return map[string]interface{}{
		"opcodes": nonNil(v.Opcodes),
		"slots":   nonNil(v.Slots),
		"reads":   nonNil(v.Reads),
		"writes":  nonNil(v.Writes),
		"keccak": lo.Map(v.Keccak, func(p [2]string, _ int) []string {
			return []string{p[0], p[1]}
		}),
		"calls": lo.Map(v.Calls, func(c tracer.CallRecord, _ int) map[string]interface{} {
			return map[string]interface{}{"type": c.Type, "from": c.From, "to": c.To, "value": c.Value}
		}),
		"faults":     lo.Map(v.Faults, func(f tracer.Fault, _ int) string { return f.Error }),
		"sender":     lower(e.Sender),
		"factory":    lowerPtr(e.Factory),
		"paymaster":  lowerPtr(e.Paymaster),
		"entryPoint": lower(e.EntryPoint),
	}
}

func compileExpression(rule ExpressionRule) (func(*evaluation) ([]finding, error), error) {
	program, err := expr.Compile(rule.When, expr.Env(exprEnv(&tracer.Verdict{}, Entities{})), expr.AsBool())
	if err != nil {
		return nil, err
	}
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("expression %s matched", rule.Name)
	}
	return func(ev *evaluation) ([]finding, error) {
		result, err := expr.Run(program, exprEnv(ev.verdict, ev.entities))
		if err != nil {
			return nil, err
		}
		if matched, _ := result.(bool); !matched {
			return nil, nil
		}
		var root tracer.FrameSummary
		if len(ev.verdict.Frames) > 0 {
			root = ev.verdict.Frames[0]
		}
		return []finding{{frame: root, msg: msg}}, nil
	}, nil
}
