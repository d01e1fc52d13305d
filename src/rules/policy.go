package rules

import (
	"fmt"
	"strings"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

// Role is the entity a frame executes on behalf of.
type Role string

const (
	RoleNone      Role = ""
	RoleSender    Role = "sender"
	RoleFactory   Role = "factory"
	RolePaymaster Role = "paymaster"
)

// Entities are the participants of one operation's validation.
type Entities struct {
	EntryPoint common.Address
	Sender     common.Address
	Factory    *common.Address
	Paymaster  *common.Address
}

func EntitiesOf(op *erc4337.UserOperation, entryPoint common.Address) Entities {
	sender, factory, paymaster := op.Entities()
	return Entities{EntryPoint: entryPoint, Sender: sender, Factory: factory, Paymaster: paymaster}
}

func lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func lowerPtr(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return lower(*addr)
}

func (e Entities) roleOf(addr string) Role {
	switch addr {
	case lower(e.Sender):
		return RoleSender
	case lowerPtr(e.Factory):
		return RoleFactory
	case lowerPtr(e.Paymaster):
		return RolePaymaster
	}
	return RoleNone
}

func (e Entities) addressOf(r Role) string {
	switch r {
	case RoleSender:
		return lower(e.Sender)
	case RoleFactory:
		return lowerPtr(e.Factory)
	case RolePaymaster:
		return lowerPtr(e.Paymaster)
	}
	return ""
}

// finding is a rule hit inside frame. target is the contract whose storage
// or code the hit is about, when that differs from the frame.
type finding struct {
	frame  tracer.FrameSummary
	role   Role
	target string
	opcode string
	msg    string
}

type rule struct {
	name       string
	fatal      bool
	exceptions []Exception
	check      func(ev *evaluation) ([]finding, error)
}

// Policy is a compiled rule set for one mempool.
type Policy struct {
	id    string
	rules []*rule
}

func NewPolicy(id string, cfg map[string]RuleConfig, expressions []ExpressionRule) (*Policy, error) {
	p := &Policy{id: id}
	for _, name := range builtinRules {
		rc, ok := cfg[name]
		if !ok || rc.Enabled == nil || !*rc.Enabled {
			continue
		}
		check, err := builtinCheck(name, rc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		p.rules = append(p.rules, &rule{
			name:       name,
			fatal:      rc.Fatal != nil && *rc.Fatal,
			exceptions: rc.Exceptions,
			check:      check,
		})
	}
	for _, e := range expressions {
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		check, err := compileExpression(e)
		if err != nil {
			return nil, fmt.Errorf("expression %s: %w", e.Name, err)
		}
		p.rules = append(p.rules, &rule{name: e.Name, fatal: e.Fatal, check: check})
	}
	return p, nil
}

func (p *Policy) ID() string {
	return p.id
}

// Rules lists the enabled rule names in evaluation order.
func (p *Policy) Rules() []string {
	return lo.Map(p.rules, func(r *rule, _ int) string { return r.name })
}

// Evaluate runs every enabled rule over the verdict. Findings covered by an
// exception are dropped; the rest become violations carrying the rule's
// fatal flag.
func (p *Policy) Evaluate(v *tracer.Verdict, entities Entities) ([]domain.RuleViolation, error) {
	if v == nil {
		return nil, domain.ErrNilVerdict
	}
	ev := newEvaluation(v, entities)
	violations := []domain.RuleViolation{}
	for _, r := range p.rules {
		findings, err := r.check(ev)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.name, err)
		}
		for _, f := range findings {
			if lo.SomeBy(r.exceptions, func(e Exception) bool { return e.matches(f) }) {
				continue
			}
			violations = append(violations, domain.RuleViolation{
				Rule:    r.name,
				Fatal:   r.fatal,
				Role:    string(f.role),
				Address: f.frame.Code,
				Frame:   f.frame.Index,
				Depth:   f.frame.Depth,
				Opcode:  f.opcode,
				Message: f.msg,
			})
		}
	}
	return violations, nil
}

func (e Exception) matches(f finding) bool {
	if e.Role != RoleNone && e.Role != f.role {
		return false
	}
	if e.Address != "" && !lo.SomeBy([]string{f.frame.Code, f.frame.Address, f.target}, func(a string) bool {
		return a != "" && strings.EqualFold(e.Address, a)
	}) {
		return false
	}
	if e.Depth != 0 && e.Depth != f.frame.Depth {
		return false
	}
	if e.Opcode != "" && !strings.EqualFold(e.Opcode, f.frame.Type) {
		return false
	}
	if e.Selector != "" && !strings.EqualFold(e.Selector, f.frame.Selector) {
		return false
	}
	return true
}

// evaluation holds what every rule derives from the same verdict.
type evaluation struct {
	verdict    *tracer.Verdict
	entities   Entities
	entryPoint string
	roles      []Role
}

func newEvaluation(v *tracer.Verdict, entities Entities) *evaluation {
	ev := &evaluation{
		verdict:    v,
		entities:   entities,
		entryPoint: lower(entities.EntryPoint),
		roles:      make([]Role, len(v.Frames)),
	}
	for i := range v.Frames {
		ev.roles[i] = ev.frameRole(i)
	}
	return ev
}

// frameRole attributes a frame to the outermost entity on its call path, so
// a sender deployed by the factory still runs under the factory.
func (ev *evaluation) frameRole(index int) Role {
	chain := ev.verdict.Ancestors(index)
	for i := len(chain) - 1; i >= 0; i-- {
		if r := ev.entities.roleOf(ev.verdict.Frames[chain[i]].Address); r != RoleNone {
			return r
		}
	}
	return RoleNone
}

func (ev *evaluation) role(frame int) Role {
	if frame < 0 || frame >= len(ev.roles) {
		return RoleNone
	}
	return ev.roles[frame]
}

func describe(r Role) string {
	if r == RoleNone {
		return "entry point"
	}
	return string(r)
}
