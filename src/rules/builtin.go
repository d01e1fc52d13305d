package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/samber/lo"
)

func builtinCheck(name string, rc RuleConfig) (func(*evaluation) ([]finding, error), error) {
	switch name {
	case RuleBannedOpcodes:
		if err := checkOpcodes(rc.Opcodes); err != nil {
			return nil, err
		}
		banned := make(map[vm.OpCode]struct{}, len(rc.Opcodes))
		for _, op := range rc.Opcodes {
			banned[tracer.Opcode(strings.ToUpper(op)).Value()] = struct{}{}
		}
		return func(ev *evaluation) ([]finding, error) { return checkBannedOpcodes(ev, banned), nil }, nil
	case RuleCreate2:
		return func(ev *evaluation) ([]finding, error) { return checkCreate2(ev), nil }, nil
	case RuleStorageAccess:
		slots := rc.AssociatedSlots
		if slots == 0 {
			slots = DefaultAssociatedSlots
		}
		return func(ev *evaluation) ([]finding, error) { return checkStorageAccess(ev, slots), nil }, nil
	case RuleEntryPointCall:
		allowed := lo.SliceToMap(rc.AllowedSelectors, func(s string) (string, struct{}) {
			return strings.ToLower(s), struct{}{}
		})
		return func(ev *evaluation) ([]finding, error) { return checkEntryPointCalls(ev, allowed), nil }, nil
	case RuleFaults:
		return func(ev *evaluation) ([]finding, error) { return checkFaults(ev), nil }, nil
	}
	return nil, ErrUnknownRule
}

// sortedOpcodes returns the opcode names of a frame histogram in a stable order.
func sortedOpcodes(f tracer.FrameSummary) []string {
	names := lo.Keys(f.Opcodes)
	sort.Strings(names)
	return names
}

func checkBannedOpcodes(ev *evaluation, banned map[vm.OpCode]struct{}) []finding {
	var out []finding
	for _, f := range ev.verdict.Frames {
		r := ev.role(f.Index)
		if r == RoleNone {
			continue
		}
		for _, name := range sortedOpcodes(f) {
			if _, ok := banned[tracer.Opcode(name).Value()]; !ok || f.Opcodes[name] == 0 {
				continue
			}
			out = append(out, finding{
				frame:  f,
				role:   r,
				opcode: name,
				msg:    fmt.Sprintf("%s uses banned opcode %s", r, name),
			})
		}
	}
	return out
}

func countOp(f tracer.FrameSummary, op vm.OpCode) int {
	return lo.SumBy(lo.Keys(f.Opcodes), func(name string) int {
		if tracer.Opcode(name).Value() != op {
			return 0
		}
		return f.Opcodes[name]
	})
}

func checkCreate2(ev *evaluation) []finding {
	var out []finding
	total := 0
	for _, f := range ev.verdict.Frames {
		n := countOp(f, vm.CREATE2)
		r := ev.role(f.Index)
		if n == 0 || r == RoleNone {
			continue
		}
		if r != RoleFactory {
			out = append(out, finding{frame: f, role: r, opcode: "CREATE2", msg: fmt.Sprintf("%s uses CREATE2 outside the factory", r)})
			continue
		}
		total += n
		if total > 1 {
			out = append(out, finding{frame: f, role: r, opcode: "CREATE2", msg: fmt.Sprintf("factory uses CREATE2 %d times", total)})
		}
	}
	return out
}

// associatedSlots returns the keccak results whose preimage is keyed by
// the sender, including mappings nested under such a slot.
func associatedSlots(ev *evaluation, span uint64) []*uint256.Int {
	senderWord := hexutil.Encode(common.LeftPadBytes(ev.entities.Sender.Bytes(), 32))
	var bases []*uint256.Int
	inRange := func(v *uint256.Int) bool {
		return lo.SomeBy(bases, func(base *uint256.Int) bool {
			return !v.Lt(base) && new(uint256.Int).Sub(v, base).LtUint64(span)
		})
	}
	for _, pair := range ev.verdict.Keccak {
		key, err := hexutil.Decode(pair[0])
		if err != nil {
			continue
		}
		slot, err := hexutil.Decode(pair[1])
		if err != nil {
			continue
		}
		if !strings.EqualFold(pair[0], senderWord) && !inRange(new(uint256.Int).SetBytes(slot)) {
			continue
		}
		bases = append(bases, new(uint256.Int).SetBytes(crypto.Keccak256(key, slot)))
	}
	return bases
}

func checkStorageAccess(ev *evaluation, span uint64) []finding {
	bases := associatedSlots(ev, span)
	associated := func(slot string) bool {
		v, err := uint256.FromHex(slot)
		if err != nil {
			return false
		}
		return lo.SomeBy(bases, func(base *uint256.Int) bool {
			return !v.Lt(base) && new(uint256.Int).Sub(v, base).LtUint64(span)
		})
	}

	sender := lower(ev.entities.Sender)
	var out []finding
	for _, f := range ev.verdict.Frames {
		r := ev.role(f.Index)
		if r == RoleNone {
			continue
		}
		own := ev.entities.addressOf(r)
		for _, acc := range f.Storage {
			if acc.Address == own || acc.Address == sender || acc.Address == ev.entryPoint {
				continue
			}
			if associated(acc.Slot) {
				continue
			}
			op := "SLOAD"
			if acc.Write {
				op = "SSTORE"
			}
			out = append(out, finding{
				frame:  f,
				role:   r,
				target: acc.Address,
				opcode: op,
				msg:    fmt.Sprintf("%s accesses slot %s of %s", r, acc.Slot, acc.Address),
			})
		}
	}
	return out
}

func checkEntryPointCalls(ev *evaluation, allowed map[string]struct{}) []finding {
	var out []finding
	for _, f := range ev.verdict.Frames {
		if f.Index == 0 || f.Code != ev.entryPoint {
			continue
		}
		r := ev.role(f.Index)
		if r == RoleNone {
			continue
		}
		if _, ok := allowed[strings.ToLower(f.Selector)]; ok {
			continue
		}
		out = append(out, finding{
			frame:  f,
			role:   r,
			target: ev.entryPoint,
			opcode: f.Type,
			msg:    fmt.Sprintf("%s calls entry point method %s", r, f.Selector),
		})
	}
	return out
}

func checkFaults(ev *evaluation) []finding {
	var out []finding
	for _, fault := range ev.verdict.Faults {
		var frame tracer.FrameSummary
		if fault.Frame >= 0 && fault.Frame < len(ev.verdict.Frames) {
			frame = ev.verdict.Frames[fault.Frame]
		}
		r := ev.role(fault.Frame)
		out = append(out, finding{
			frame: frame,
			role:  r,
			msg:   fmt.Sprintf("%s faulted at step %d: %s", describe(r), fault.Index, fault.Error),
		})
	}
	return out
}
