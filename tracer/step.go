package tracer

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

const (
	wordSize = 32

	// memoryPadLimit bounds zero padding past the end of recorded memory.
	memoryPadLimit = 1024 * 1024
)

// StackOrder tells the replay how the node ordered stack entries.
type StackOrder int

const (
	// StackTopLast is the geth struct logger layout: bottom first, top last.
	StackTopLast StackOrder = iota
	StackTopFirst
)

// StepError is raised (as a panic) when a tracer reads a step in a way the
// record cannot satisfy. Replay converts it into a ReplayError.
type StepError struct {
	Index int
	Op    string
	Msg   string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Index, e.Op, e.Msg)
}

// Step is a read-only view over the current RawTraceStep. Accessors decode
// lazily, nothing is materialized until asked for.
type Step struct {
	raw   *RawTraceStep
	index int
	order StackOrder
	frame CallFrame
}

func newStep(raw *RawTraceStep, index int, order StackOrder) *Step {
	return &Step{raw: raw, index: index, order: order}
}

func (s *Step) fail(format string, args ...interface{}) {
	panic(&StepError{Index: s.index, Op: s.raw.Op, Msg: fmt.Sprintf(format, args...)})
}

func (s *Step) Index() int      { return s.index }
func (s *Step) PC() uint64      { return s.raw.Pc }
func (s *Step) Gas() uint64     { return s.raw.Gas }
func (s *Step) GasCost() uint64 { return s.raw.GasCost }
func (s *Step) Depth() int      { return s.raw.Depth }
func (s *Step) Error() string   { return s.raw.Error }

// Address is the storage context the step executes in.
func (s *Step) Address() common.Address { return s.frame.Context }

// Frame is the call frame the step executes in.
func (s *Step) Frame() CallFrame { return s.frame }

func (s *Step) Op() Opcode {
	return Opcode(s.raw.Op)
}

func (s *Step) Stack() Stack {
	return Stack{step: s}
}

func (s *Step) Memory() Memory {
	return Memory{step: s}
}

// Opcode is the mnemonic reported by the node.
type Opcode string

var opcodeAliases = map[string]string{
	"SHA3":       "KECCAK256",
	"DIFFICULTY": "PREVRANDAO",
	"PREVRANDAO": "DIFFICULTY",
}

func (o Opcode) String() string { return string(o) }

func (o Opcode) IsPush() bool {
	return strings.HasPrefix(string(o), "PUSH")
}

// Value returns the numeric opcode. Unknown mnemonics map to INVALID.
func (o Opcode) Value() vm.OpCode {
	op, _ := o.lookup()
	return op
}

// Known reports whether the mnemonic names a real opcode.
func (o Opcode) Known() bool {
	_, ok := o.lookup()
	return ok
}

func (o Opcode) lookup() (vm.OpCode, bool) {
	name := string(o)
	if name == "STOP" {
		return vm.STOP, true
	}
	if op := vm.StringToOp(name); op != vm.STOP {
		return op, true
	}
	if alias, ok := opcodeAliases[name]; ok {
		if op := vm.StringToOp(alias); op != vm.STOP {
			return op, true
		}
	}
	return vm.INVALID, false
}

// Stack exposes the operand stack with index 0 at the top.
type Stack struct {
	step *Step
}

func (st Stack) Len() int {
	return len(st.step.raw.Stack)
}

// Peek returns the i-th element from the top.
func (st Stack) Peek(i int) *uint256.Int {
	words := st.step.raw.Stack
	if i < 0 || i >= len(words) {
		st.step.fail("stack index %d out of range (len %d)", i, len(words))
	}
	pos := len(words) - 1 - i
	if st.step.order == StackTopFirst {
		pos = i
	}
	v, err := parseWord(words[pos])
	if err != nil {
		st.step.fail("stack[%d]: %v", i, err)
	}
	return v
}

// PeekUint64 is Peek for operands used as offsets or lengths.
func (st Stack) PeekUint64(i int) uint64 {
	v := st.Peek(i)
	if !v.IsUint64() {
		st.step.fail("stack[%d] does not fit in 64 bits", i)
	}
	return v.Uint64()
}

func parseWord(s string) (*uint256.Int, error) {
	s = strings.TrimLeft(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), "0")
	if s == "" {
		return new(uint256.Int), nil
	}
	v := new(uint256.Int)
	if err := v.SetFromHex("0x" + s); err != nil {
		return nil, err
	}
	return v, nil
}

// Memory exposes recorded memory as a byte array backed by 32 byte words.
type Memory struct {
	step *Step
}

// Len returns the memory size in bytes.
func (m Memory) Len() int {
	return len(m.step.raw.Memory) * wordSize
}

func (m Memory) word(index int) []byte {
	raw := strings.TrimPrefix(m.step.raw.Memory[index], "0x")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) > wordSize {
		m.step.fail("memory word %d is not a 32 byte hex word", index)
	}
	if len(b) < wordSize {
		padded := make([]byte, wordSize)
		copy(padded[wordSize-len(b):], b)
		b = padded
	}
	return b
}

// GetUint returns the whole word at wordIndex.
func (m Memory) GetUint(wordIndex int) *uint256.Int {
	if wordIndex < 0 || wordIndex >= len(m.step.raw.Memory) {
		m.step.fail("memory word %d out of range (words %d)", wordIndex, len(m.step.raw.Memory))
	}
	return new(uint256.Int).SetBytes(m.word(wordIndex))
}

// Slice returns bytes [start, end). Bytes past the recorded memory read as zero.
func (m Memory) Slice(start, end int64) []byte {
	if start < 0 || end < 0 {
		m.step.fail("negative memory offset [%d, %d)", start, end)
	}
	if end < start {
		m.step.fail("memory range end %d before start %d", end, start)
	}
	size := int64(m.Len())
	if end > size && end-size > memoryPadLimit {
		m.step.fail("memory range [%d, %d) exceeds recorded memory %d", start, end, size)
	}

	out := make([]byte, end-start)
	if start >= size || start == end {
		return out
	}
	first := start / wordSize
	last := (min(end, size) - 1) / wordSize
	for w := first; w <= last; w++ {
		word := m.word(int(w))
		wordStart := w * wordSize
		from := max(start, wordStart)
		to := min(end, wordStart+wordSize)
		copy(out[from-start:to-start], word[from-wordStart:to-wordStart])
	}
	return out
}
