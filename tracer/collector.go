package tracer

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
)

// CollectorName is the registry key of the built-in collector.
const CollectorName = "bundlerCollectorTracer"

type collectorConfig struct {
	// IgnoredOpcodes are left out of per-frame histograms. The global
	// histogram always counts every step.
	IgnoredOpcodes []string `json:"ignoredOpcodes"`
}

// Collector gathers opcode, storage, keccak and call data over a trace. It
// makes no accept or reject decision.
type Collector struct {
	verdict *Verdict
	ignored map[string]struct{}
	// open holds indexes into verdict.Frames, innermost last.
	open []int
}

var (
	_ Tracer[*Verdict] = (*Collector)(nil)
	_ Setuper          = (*Collector)(nil)
	_ Enterer          = (*Collector)(nil)
	_ Exiter           = (*Collector)(nil)
	_ Faulter          = (*Collector)(nil)
)

func NewCollector() *Collector {
	return &Collector{verdict: newVerdict(), ignored: map[string]struct{}{}}
}

func (c *Collector) Setup(cfg json.RawMessage) error {
	c.verdict = newVerdict()
	c.ignored = map[string]struct{}{}
	c.open = nil
	if len(cfg) == 0 {
		return nil
	}
	var conf collectorConfig
	if err := json.Unmarshal(cfg, &conf); err != nil {
		return fmt.Errorf("invalid collector config: %w", err)
	}
	for _, op := range conf.IgnoredOpcodes {
		c.ignored[op] = struct{}{}
	}
	return nil
}

func (c *Collector) summary(frame CallFrame, parent int) FrameSummary {
	return FrameSummary{
		Index:    len(c.verdict.Frames),
		Parent:   parent,
		Depth:    frame.Depth,
		Type:     frame.Type,
		Address:  lowerHex(frame.Context),
		Code:     lowerHex(frame.To),
		Selector: frame.Selector.String(),
		Opcodes:  make(map[string]int),
	}
}

// current returns the innermost open frame, opening the root on first use.
func (c *Collector) current(step *Step) *FrameSummary {
	if len(c.open) == 0 {
		root := c.summary(step.Frame(), -1)
		c.verdict.Frames = append(c.verdict.Frames, root)
		c.open = append(c.open, root.Index)
	}
	return &c.verdict.Frames[c.open[len(c.open)-1]]
}

func (c *Collector) Enter(frame CallFrame) {
	parent := -1
	if len(c.open) > 0 {
		parent = c.open[len(c.open)-1]
	}
	c.verdict.Calls = append(c.verdict.Calls, CallRecord{
		Type:  frame.Type,
		From:  lowerHex(frame.From),
		To:    lowerHex(frame.To),
		Value: hexutil.EncodeBig(frame.Value),
	})
	s := c.summary(frame, parent)
	c.verdict.Frames = append(c.verdict.Frames, s)
	c.open = append(c.open, s.Index)
}

func (c *Collector) Exit(exit FrameExit) {
	if len(c.open) <= 1 {
		return
	}
	idx := c.open[len(c.open)-1]
	c.open = c.open[:len(c.open)-1]
	c.verdict.Frames[idx].Reverted = exit.Reverted
}

func (c *Collector) Step(step *Step) {
	frame := c.current(step)
	op := step.Op()
	name := op.String()

	c.verdict.Opcodes[name]++
	if _, skip := c.ignored[name]; !skip {
		frame.Opcodes[name]++
	}

	switch op.Value() {
	case vm.SLOAD, vm.SSTORE:
		slot := step.Stack().Peek(0).Hex()
		addr := lowerHex(step.Address())
		write := op.Value() == vm.SSTORE
		c.verdict.Slots[slot]++
		if write {
			c.verdict.Writes[addr]++
		} else {
			c.verdict.Reads[addr]++
		}
		frame.Storage = append(frame.Storage, StorageAccess{Address: addr, Slot: slot, Write: write})
	case vm.KECCAK256:
		stack := step.Stack()
		offset, length := stack.PeekUint64(0), stack.PeekUint64(1)
		if length != 2*wordSize {
			return
		}
		preimage := step.Memory().Slice(int64(offset), int64(offset+length))
		c.verdict.Keccak = append(c.verdict.Keccak, [2]string{
			hexutil.Encode(preimage[:wordSize]),
			hexutil.Encode(preimage[wordSize:]),
		})
	}
}

// Fault records the error only. Other fields of a faulted step are unreliable.
func (c *Collector) Fault(step *Step) {
	frame := c.current(step)
	frame.Faulted = true
	c.verdict.Faults = append(c.verdict.Faults, Fault{
		Index: step.Index(),
		Frame: frame.Index,
		Error: step.Error(),
	})
}

func (c *Collector) Result(_ *ResultContext) *Verdict {
	return c.verdict
}
