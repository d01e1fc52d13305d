package tracer

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Verdict is the data collected over one validation trace. It is handed to
// policy evaluation and persisted for audit.
type Verdict struct {
	Opcodes map[string]int `json:"opcodes"`
	Slots   map[string]int `json:"slots"`
	Reads   map[string]int `json:"reads"`
	Writes  map[string]int `json:"writes"`
	Keccak  [][2]string    `json:"keccak"`
	Calls   []CallRecord   `json:"calls"`

	Frames []FrameSummary `json:"frames"`
	Faults []Fault        `json:"faults,omitempty"`
}

// CallRecord is a CallFrame with lower-cased addresses and a hex value.
type CallRecord struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

// StorageAccess is one SLOAD or SSTORE inside a frame.
type StorageAccess struct {
	Address string `json:"address"`
	Slot    string `json:"slot"`
	Write   bool   `json:"write,omitempty"`
}

// FrameSummary aggregates what happened inside a single frame. Index 0 is
// the root call.
type FrameSummary struct {
	Index    int             `json:"index"`
	Parent   int             `json:"parent"`
	Depth    int             `json:"depth"`
	Type     string          `json:"type"`
	Address  string          `json:"address"`
	Code     string          `json:"code"`
	Selector string          `json:"selector,omitempty"`
	Opcodes  map[string]int  `json:"opcodes"`
	Storage  []StorageAccess `json:"storage,omitempty"`
	Reverted bool            `json:"reverted,omitempty"`
	Faulted  bool            `json:"faulted,omitempty"`
}

// Fault is a step that carried an execution error.
type Fault struct {
	Index int    `json:"index"`
	Frame int    `json:"frame"`
	Error string `json:"error"`
}

func newVerdict() *Verdict {
	return &Verdict{
		Opcodes: make(map[string]int),
		Slots:   make(map[string]int),
		Reads:   make(map[string]int),
		Writes:  make(map[string]int),
		Keccak:  [][2]string{},
		Calls:   []CallRecord{},
		Frames:  []FrameSummary{},
	}
}

// ChildrenOf returns the indexes of frames directly called from parent.
func (v *Verdict) ChildrenOf(parent int) []int {
	var out []int
	if len(v.Frames) < 2 {
		return nil
	}
	for _, f := range v.Frames[1:] {
		if f.Parent == parent {
			out = append(out, f.Index)
		}
	}
	return out
}

// Ancestors returns the chain of frame indexes from index up to the root,
// index included.
func (v *Verdict) Ancestors(index int) []int {
	var out []int
	for index >= 0 && index < len(v.Frames) {
		out = append(out, index)
		if index == 0 {
			break
		}
		index = v.Frames[index].Parent
	}
	return out
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
