// Package tracer replays node struct-log traces and drives rule tracers over
// them step by step.
package tracer

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RawTraceStep is one struct-log entry as returned by debug_traceCall with the
// default logger. Once Error is set the remaining fields are unreliable.
type RawTraceStep struct {
	Pc      uint64   `json:"pc"`
	Op      string   `json:"op"`
	Gas     uint64   `json:"gas"`
	GasCost uint64   `json:"gasCost"`
	Depth   int      `json:"depth"`
	Error   string   `json:"error,omitempty"`
	Memory  []string `json:"memory,omitempty"`
	Stack   []string `json:"stack,omitempty"`
}

// TraceResult is the top level debug_traceCall response.
type TraceResult struct {
	Gas         uint64         `json:"gas"`
	Failed      bool           `json:"failed"`
	ReturnValue string         `json:"returnValue"`
	StructLogs  []RawTraceStep `json:"structLogs"`
}

// ReturnData decodes ReturnValue. Nodes disagree on the 0x prefix.
func (r *TraceResult) ReturnData() ([]byte, error) {
	s := strings.TrimPrefix(r.ReturnValue, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid returnValue: %w", err)
	}
	return b, nil
}

// CallContext describes the call that produced the trace. It seeds the root frame.
type CallContext struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Input hexutil.Bytes  `json:"input"`
	Gas   hexutil.Uint64 `json:"gas"`
	Value *hexutil.Big   `json:"value"`
}

func (c CallContext) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.Value.ToInt())
}
