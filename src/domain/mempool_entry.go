package domain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var (
	ErrGasOverflow   = errors.New("gas arithmetic overflows 256 bits")
	ErrNilUserOp     = errors.New("user operation is required")
	ErrNilVerdict    = errors.New("verdict is required")
	ErrBadMultiplier = errors.New("paymaster gas multiplier must be positive")
)

// RuleViolation is a policy finding attached to an entry. It is data, not an
// error: an entry with only non-fatal violations is still valid.
type RuleViolation struct {
	Rule    string `json:"rule"`
	Fatal   bool   `json:"fatal"`
	Role    string `json:"role,omitempty"`
	Address string `json:"address,omitempty"`
	Frame   int    `json:"frame"`
	Depth   int    `json:"depth,omitempty"`
	Opcode  string `json:"opcode,omitempty"`
	Message string `json:"message"`
}

func (v RuleViolation) String() string {
	var b strings.Builder
	b.WriteString(v.Rule)
	if v.Role != "" {
		b.WriteString("/" + v.Role)
	}
	if v.Opcode != "" {
		b.WriteString("/" + v.Opcode)
	}
	return b.String()
}

// CodeHashes fingerprints the code of every contract touched during validation.
type CodeHashes struct {
	Hashes      map[common.Address]common.Hash `json:"hashes"`
	Fingerprint common.Hash                    `json:"fingerprint"`
}

// NewCodeHashes computes the fingerprint over address-sorted (address, hash) pairs.
func NewCodeHashes(hashes map[common.Address]common.Hash) CodeHashes {
	addrs := lo.Keys(hashes)
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	buf := make([]byte, 0, len(addrs)*(common.AddressLength+common.HashLength))
	copied := make(map[common.Address]common.Hash, len(hashes))
	for _, a := range addrs {
		h := hashes[a]
		buf = append(buf, a.Bytes()...)
		buf = append(buf, h.Bytes()...)
		copied[a] = h
	}
	return CodeHashes{Hashes: copied, Fingerprint: crypto.Keccak256Hash(buf)}
}

func (c CodeHashes) Addresses() []common.Address {
	addrs := lo.Keys(c.Hashes)
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	return addrs
}

// ReferencedAddresses lists the contracts whose code ran during validation,
// excluding the entry point itself.
func ReferencedAddresses(v *tracer.Verdict, entryPoint common.Address) []common.Address {
	if v == nil {
		return nil
	}
	ep := strings.ToLower(entryPoint.Hex())
	codes := lo.FilterMap(v.Frames, func(f tracer.FrameSummary, _ int) (string, bool) {
		return f.Code, f.Code != ep && f.Code != strings.ToLower(common.Address{}.Hex())
	})
	return lo.Map(lo.Uniq(codes), func(s string, _ int) common.Address {
		return common.HexToAddress(s)
	})
}

// MempoolEntry is an operation that passed simulation. Only the code hash
// fingerprint changes after construction.
type MempoolEntry struct {
	UserOp               *erc4337.UserOperation `json:"userOp"`
	UserOpHash           common.Hash            `json:"userOpHash"`
	EntryPoint           common.Address         `json:"entryPoint"`
	Verdict              *tracer.Verdict        `json:"verdict"`
	Violations           []RuleViolation        `json:"violations"`
	Prefund              *uint256.Int           `json:"prefund"`
	ReferencedCodeHashes CodeHashes             `json:"referencedCodeHashes"`
	SkipValidation       bool                   `json:"skipValidation"`
	Aggregator           *common.Address        `json:"aggregator,omitempty"`
	ValidAfter           uint64                 `json:"validAfter"`
	ValidUntil           uint64                 `json:"validUntil"`
	AddedAt              time.Time              `json:"addedAt"`
}

type MempoolEntryParams struct {
	UserOp         *erc4337.UserOperation
	UserOpHash     common.Hash
	EntryPoint     common.Address
	Verdict        *tracer.Verdict
	Violations     []RuleViolation
	CodeHashes     CodeHashes
	SkipValidation bool
	Aggregator     *common.Address
	ValidAfter     uint64
	ValidUntil     uint64
}

func NewMempoolEntry(p MempoolEntryParams) (*MempoolEntry, error) {
	if p.UserOp == nil {
		return nil, ErrNilUserOp
	}
	if p.Verdict == nil {
		return nil, ErrNilVerdict
	}
	if err := p.UserOp.Validate(); err != nil {
		return nil, err
	}
	prefund, err := Prefund(p.UserOp)
	if err != nil {
		return nil, err
	}
	violations := p.Violations
	if violations == nil {
		violations = []RuleViolation{}
	}
	return &MempoolEntry{
		UserOp:               p.UserOp,
		UserOpHash:           p.UserOpHash,
		EntryPoint:           p.EntryPoint,
		Verdict:              p.Verdict,
		Violations:           violations,
		Prefund:              prefund,
		ReferencedCodeHashes: p.CodeHashes,
		SkipValidation:       p.SkipValidation,
		Aggregator:           p.Aggregator,
		ValidAfter:           p.ValidAfter,
		ValidUntil:           p.ValidUntil,
		AddedAt:              time.Now().UTC(),
	}, nil
}

func gasValue(v *hexutil.Big) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig((*big.Int)(v))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// MaxGas returns preVerificationGas + callGasLimit + verificationGasLimit +
// paymasterVerificationGasLimit + paymasterPostOpGasLimit, missing paymaster
// limits counting as zero.
func MaxGas(op *erc4337.UserOperation) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range []*hexutil.Big{
		op.PreVerificationGas,
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PaymasterVerificationGasLimit,
		op.PaymasterPostOpGasLimit,
	} {
		if _, overflow := total.AddOverflow(total, gasValue(v)); overflow {
			return nil, ErrGasOverflow
		}
	}
	return total, nil
}

// Prefund is the deposit the entry point requires up front: MaxGas * maxFeePerGas.
func Prefund(op *erc4337.UserOperation) (*uint256.Int, error) {
	gas, err := MaxGas(op)
	if err != nil {
		return nil, err
	}
	if _, overflow := gas.MulOverflow(gas, gasValue(op.MaxFeePerGas)); overflow {
		return nil, ErrGasOverflow
	}
	return gas, nil
}

// ExpectedCost estimates the wei cost of the op with the paymaster
// verification limit scaled by multiplier. It is informational only.
func ExpectedCost(op *erc4337.UserOperation, multiplier decimal.Decimal) (decimal.Decimal, error) {
	if !multiplier.IsPositive() {
		return decimal.Zero, ErrBadMultiplier
	}
	dec := func(v *hexutil.Big) decimal.Decimal {
		return decimal.NewFromBigInt(gasValue(v).ToBig(), 0)
	}
	gas := dec(op.PreVerificationGas).
		Add(dec(op.CallGasLimit)).
		Add(dec(op.VerificationGasLimit)).
		Add(dec(op.PaymasterPostOpGasLimit))
	if op.HasPaymaster() {
		gas = gas.Add(dec(op.PaymasterVerificationGasLimit).Mul(multiplier).Ceil())
	}
	return gas.Mul(dec(op.MaxFeePerGas)), nil
}

// MaxGas is the worst case gas the entry may consume.
func (e *MempoolEntry) MaxGas() *uint256.Int {
	gas, err := MaxGas(e.UserOp)
	if err != nil {
		// unreachable for entries built by NewMempoolEntry
		return new(uint256.Int).SetAllOne()
	}
	return gas
}

// IsValid reports whether no fatal violation was recorded.
func (e *MempoolEntry) IsValid() bool {
	return !lo.SomeBy(e.Violations, func(v RuleViolation) bool { return v.Fatal })
}

// NeedsRevalidation reports whether the code under the entry changed.
func (e *MempoolEntry) NeedsRevalidation(current CodeHashes) bool {
	return e.ReferencedCodeHashes.Fingerprint != current.Fingerprint
}

// ReplaceCodeHashes records the fingerprint observed by a successful re-validation.
func (e *MempoolEntry) ReplaceCodeHashes(current CodeHashes) {
	e.ReferencedCodeHashes = current
}

func (e *MempoolEntry) Sender() common.Address {
	return e.UserOp.Sender
}

// SenderNonceKey identifies the single pending slot an entry may occupy.
func (e *MempoolEntry) SenderNonceKey() string {
	return SenderNonceKey(e.UserOp.Sender, (*big.Int)(e.UserOp.Nonce))
}

func SenderNonceKey(sender common.Address, nonce *big.Int) string {
	if nonce == nil {
		nonce = new(big.Int)
	}
	return fmt.Sprintf("%s:%s", strings.ToLower(sender.Hex()), hexutil.EncodeBig(nonce))
}

// Expired reports whether the validity window has closed at now.
func (e *MempoolEntry) Expired(now time.Time) bool {
	vd := erc4337.ValidationData{ValidUntil: e.ValidUntil}
	return vd.Expired(uint64(now.Unix()))
}

// FatalViolations returns only the violations that reject the entry.
func (e *MempoolEntry) FatalViolations() []RuleViolation {
	return lo.Filter(e.Violations, func(v RuleViolation, _ int) bool { return v.Fatal })
}
