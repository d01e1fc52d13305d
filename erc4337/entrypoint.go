package erc4337

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DepositToSelector is depositTo(address), the only entry point method an
// entity may call during validation.
var DepositToSelector = [4]byte{0xb7, 0x60, 0xfa, 0xf9}

const packedUserOpComponents = `[
	{"name":"sender","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"initCode","type":"bytes"},
	{"name":"callData","type":"bytes"},
	{"name":"accountGasLimits","type":"bytes32"},
	{"name":"preVerificationGas","type":"uint256"},
	{"name":"gasFees","type":"bytes32"},
	{"name":"paymasterAndData","type":"bytes"},
	{"name":"signature","type":"bytes"}
]`

const stakeInfoComponents = `[
	{"name":"stake","type":"uint256"},
	{"name":"unstakeDelaySec","type":"uint256"}
]`

var entryPointSimulationsABI = mustParseABI(`[{
	"type":"function","name":"simulateValidation","stateMutability":"nonpayable",
	"inputs":[{"name":"userOp","type":"tuple","components":` + packedUserOpComponents + `}],
	"outputs":[{"name":"","type":"tuple","components":[
		{"name":"returnInfo","type":"tuple","components":[
			{"name":"preOpGas","type":"uint256"},
			{"name":"prefund","type":"uint256"},
			{"name":"accountValidationData","type":"uint256"},
			{"name":"paymasterValidationData","type":"uint256"},
			{"name":"paymasterContext","type":"bytes"}]},
		{"name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"aggregatorInfo","type":"tuple","components":[
			{"name":"aggregator","type":"address"},
			{"name":"stakeInfo","type":"tuple","components":` + stakeInfoComponents + `}]}
	]}]
}]`)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// packedUserOpTuple mirrors the PackedUserOperation struct field for field so
// the abi package can encode it as a tuple.
type packedUserOpTuple struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func (puo *PackedUserOp) tuple() packedUserOpTuple {
	t := packedUserOpTuple{
		Sender:             puo.Sender,
		Nonce:              bigOrZero(puo.Nonce),
		InitCode:           puo.InitCode,
		CallData:           puo.CallData,
		PreVerificationGas: bigOrZero(puo.PreVerificationGas),
		PaymasterAndData:   puo.PaymasterAndData,
		Signature:          puo.Signature,
	}
	copy(t.AccountGasLimits[:], puo.AccountGasLimits)
	copy(t.GasFees[:], puo.GasFees)
	return t
}

// EncodeTuple returns the full ABI encoding of the op as a PackedUserOperation tuple.
func (puo *PackedUserOp) EncodeTuple() ([]byte, error) {
	method := entryPointSimulationsABI.Methods["simulateValidation"]
	encoded, err := method.Inputs.Pack(puo.tuple())
	if err != nil {
		return nil, fmt.Errorf("failed to encode packed user operation: %w", err)
	}
	return encoded, nil
}

// EncodeSimulateValidation builds calldata for EntryPointSimulations.simulateValidation.
func EncodeSimulateValidation(uo *UserOperation) ([]byte, error) {
	packed, err := uo.PackUserOp()
	if err != nil {
		return nil, err
	}
	data, err := entryPointSimulationsABI.Pack("simulateValidation", packed.tuple())
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateValidation: %w", err)
	}
	return data, nil
}

type ReturnInfo struct {
	PreOpGas                *big.Int
	Prefund                 *big.Int
	AccountValidationData   *big.Int
	PaymasterValidationData *big.Int
	PaymasterContext        []byte
}

type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type AggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  StakeInfo
}

// ValidationResult is the return value of simulateValidation.
type ValidationResult struct {
	ReturnInfo     ReturnInfo
	SenderInfo     StakeInfo
	FactoryInfo    StakeInfo
	PaymasterInfo  StakeInfo
	AggregatorInfo AggregatorStakeInfo
}

// DecodeValidationResult decodes simulateValidation return data.
func DecodeValidationResult(returnData []byte) (*ValidationResult, error) {
	method := entryPointSimulationsABI.Methods["simulateValidation"]
	values, err := method.Outputs.Unpack(returnData)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack ValidationResult: %w", err)
	}
	var out struct {
		Result ValidationResult
	}
	if err := method.Outputs.Copy(&out, values); err != nil {
		return nil, fmt.Errorf("failed to copy ValidationResult: %w", err)
	}
	return &out.Result, nil
}

// EncodeValidationResult ABI-encodes r the way simulateValidation returns it.
func EncodeValidationResult(r *ValidationResult) ([]byte, error) {
	data, err := entryPointSimulationsABI.Methods["simulateValidation"].Outputs.Pack(*r)
	if err != nil {
		return nil, fmt.Errorf("failed to pack ValidationResult: %w", err)
	}
	return data, nil
}

// ValidationData is the unpacked form of a validationData word:
// aggregatorOrSigFail (low 160 bits) | validUntil (48 bits) | validAfter (48 bits).
type ValidationData struct {
	Aggregator common.Address
	SigFailed  bool
	ValidUntil uint64
	ValidAfter uint64
}

var (
	mask160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	mask48  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
)

// DecodeValidationData splits a validationData word.
func DecodeValidationData(validationData *big.Int) ValidationData {
	if validationData == nil {
		return ValidationData{}
	}
	aggregatorOrSigFail := new(big.Int).And(validationData, mask160)
	validUntil := new(big.Int).And(new(big.Int).Rsh(validationData, 160), mask48)
	validAfter := new(big.Int).And(new(big.Int).Rsh(validationData, 208), mask48)

	vd := ValidationData{
		ValidUntil: validUntil.Uint64(),
		ValidAfter: validAfter.Uint64(),
	}
	switch aggregatorOrSigFail.Cmp(big.NewInt(1)) {
	case 0:
		vd.SigFailed = true
	case 1:
		vd.Aggregator = common.BigToAddress(aggregatorOrSigFail)
	}
	return vd
}

// HasAggregator reports whether the account delegated signature checks.
func (vd ValidationData) HasAggregator() bool {
	return vd.Aggregator != (common.Address{})
}

// Expired reports whether the validity window excludes the given timestamp.
// A zero validUntil means no expiry.
func (vd ValidationData) Expired(now uint64) bool {
	if vd.ValidUntil != 0 && now > vd.ValidUntil {
		return true
	}
	return now < vd.ValidAfter
}
