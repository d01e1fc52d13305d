package erc4337

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EntryPointV07 address constant
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

var (
	ErrFactoryMismatch   = errors.New("factory and factoryData must be both present or both absent")
	ErrPaymasterMismatch = errors.New("paymaster fields must be all present or all absent")
	ErrInvalidHex        = errors.New("invalid hex quantity")
)

// UserOperation represents the ERC-4337 v0.7 user operation structure.
// It is never mutated once submitted.
type UserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory"`
	FactoryData                   hexutil.Bytes   `json:"factoryData"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// userOperationJSON carries the numeric fields as raw strings so that node and
// wallet encodings with leading zeros ("0x00") are still accepted.
type userOperationJSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         string          `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  string          `json:"callGasLimit"`
	VerificationGasLimit          string          `json:"verificationGasLimit"`
	PreVerificationGas            string          `json:"preVerificationGas"`
	MaxPriorityFeePerGas          string          `json:"maxPriorityFeePerGas"`
	MaxFeePerGas                  string          `json:"maxFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit string          `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string          `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// MarshalJSON implements custom JSON marshaling for UserOperation
func (uo *UserOperation) MarshalJSON() ([]byte, error) {
	aux := userOperationJSON{
		Sender:                        uo.Sender,
		Nonce:                         encodeQuantity(uo.Nonce),
		Factory:                       uo.Factory,
		FactoryData:                   uo.FactoryData,
		CallData:                      uo.CallData,
		CallGasLimit:                  encodeQuantity(uo.CallGasLimit),
		VerificationGasLimit:          encodeQuantity(uo.VerificationGasLimit),
		PreVerificationGas:            encodeQuantity(uo.PreVerificationGas),
		MaxPriorityFeePerGas:          encodeQuantity(uo.MaxPriorityFeePerGas),
		MaxFeePerGas:                  encodeQuantity(uo.MaxFeePerGas),
		Paymaster:                     uo.Paymaster,
		PaymasterData:                 uo.PaymasterData,
		Signature:                     uo.Signature,
	}
	if uo.CallData == nil {
		aux.CallData = hexutil.Bytes{}
	}
	if uo.Signature == nil {
		aux.Signature = hexutil.Bytes{}
	}
	if uo.Paymaster != nil {
		aux.PaymasterVerificationGasLimit = encodeQuantity(uo.PaymasterVerificationGasLimit)
		aux.PaymasterPostOpGasLimit = encodeQuantity(uo.PaymasterPostOpGasLimit)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements custom JSON unmarshaling for UserOperation
func (uo *UserOperation) UnmarshalJSON(data []byte) error {
	var aux userOperationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  **hexutil.Big
	}{
		{"nonce", aux.Nonce, &uo.Nonce},
		{"callGasLimit", aux.CallGasLimit, &uo.CallGasLimit},
		{"verificationGasLimit", aux.VerificationGasLimit, &uo.VerificationGasLimit},
		{"preVerificationGas", aux.PreVerificationGas, &uo.PreVerificationGas},
		{"maxPriorityFeePerGas", aux.MaxPriorityFeePerGas, &uo.MaxPriorityFeePerGas},
		{"maxFeePerGas", aux.MaxFeePerGas, &uo.MaxFeePerGas},
		{"paymasterVerificationGasLimit", aux.PaymasterVerificationGasLimit, &uo.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", aux.PaymasterPostOpGasLimit, &uo.PaymasterPostOpGasLimit},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = nil
			continue
		}
		v, err := ParseHexBig(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = (*hexutil.Big)(v)
	}

	uo.Sender = aux.Sender
	uo.Factory = aux.Factory
	uo.FactoryData = aux.FactoryData
	uo.CallData = aux.CallData
	uo.Paymaster = aux.Paymaster
	uo.PaymasterData = aux.PaymasterData
	uo.Signature = aux.Signature
	return nil
}

// ParseHexBig parses a 0x-prefixed (or bare) hex quantity, tolerating leading zeros.
func ParseHexBig(hexStr string) (*big.Int, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X")
	if s == "" {
		return big.NewInt(0), nil
	}
	result, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHex, hexStr)
	}
	return result, nil
}

func encodeQuantity(v *hexutil.Big) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig((*big.Int)(v))
}

// bigOrZero returns the value as *big.Int, treating nil as zero.
func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}

func isZero(v *hexutil.Big) bool {
	return v == nil || (*big.Int)(v).Sign() == 0
}

// HasFactory reports whether the operation deploys its sender.
func (uo *UserOperation) HasFactory() bool {
	return uo.Factory != nil && *uo.Factory != (common.Address{})
}

// HasPaymaster reports whether the operation is sponsored by a paymaster.
func (uo *UserOperation) HasPaymaster() bool {
	return uo.Paymaster != nil && *uo.Paymaster != (common.Address{})
}

// Validate checks the structural invariants: factory/factoryData and the
// paymaster group are all-or-nothing, and every gas field fits in 128 bits.
func (uo *UserOperation) Validate() error {
	if uo.HasFactory() != (len(uo.FactoryData) > 0) {
		return ErrFactoryMismatch
	}

	if uo.HasPaymaster() {
		if uo.PaymasterVerificationGasLimit == nil || uo.PaymasterPostOpGasLimit == nil {
			return ErrPaymasterMismatch
		}
	} else if !isZero(uo.PaymasterVerificationGasLimit) || !isZero(uo.PaymasterPostOpGasLimit) || len(uo.PaymasterData) > 0 {
		return ErrPaymasterMismatch
	}

	gasFields := []struct {
		name string
		v    *hexutil.Big
	}{
		{"callGasLimit", uo.CallGasLimit},
		{"verificationGasLimit", uo.VerificationGasLimit},
		{"preVerificationGas", uo.PreVerificationGas},
		{"maxPriorityFeePerGas", uo.MaxPriorityFeePerGas},
		{"maxFeePerGas", uo.MaxFeePerGas},
		{"paymasterVerificationGasLimit", uo.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", uo.PaymasterPostOpGasLimit},
	}
	for _, f := range gasFields {
		if err := checkUint128(bigOrZero(f.v)); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if n := bigOrZero(uo.Nonce); n.Sign() < 0 || n.BitLen() > 256 {
		return fmt.Errorf("nonce: %w", ErrGasOverflow)
	}
	return nil
}

// InitCode returns factory || factoryData, or empty bytes when no factory is set.
func (uo *UserOperation) InitCode() []byte {
	if !uo.HasFactory() {
		return []byte{}
	}
	initCode := make([]byte, 0, common.AddressLength+len(uo.FactoryData))
	initCode = append(initCode, uo.Factory.Bytes()...)
	return append(initCode, uo.FactoryData...)
}

// Entities returns the addresses of the entities taking part in validation.
func (uo *UserOperation) Entities() (sender common.Address, factory, paymaster *common.Address) {
	sender = uo.Sender
	if uo.HasFactory() {
		f := *uo.Factory
		factory = &f
	}
	if uo.HasPaymaster() {
		p := *uo.Paymaster
		paymaster = &p
	}
	return sender, factory, paymaster
}
