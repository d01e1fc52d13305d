package erc4337

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	uint128Size = 16

	// paymasterFieldsSize is address(20) || verificationGasLimit(16) || postOpGasLimit(16)
	paymasterFieldsSize = common.AddressLength + 2*uint128Size
)

var (
	ErrGasOverflow           = errors.New("value does not fit in 128 bits")
	ErrShortPaymasterAndData = errors.New("paymasterAndData shorter than 52 bytes")
	ErrShortPackedUint       = errors.New("packed value must be 32 bytes")
)

// PackedUserOp represents the packed version of UserOperation for ERC-4337
type PackedUserOp struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   hexutil.Bytes  `json:"accountGasLimits"`
	PreVerificationGas *hexutil.Big   `json:"preVerificationGas"`
	GasFees            hexutil.Bytes  `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// MarshalJSON renders a nil quantity as "0x0" rather than null.
func (puo *PackedUserOp) MarshalJSON() ([]byte, error) {
	type Alias PackedUserOp
	aux := struct {
		Nonce              string `json:"nonce"`
		PreVerificationGas string `json:"preVerificationGas"`
		*Alias
	}{
		Nonce:              encodeQuantity(puo.Nonce),
		PreVerificationGas: encodeQuantity(puo.PreVerificationGas),
		Alias:              (*Alias)(puo),
	}
	return json.Marshal(aux)
}

// GasLimits is the unpacked form of a 16+16 byte packed pair.
type GasLimits struct {
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// PaymasterFields is the unpacked form of paymasterAndData.
type PaymasterFields struct {
	Paymaster                common.Address
	PaymasterVerificationGas *big.Int
	PostOpGasLimit           *big.Int
	PaymasterData            hexutil.Bytes
}

func checkUint128(v *big.Int) error {
	if v.Sign() < 0 || v.BitLen() > 128 {
		return fmt.Errorf("%w: %s", ErrGasOverflow, v.String())
	}
	return nil
}

// putUint128 left pads v into a 16 byte slot.
func putUint128(dst []byte, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if err := checkUint128(v); err != nil {
		return err
	}
	v.FillBytes(dst[:uint128Size])
	return nil
}

// PackUint packs two 128-bit values into one word as high || low.
func PackUint(high, low *big.Int) ([32]byte, error) {
	var out [32]byte
	if err := putUint128(out[:uint128Size], high); err != nil {
		return out, err
	}
	if err := putUint128(out[uint128Size:], low); err != nil {
		return out, err
	}
	return out, nil
}

// UnpackUint splits a packed word at the 16 byte boundary.
func UnpackUint(packed []byte) (high, low *big.Int, err error) {
	if len(packed) != 32 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrShortPackedUint, len(packed))
	}
	high = new(big.Int).SetBytes(packed[:uint128Size])
	low = new(big.Int).SetBytes(packed[uint128Size:])
	return high, low, nil
}

// PackAccountGasLimits packs verificationGasLimit || callGasLimit.
func PackAccountGasLimits(verificationGasLimit, callGasLimit *big.Int) ([32]byte, error) {
	return PackUint(verificationGasLimit, callGasLimit)
}

// UnpackAccountGasLimits is the inverse of PackAccountGasLimits.
func UnpackAccountGasLimits(packed []byte) (*GasLimits, error) {
	verification, call, err := UnpackUint(packed)
	if err != nil {
		return nil, err
	}
	return &GasLimits{VerificationGasLimit: verification, CallGasLimit: call}, nil
}

// PackPaymasterData builds paymaster(20) || verificationGasLimit(16) || postOpGasLimit(16) || data.
func PackPaymasterData(paymaster common.Address, verificationGasLimit, postOpGasLimit *big.Int, data []byte) ([]byte, error) {
	out := make([]byte, paymasterFieldsSize, paymasterFieldsSize+len(data))
	copy(out, paymaster.Bytes())
	if err := putUint128(out[common.AddressLength:], verificationGasLimit); err != nil {
		return nil, fmt.Errorf("paymasterVerificationGasLimit: %w", err)
	}
	if err := putUint128(out[common.AddressLength+uint128Size:], postOpGasLimit); err != nil {
		return nil, fmt.Errorf("paymasterPostOpGasLimit: %w", err)
	}
	return append(out, data...), nil
}

// UnpackPaymasterAndData slices paymasterAndData at the fixed 20/16/16 byte
// boundaries. Empty input yields a zero record.
func UnpackPaymasterAndData(b []byte) (*PaymasterFields, error) {
	if len(b) == 0 {
		return &PaymasterFields{
			PaymasterVerificationGas: new(big.Int),
			PostOpGasLimit:           new(big.Int),
			PaymasterData:            hexutil.Bytes{},
		}, nil
	}
	if len(b) < paymasterFieldsSize {
		return nil, fmt.Errorf("%w: got %d", ErrShortPaymasterAndData, len(b))
	}
	return &PaymasterFields{
		Paymaster:                common.BytesToAddress(b[:common.AddressLength]),
		PaymasterVerificationGas: new(big.Int).SetBytes(b[common.AddressLength : common.AddressLength+uint128Size]),
		PostOpGasLimit:           new(big.Int).SetBytes(b[common.AddressLength+uint128Size : paymasterFieldsSize]),
		PaymasterData:            common.CopyBytes(b[paymasterFieldsSize:]),
	}, nil
}

// PackUserOp packs a UserOperation into a PackedUserOp according to the
// ERC-4337 v0.7 layout. Encoding errors are returned, never truncated.
func (uo *UserOperation) PackUserOp() (*PackedUserOp, error) {
	if err := uo.Validate(); err != nil {
		return nil, err
	}

	accountGasLimits, err := PackAccountGasLimits(bigOrZero(uo.VerificationGasLimit), bigOrZero(uo.CallGasLimit))
	if err != nil {
		return nil, fmt.Errorf("accountGasLimits: %w", err)
	}
	gasFees, err := PackUint(bigOrZero(uo.MaxPriorityFeePerGas), bigOrZero(uo.MaxFeePerGas))
	if err != nil {
		return nil, fmt.Errorf("gasFees: %w", err)
	}

	paymasterAndData := []byte{}
	if uo.HasPaymaster() {
		paymasterAndData, err = PackPaymasterData(*uo.Paymaster, bigOrZero(uo.PaymasterVerificationGasLimit), bigOrZero(uo.PaymasterPostOpGasLimit), uo.PaymasterData)
		if err != nil {
			return nil, err
		}
	}

	callData := uo.CallData
	if callData == nil {
		callData = hexutil.Bytes{}
	}
	signature := uo.Signature
	if signature == nil {
		signature = hexutil.Bytes{}
	}

	return &PackedUserOp{
		Sender:             uo.Sender,
		Nonce:              (*hexutil.Big)(bigOrZero(uo.Nonce)),
		InitCode:           uo.InitCode(),
		CallData:           callData,
		AccountGasLimits:   accountGasLimits[:],
		PreVerificationGas: (*hexutil.Big)(bigOrZero(uo.PreVerificationGas)),
		GasFees:            gasFees[:],
		PaymasterAndData:   paymasterAndData,
		Signature:          signature,
	}, nil
}

// Unpack reverses PackUserOp.
func (puo *PackedUserOp) Unpack() (*UserOperation, error) {
	limits, err := UnpackAccountGasLimits(puo.AccountGasLimits)
	if err != nil {
		return nil, fmt.Errorf("accountGasLimits: %w", err)
	}
	priority, maxFee, err := UnpackUint(puo.GasFees)
	if err != nil {
		return nil, fmt.Errorf("gasFees: %w", err)
	}
	pm, err := UnpackPaymasterAndData(puo.PaymasterAndData)
	if err != nil {
		return nil, err
	}

	uo := &UserOperation{
		Sender:               puo.Sender,
		Nonce:                (*hexutil.Big)(bigOrZero(puo.Nonce)),
		CallData:             common.CopyBytes(puo.CallData),
		CallGasLimit:         (*hexutil.Big)(limits.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(limits.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(bigOrZero(puo.PreVerificationGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(priority),
		MaxFeePerGas:         (*hexutil.Big)(maxFee),
		Signature:            common.CopyBytes(puo.Signature),
	}
	if len(puo.InitCode) > 0 {
		if len(puo.InitCode) < common.AddressLength {
			return nil, fmt.Errorf("%w: initCode shorter than an address", ErrFactoryMismatch)
		}
		factory := common.BytesToAddress(puo.InitCode[:common.AddressLength])
		uo.Factory = &factory
		uo.FactoryData = common.CopyBytes(puo.InitCode[common.AddressLength:])
	}
	if len(puo.PaymasterAndData) > 0 {
		paymaster := pm.Paymaster
		uo.Paymaster = &paymaster
		uo.PaymasterVerificationGasLimit = (*hexutil.Big)(pm.PaymasterVerificationGas)
		uo.PaymasterPostOpGasLimit = (*hexutil.Big)(pm.PostOpGasLimit)
		uo.PaymasterData = pm.PaymasterData
	}
	return uo, nil
}
