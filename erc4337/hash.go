package erc4337

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	// opHashArgs is the packed op with every bytes field replaced by its keccak.
	opHashArgs = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // hashedInitCode
		{Type: bytes32Type}, // hashedCallData
		{Type: bytes32Type}, // accountGasLimits
		{Type: uint256Type}, // preVerificationGas
		{Type: bytes32Type}, // gasFees
		{Type: bytes32Type}, // hashedPaymasterAndData
	}

	domainArgs = abi.Arguments{
		{Type: bytes32Type}, // opHash
		{Type: addressType}, // entryPoint
		{Type: uint256Type}, // chainId
	}
)

// EncodeForHash returns the fixed width ABI encoding of the op used as the
// first stage of the user operation hash.
func (puo *PackedUserOp) EncodeForHash() ([]byte, error) {
	var accountGasLimits, gasFees [32]byte
	copy(accountGasLimits[:], puo.AccountGasLimits)
	copy(gasFees[:], puo.GasFees)

	encoded, err := opHashArgs.Pack(
		puo.Sender,
		bigOrZero(puo.Nonce),
		crypto.Keccak256Hash(puo.InitCode),
		crypto.Keccak256Hash(puo.CallData),
		accountGasLimits,
		bigOrZero(puo.PreVerificationGas),
		gasFees,
		crypto.Keccak256Hash(puo.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user operation: %w", err)
	}
	return encoded, nil
}

// GetUserOpHash computes the domain separated user operation hash:
// keccak(abi.encode(keccak(encodeForHash(op)), entryPoint, chainId)).
func (uo *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := uo.PackUserOp()
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := packed.EncodeForHash()
	if err != nil {
		return common.Hash{}, err
	}
	if chainID == nil {
		chainID = new(big.Int)
	}

	finalEncoded, err := domainArgs.Pack(crypto.Keccak256Hash(encoded), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode final hash: %w", err)
	}
	return crypto.Keccak256Hash(finalEncoded), nil
}

// GetUserOpHashV07 computes the hash against the canonical v0.7 entry point.
func (uo *UserOperation) GetUserOpHashV07(chainId *big.Int) (common.Hash, error) {
	return uo.GetUserOpHash(EntryPointV07, chainId)
}
