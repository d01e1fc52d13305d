package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// ExecutionService signs user operations with an owner key and submits them
// to a bundler.
type ExecutionService struct {
	bundler    erc4337.Bundler
	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
}

func NewExecutionService(bundler erc4337.Bundler, privateKeyHex string, chainID *big.Int) (*ExecutionService, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &ExecutionService{
		bundler:    bundler,
		privateKey: privateKey,
		chainID:    new(big.Int).Set(chainID),
	}, nil
}

// logger wraps the execution context with component info
func (s *ExecutionService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "execution").Logger()
	return &l
}

// Owner is the address recovered from signatures made by this service.
func (s *ExecutionService) Owner() common.Address {
	return crypto.PubkeyToAddress(s.privateKey.PublicKey)
}

// Sign sets op.Signature to a personal_sign (EIP-191) signature over the
// user operation hash.
func (s *ExecutionService) Sign(op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	userOpHash, err := op.GetUserOpHash(entryPoint, s.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create user operation hash: %w", err)
	}

	signature, err := crypto.Sign(accounts.TextHash(userOpHash.Bytes()), s.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign user operation: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27

	op.Signature = signature
	return userOpHash, nil
}

// Execute signs op and sends it to the bundler, returning the hash the
// bundler reported.
func (s *ExecutionService) Execute(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	s.logger(ctx).Info().
		Str("sender", op.Sender.Hex()).
		Str("entry_point", entryPoint.Hex()).
		Str("chain_id", s.chainID.String()).
		Msg("executing user operation")

	userOpHash, err := s.Sign(op, entryPoint)
	if err != nil {
		s.logger(ctx).Error().Err(err).Msg("failed to sign user operation")
		return common.Hash{}, err
	}

	s.logger(ctx).Debug().
		Str("user_op_hash", userOpHash.Hex()).
		Msg("user operation signed successfully")

	sent, err := s.bundler.SendUserOperation(ctx, op, entryPoint)
	if err != nil {
		s.logger(ctx).Error().Err(err).
			Str("user_op_hash", userOpHash.Hex()).
			Msg("failed to send user operation to bundler")
		return common.Hash{}, fmt.Errorf("failed to send user operation to bundler: %w", err)
	}

	if sent != userOpHash {
		s.logger(ctx).Warn().
			Str("expected", userOpHash.Hex()).
			Str("reported", sent.Hex()).
			Msg("bundler reported a different user operation hash")
	}

	s.logger(ctx).Info().
		Str("user_op_hash", sent.Hex()).
		Msg("user operation sent")

	return sent, nil
}
