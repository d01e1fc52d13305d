package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const defaultSimulationGas = 20_000_000

// Simulator acquires validation traces and code from a node.
type Simulator interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TraceValidation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*tracer.TraceResult, tracer.CallContext, error)
	CodeHashes(ctx context.Context, addrs []common.Address) (map[common.Address]common.Hash, error)
}

type SimulationConfig struct {
	NodeRPCURL string
	// ChainID skips the eth_chainId lookup when non-zero.
	ChainID int64
	Timeout time.Duration
	GasCap  uint64
	// SimulationCode is placed at the entry point address through a state
	// override when set, for nodes without EntryPointSimulations deployed.
	SimulationCode hexutil.Bytes
}

type SimulationService struct {
	config SimulationConfig
	rpc    *rpc.Client
	client *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

func NewSimulationService(ctx context.Context, config SimulationConfig) (*SimulationService, error) {
	c, err := rpc.DialContext(ctx, config.NodeRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.GasCap == 0 {
		config.GasCap = defaultSimulationGas
	}
	s := &SimulationService{
		config: config,
		rpc:    c,
		client: ethclient.NewClient(c),
	}
	if config.ChainID != 0 {
		s.chainID = big.NewInt(config.ChainID)
	}
	return s, nil
}

// logger wraps the execution context with component info
func (s *SimulationService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "simulation").Logger()
	return &l
}

func (s *SimulationService) Close() {
	s.client.Close()
}

// ChainID returns the configured chain id or asks the node once.
func (s *SimulationService) ChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID != nil {
		return new(big.Int).Set(s.chainID), nil
	}
	id, err := s.client.ChainID(ctx)
	if err != nil {
		s.logger(ctx).Error().Err(err).Msg("failed to get chain id")
		return nil, err
	}
	s.chainID = id
	return new(big.Int).Set(id), nil
}

type traceCallArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
	Gas  hexutil.Uint64 `json:"gas"`
}

type traceCallConfig struct {
	EnableMemory     bool                              `json:"enableMemory"`
	DisableStorage   bool                              `json:"disableStorage"`
	EnableReturnData bool                              `json:"enableReturnData"`
	StateOverrides   map[common.Address]overrideAccount `json:"stateOverrides,omitempty"`
}

type overrideAccount struct {
	Code hexutil.Bytes `json:"code"`
}

// TraceValidation runs simulateValidation for op under the struct logger and
// returns the raw trace with the call it was produced by.
func (s *SimulationService) TraceValidation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*tracer.TraceResult, tracer.CallContext, error) {
	calldata, err := erc4337.EncodeSimulateValidation(op)
	if err != nil {
		return nil, tracer.CallContext{}, err
	}

	call := tracer.CallContext{
		To:    entryPoint,
		Input: calldata,
		Gas:   hexutil.Uint64(s.config.GasCap),
	}
	args := traceCallArgs{From: call.From, To: call.To, Data: call.Input, Gas: call.Gas}
	cfg := traceCallConfig{
		EnableMemory:     true,
		DisableStorage:   true,
		EnableReturnData: true,
	}
	if len(s.config.SimulationCode) > 0 {
		cfg.StateOverrides = map[common.Address]overrideAccount{
			entryPoint: {Code: s.config.SimulationCode},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	var result tracer.TraceResult
	if err := s.rpc.CallContext(ctx, &result, "debug_traceCall", args, "latest", cfg); err != nil {
		s.logger(ctx).Error().Err(err).
			Str("sender", op.Sender.Hex()).
			Str("entry_point", entryPoint.Hex()).
			Msg("debug_traceCall failed")
		return nil, call, fmt.Errorf("debug_traceCall: %w", err)
	}

	s.logger(ctx).Debug().
		Str("sender", op.Sender.Hex()).
		Int("steps", len(result.StructLogs)).
		Bool("failed", result.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("validation trace acquired")

	return &result, call, nil
}

// CodeHashes fetches the current code of each address and hashes it.
func (s *SimulationService) CodeHashes(ctx context.Context, addrs []common.Address) (map[common.Address]common.Hash, error) {
	hashes := make(map[common.Address]common.Hash, len(addrs))
	for _, addr := range addrs {
		code, err := s.client.CodeAt(ctx, addr, nil)
		if err != nil {
			s.logger(ctx).Error().Err(err).
				Str("address", addr.Hex()).
				Msg("failed to get code")
			return nil, fmt.Errorf("eth_getCode %s: %w", addr.Hex(), err)
		}
		hashes[addr] = crypto.Keccak256Hash(code)
	}
	return hashes, nil
}

// revertReason renders the revert data of a failed trace for operator logs.
func revertReason(trace *tracer.TraceResult) string {
	data, err := trace.ReturnData()
	if err != nil {
		return trace.ReturnValue
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}
