package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// BundlerService is what the RPC surface needs from the mempool.
// *service.MempoolService implements it.
type BundlerService interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SupportedEntryPoints() []common.Address
	Add(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error)
	GetByHash(ctx context.Context, hash common.Hash) (*domain.MempoolEntry, error)
	Dump(ctx context.Context) ([]*domain.MempoolEntry, error)
}

type rpcMethod func(ctx context.Context, params []json.RawMessage) (interface{}, error)

type RPCHandler struct {
	bundler BundlerService
	methods map[string]rpcMethod
}

func NewRPCHandler(bundler BundlerService) *RPCHandler {
	h := &RPCHandler{bundler: bundler}
	h.methods = map[string]rpcMethod{
		"eth_sendUserOperation":      h.sendUserOperation,
		"eth_chainId":                h.chainID,
		"eth_supportedEntryPoints":   h.supportedEntryPoints,
		"eth_getUserOperationByHash": h.getUserOperationByHash,
		"debug_bundler_dumpMempool":  h.dumpMempool,
	}
	return h
}

func (h *RPCHandler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("handler", "rpc").Logger()
	return &l
}

// HandleRPC godoc
// @Summary ERC-4337 bundler JSON-RPC endpoint
// @Description eth_sendUserOperation, eth_chainId, eth_supportedEntryPoints, eth_getUserOperationByHash and debug_bundler_dumpMempool
// @Tags rpc
// @Accept json
// @Produce json
// @Param request body RPCRequest true "JSON-RPC 2.0 request"
// @Success 200 {object} RPCResponse
// @Router /rpc [post]
func (h *RPCHandler) HandleRPC(c *gin.Context) {
	var req RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger(c.Request.Context()).Debug().Err(err).Msg("invalid rpc request")
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			respondWithCode(c, req.ID, CodeInvalidRequest, "invalid request")
			return
		}
		respondWithCode(c, nil, CodeParseError, "parse error")
		return
	}

	logger := h.logger(c.Request.Context()).With().Str("rpc_method", req.Method).Logger()
	ctx := logger.WithContext(c.Request.Context())

	method, ok := h.methods[req.Method]
	if !ok {
		respondWithCode(c, req.ID, CodeMethodNotFound, fmt.Sprintf("method %s not found", req.Method))
		return
	}

	result, err := method(ctx, req.Params)
	if err != nil {
		respondWithError(c, req.ID, err)
		return
	}
	respondWithResult(c, req.ID, result)
}

func invalidParams(err error) error {
	return domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("invalid params: "+err.Error()))
}

// param decodes params[i] into out. Optional params may be absent.
func param(params []json.RawMessage, i int, out interface{}, optional bool) error {
	if i >= len(params) || string(params[i]) == "null" {
		if optional {
			return nil
		}
		return invalidParams(fmt.Errorf("missing param %d", i))
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return invalidParams(fmt.Errorf("param %d: %w", i, err))
	}
	return nil
}

func (h *RPCHandler) sendUserOperation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var op erc4337.UserOperation
	if err := param(params, 0, &op, false); err != nil {
		return nil, err
	}
	var entryPoint common.Address
	if err := param(params, 1, &entryPoint, false); err != nil {
		return nil, err
	}
	return h.bundler.Add(ctx, &op, entryPoint)
}

func (h *RPCHandler) chainID(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	id, err := h.bundler.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(id), nil
}

func (h *RPCHandler) supportedEntryPoints(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return h.bundler.SupportedEntryPoints(), nil
}

// getUserOperationByHash returns null for unknown hashes.
func (h *RPCHandler) getUserOperationByHash(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := param(params, 0, &hash, false); err != nil {
		return nil, err
	}
	entry, err := h.bundler.GetByHash(ctx, hash)
	if errors.Is(err, domain.CodeError(domain.ErrorCodeResourceNotFound)) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &erc4337.UserOperationByHash{
		UserOperation: entry.UserOp,
		EntryPoint:    entry.EntryPoint,
		UserOpHash:    entry.UserOpHash,
	}, nil
}

// dumpMempool lists pending operations, oldest first, optionally filtered by
// entry point.
func (h *RPCHandler) dumpMempool(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var entryPoint *common.Address
	if err := param(params, 0, &entryPoint, true); err != nil {
		return nil, err
	}
	entries, err := h.bundler.Dump(ctx)
	if err != nil {
		return nil, err
	}
	ops := lo.FilterMap(entries, func(e *domain.MempoolEntry, _ int) (*erc4337.UserOperation, bool) {
		return e.UserOp, entryPoint == nil || e.EntryPoint == *entryPoint
	})
	return ops, nil
}
