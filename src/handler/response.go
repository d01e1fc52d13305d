package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// JSON-RPC 2.0 and ERC-4337 error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeSimulationFailed = -32500
	CodeOpcodeValidation = -32502
)

const jsonRPCVersion = "2.0"

// RPCRequest is a single JSON-RPC 2.0 call. Batches are not supported.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc" binding:"required,eq=2.0"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method" binding:"required"`
	Params  []json.RawMessage `json:"params"`
}

type RPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// respondWithResult sends result, including an explicit null.
func respondWithResult(c *gin.Context, id json.RawMessage, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		respondWithError(c, id, domain.NewError(domain.ErrorCodeInternalProcess, err))
		return
	}
	msg := json.RawMessage(raw)
	c.JSON(http.StatusOK, RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      nullID(id),
		Result:  &msg,
	})
}

// respondWithError sends the error code and client message only. The wrapped
// error and its detail are logged.
func respondWithError(c *gin.Context, id json.RawMessage, err error) {
	domainErr := parseDomainError(err)

	message := domainErr.ClientMsg()
	if message == "" {
		message = defaultMessage(domainErr)
	}
	code := mapDomainErrorToCode(domainErr)

	ctx := c.Request.Context()
	zerolog.Ctx(ctx).Error().Err(err).
		Str("function", "respondWithError").
		Str("error_name", domainErr.Name()).
		Int("error_code", code).
		Interface("detail", domainErr.Detail()).
		Msg(message)

	_ = c.Error(err)
	respondWithCode(c, id, code, message)
}

func respondWithCode(c *gin.Context, id json.RawMessage, code int, message string) {
	c.AbortWithStatusJSON(http.StatusOK, RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      nullID(id),
		Error:   &RPCError{Code: code, Message: message},
	})
}

// parseDomainError extracts domain error information
func parseDomainError(err error) domain.DomainError {
	var domainError domain.DomainError
	// We don't check if errors.As is valid or not
	// because an empty domain.DomainError would return default error data.
	_ = errors.As(err, &domainError)
	return domainError
}

// mapDomainErrorToCode maps domain error names to JSON-RPC error codes
func mapDomainErrorToCode(domainErr domain.DomainError) int {
	switch domainErr.Name() {
	case domain.ErrorCodeParameterInvalid.Name, domain.ErrorCodeResourceNotFound.Name:
		return CodeInvalidParams
	case domain.ErrorCodeSimulationFailed.Name:
		return CodeSimulationFailed
	case domain.ErrorCodeOpcodeValidation.Name:
		return CodeOpcodeValidation
	default:
		return CodeInternalError
	}
}

func defaultMessage(domainErr domain.DomainError) string {
	switch domainErr.Name() {
	case domain.ErrorCodeParameterInvalid.Name:
		return "invalid params"
	case domain.ErrorCodeResourceNotFound.Name:
		return "not found"
	case domain.ErrorCodeSimulationFailed.Name:
		return "simulation failed"
	case domain.ErrorCodeOpcodeValidation.Name:
		return "validation rule violated"
	default:
		return "internal error"
	}
}
