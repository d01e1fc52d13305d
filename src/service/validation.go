package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/rules"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	RuleSignature = "signature"
	RuleExpired   = "expired"
)

// AuditLog persists validation outcomes. *repository.EntryRepository
// implements it.
type AuditLog interface {
	CreateEntry(record *domain.MempoolEntryModel) error
	UpdateEntryStatus(userOpHash common.Hash, status domain.EntryStatus, errMsg *string) error
}

type ValidationConfig struct {
	EntryPoints            []common.Address
	TracerName             string
	MempoolID              string
	PaymasterGasMultiplier decimal.Decimal
}

// ValidationService takes an operation from submission to a MempoolEntry:
// trace acquisition, replay, policy evaluation and code fingerprinting.
type ValidationService struct {
	simulator Simulator
	registry  *tracer.Registry
	policy    *rules.Policy
	audit     AuditLog
	metrics   *Metrics
	config    ValidationConfig
	now       func() time.Time
}

// NewValidationService wires the validation pipeline. audit may be nil.
func NewValidationService(
	simulator Simulator,
	registry *tracer.Registry,
	policy *rules.Policy,
	audit AuditLog,
	metrics *Metrics,
	config ValidationConfig,
) *ValidationService {
	if len(config.EntryPoints) == 0 {
		config.EntryPoints = []common.Address{erc4337.EntryPointV07}
	}
	if config.TracerName == "" {
		config.TracerName = tracer.CollectorName
	}
	if config.MempoolID == "" {
		config.MempoolID = policy.ID()
	}
	if !config.PaymasterGasMultiplier.IsPositive() {
		config.PaymasterGasMultiplier = decimal.NewFromInt(1)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ValidationService{
		simulator: simulator,
		registry:  registry,
		policy:    policy,
		audit:     audit,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// logger wraps the execution context with component info
func (s *ValidationService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "validation").Logger()
	return &l
}

func (s *ValidationService) SupportedEntryPoints() []common.Address {
	return append([]common.Address(nil), s.config.EntryPoints...)
}

func (s *ValidationService) SupportsEntryPoint(entryPoint common.Address) bool {
	return lo.Contains(s.config.EntryPoints, entryPoint)
}

func (s *ValidationService) MempoolID() string {
	return s.config.MempoolID
}

// Validate simulates op against entryPoint and returns the resulting entry.
// Every outcome is written to the audit log when one is configured.
func (s *ValidationService) Validate(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*domain.MempoolEntry, error) {
	return s.validate(ctx, op, entryPoint, true)
}

// Revalidate re-runs validation for a pending entry without writing a new
// audit row. The returned entry keeps the original admission time.
func (s *ValidationService) Revalidate(ctx context.Context, entry *domain.MempoolEntry) (*domain.MempoolEntry, error) {
	revalidated, err := s.validate(ctx, entry.UserOp, entry.EntryPoint, false)
	if err != nil {
		return nil, err
	}
	revalidated.AddedAt = entry.AddedAt
	return revalidated, nil
}

func (s *ValidationService) validate(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address, record bool) (*domain.MempoolEntry, error) {
	attemptID := uuid.NewString()
	l := s.logger(ctx).With().Str("attempt_id", attemptID).Logger()

	if op == nil {
		s.metrics.Validations.WithLabelValues(OutcomeInvalid).Inc()
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid, domain.ErrNilUserOp, domain.WithMsg("missing user operation"))
	}
	if !s.SupportsEntryPoint(entryPoint) {
		s.metrics.Validations.WithLabelValues(OutcomeInvalid).Inc()
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("unsupported entry point %s", entryPoint.Hex()),
			domain.WithMsg("unsupported entry point "+entryPoint.Hex()))
	}
	if err := op.Validate(); err != nil {
		s.metrics.Validations.WithLabelValues(OutcomeInvalid).Inc()
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg(err.Error()))
	}

	chainID, err := s.simulator.ChainID(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeRemoteProcess, err, domain.WithMsg("node unavailable"))
	}
	hash, err := op.GetUserOpHash(entryPoint, chainID)
	if err != nil {
		s.metrics.Validations.WithLabelValues(OutcomeInvalid).Inc()
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg(err.Error()))
	}

	l = l.With().Str("user_op_hash", hash.Hex()).Str("sender", op.Sender.Hex()).Logger()
	rc := domain.RecordContext{
		ChainID:    chainID.Int64(),
		MempoolID:  s.config.MempoolID,
		EntryPoint: entryPoint,
		UserOpHash: hash,
	}

	trace, call, err := s.simulator.TraceValidation(ctx, op, entryPoint)
	if err != nil {
		l.Error().Err(err).Msg("failed to acquire validation trace")
		return nil, domain.NewError(domain.ErrorCodeRemoteProcess, err, domain.WithMsg("failed to simulate user operation"))
	}
	if trace.Failed {
		reason := revertReason(trace)
		l.Warn().Str("revert_reason", reason).Msg("validation simulation reverted")
		return nil, s.simulationFailed(ctx, rc, op, record, fmt.Errorf("simulation reverted: %s", reason), "simulation reverted")
	}

	t, err := s.registry.New(s.config.TracerName)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}

	start := time.Now()
	verdict, err := tracer.Replay[*tracer.Verdict](trace, call, t)
	s.metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		event := l.Error().Err(err).Int("steps", len(trace.StructLogs))
		var re *tracer.ReplayError
		if errors.As(err, &re) {
			event = event.Int("step", re.Index).Uint64("pc", re.PC).Str("op", re.Op).Int("depth", re.Depth)
		}
		event.Msg("failed to replay validation trace")
		return nil, s.simulationFailed(ctx, rc, op, record, err, "invalid validation trace")
	}
	if verdict == nil {
		l.Error().Msg("validation trace has no steps")
		return nil, s.simulationFailed(ctx, rc, op, record, errors.New("empty validation trace"), "empty validation trace")
	}

	returnData, err := trace.ReturnData()
	if err != nil {
		return nil, s.simulationFailed(ctx, rc, op, record, err, "invalid simulation result")
	}
	result, err := erc4337.DecodeValidationResult(returnData)
	if err != nil {
		l.Error().Err(err).Msg("failed to decode validation result")
		return nil, s.simulationFailed(ctx, rc, op, record, err, "invalid simulation result")
	}

	violations, err := s.policy.Evaluate(verdict, rules.EntitiesOf(op, entryPoint))
	if err != nil {
		l.Error().Err(err).Msg("failed to evaluate mempool rules")
		return nil, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}
	window := s.validationWindow(op, result)
	violations = append(violations, window.violations...)

	hashes, err := s.simulator.CodeHashes(ctx, domain.ReferencedAddresses(verdict, entryPoint))
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeRemoteProcess, err, domain.WithMsg("failed to fetch contract code"))
	}

	entry, err := domain.NewMempoolEntry(domain.MempoolEntryParams{
		UserOp:     op,
		UserOpHash: hash,
		EntryPoint: entryPoint,
		Verdict:    verdict,
		Violations: violations,
		CodeHashes: domain.NewCodeHashes(hashes),
		Aggregator: window.aggregator,
		ValidAfter: window.validAfter,
		ValidUntil: window.validUntil,
	})
	if err != nil {
		s.metrics.Validations.WithLabelValues(OutcomeInvalid).Inc()
		if errors.Is(err, domain.ErrGasOverflow) {
			return nil, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg(err.Error()))
		}
		return nil, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}

	if record {
		s.recordEntry(ctx, rc, entry)
	}

	if !entry.IsValid() {
		s.metrics.Validations.WithLabelValues(OutcomeRejected).Inc()
		fatal := entry.FatalViolations()
		l.Info().
			Strs("violations", lo.Map(fatal, func(v domain.RuleViolation, _ int) string { return v.String() })).
			Msg("user operation rejected by mempool rules")
		return nil, domain.NewError(domain.ErrorCodeOpcodeValidation,
			fmt.Errorf("%d fatal rule violations", len(fatal)),
			domain.WithMsg(fatal[0].Message),
			domain.WithDetail("rule", fatal[0].String()))
	}

	s.metrics.Validations.WithLabelValues(OutcomeAccepted).Inc()
	l.Debug().
		Int("violations", len(entry.Violations)).
		Int("frames", len(verdict.Frames)).
		Msg("user operation validated")
	return entry, nil
}

type validationWindow struct {
	aggregator *common.Address
	validAfter uint64
	validUntil uint64
	violations []domain.RuleViolation
}

// validationWindow intersects the account and paymaster validity windows and
// turns signature failures and a closed window into fatal violations.
func (s *ValidationService) validationWindow(op *erc4337.UserOperation, result *erc4337.ValidationResult) validationWindow {
	account := erc4337.DecodeValidationData(result.ReturnInfo.AccountValidationData)
	paymaster := erc4337.DecodeValidationData(result.ReturnInfo.PaymasterValidationData)

	var w validationWindow
	if account.SigFailed {
		w.violations = append(w.violations, domain.RuleViolation{
			Rule:    RuleSignature,
			Fatal:   true,
			Role:    string(rules.RoleSender),
			Address: strings.ToLower(op.Sender.Hex()),
			Message: "account signature validation failed",
		})
	}
	if paymaster.SigFailed {
		v := domain.RuleViolation{
			Rule:    RuleSignature,
			Fatal:   true,
			Role:    string(rules.RolePaymaster),
			Message: "paymaster signature validation failed",
		}
		if op.Paymaster != nil {
			v.Address = strings.ToLower(op.Paymaster.Hex())
		}
		w.violations = append(w.violations, v)
	}
	if account.HasAggregator() {
		w.aggregator = lo.ToPtr(account.Aggregator)
	}

	w.validAfter = max(account.ValidAfter, paymaster.ValidAfter)
	w.validUntil = account.ValidUntil
	if paymaster.ValidUntil != 0 && (w.validUntil == 0 || paymaster.ValidUntil < w.validUntil) {
		w.validUntil = paymaster.ValidUntil
	}

	now := uint64(s.now().Unix())
	if w.validUntil != 0 && now > w.validUntil {
		w.violations = append(w.violations, domain.RuleViolation{
			Rule:    RuleExpired,
			Fatal:   true,
			Message: fmt.Sprintf("validity window closed at %d", w.validUntil),
		})
	}
	return w
}

func (s *ValidationService) simulationFailed(ctx context.Context, rc domain.RecordContext, op *erc4337.UserOperation, record bool, cause error, msg string) error {
	s.metrics.Validations.WithLabelValues(OutcomeSimulationFail).Inc()
	if record && s.audit != nil {
		row, err := domain.NewFailedRecord(rc, op, cause)
		if err == nil {
			err = s.audit.CreateEntry(row)
		}
		if err != nil {
			s.logger(ctx).Error().Err(err).Msg("failed to write audit record")
		}
	}
	return domain.NewError(domain.ErrorCodeSimulationFailed, cause, domain.WithMsg(msg))
}

func (s *ValidationService) recordEntry(ctx context.Context, rc domain.RecordContext, entry *domain.MempoolEntry) {
	if s.audit == nil {
		return
	}
	row, err := domain.NewEntryRecord(rc, entry, s.config.PaymasterGasMultiplier)
	if err == nil {
		err = s.audit.CreateEntry(row)
	}
	if err != nil {
		s.logger(ctx).Error().Err(err).
			Str("user_op_hash", entry.UserOpHash.Hex()).
			Msg("failed to write audit record")
	}
}

// markEvicted flags the accepted audit row of an evicted entry.
func (s *ValidationService) markEvicted(ctx context.Context, hash common.Hash, cause error) {
	if s.audit == nil {
		return
	}
	var msg *string
	if cause != nil {
		msg = lo.ToPtr(cause.Error())
	}
	if err := s.audit.UpdateEntryStatus(hash, domain.EntryStatusEvicted, msg); err != nil {
		s.logger(ctx).Error().Err(err).
			Str("user_op_hash", hash.Hex()).
			Msg("failed to mark audit record evicted")
	}
}
