package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/rules"
	"github.com/ethaccount/bundler/src/testutil"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSimulator struct {
	chainID  *big.Int
	trace    *tracer.TraceResult
	traceErr error
	codes    map[common.Address]common.Hash
	traces   int
}

func newFakeSimulator(trace *tracer.TraceResult) *fakeSimulator {
	return &fakeSimulator{
		chainID: big.NewInt(1),
		trace:   trace,
		codes:   map[common.Address]common.Hash{},
	}
}

func (f *fakeSimulator) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeSimulator) TraceValidation(_ context.Context, _ *erc4337.UserOperation, entryPoint common.Address) (*tracer.TraceResult, tracer.CallContext, error) {
	f.traces++
	call := tracer.CallContext{To: entryPoint, Gas: hexutil.Uint64(defaultSimulationGas)}
	if f.traceErr != nil {
		return nil, call, f.traceErr
	}
	// each attempt gets its own copy, as a node response would be
	trace := *f.trace
	trace.StructLogs = append([]tracer.RawTraceStep(nil), f.trace.StructLogs...)
	return &trace, call, nil
}

func (f *fakeSimulator) CodeHashes(_ context.Context, addrs []common.Address) (map[common.Address]common.Hash, error) {
	out := make(map[common.Address]common.Hash, len(addrs))
	for _, a := range addrs {
		out[a] = f.codes[a]
	}
	return out, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []*domain.MempoolEntryModel
	updates map[common.Hash]domain.EntryStatus
}

func (f *fakeAudit) CreateEntry(record *domain.MempoolEntryModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeAudit) UpdateEntryStatus(hash common.Hash, status domain.EntryStatus, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[common.Hash]domain.EntryStatus{}
	}
	f.updates[hash] = status
	return nil
}

func word(h string) string {
	h = strings.TrimPrefix(h, "0x")
	return h + strings.Repeat("0", 64-len(h))
}

func validationResult(t *testing.T, accountData *big.Int) string {
	t.Helper()
	encoded, err := erc4337.EncodeValidationResult(&erc4337.ValidationResult{
		ReturnInfo: erc4337.ReturnInfo{
			PreOpGas:                big.NewInt(60000),
			Prefund:                 big.NewInt(1000000),
			AccountValidationData:   accountData,
			PaymasterValidationData: big.NewInt(0),
			PaymasterContext:        []byte{},
		},
		SenderInfo:    erc4337.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		FactoryInfo:   erc4337.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		PaymasterInfo: erc4337.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		AggregatorInfo: erc4337.AggregatorStakeInfo{
			StakeInfo: erc4337.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		},
	})
	require.NoError(t, err)
	return hexutil.Encode(encoded)
}

// validationTrace is the entry point calling validateUserOp on the test
// sender, which reads its own slot 0 and runs extra.
func validationTrace(t *testing.T, accountData *big.Int, extra ...tracer.RawTraceStep) *tracer.TraceResult {
	steps := []tracer.RawTraceStep{
		{
			Op: "CALL", Depth: 1,
			Stack:  []string{"0x0", "0x0", "0x4", "0x0", "0x0", hexutil.Encode(testutil.TestSender.Bytes()), "0xffff"},
			Memory: []string{word("19822f7c")},
		},
		{Op: "SLOAD", Depth: 2, Stack: []string{"0x0"}},
	}
	steps = append(steps, extra...)
	steps = append(steps,
		tracer.RawTraceStep{Op: "RETURN", Depth: 2, Stack: []string{"0x0", "0x0"}},
		tracer.RawTraceStep{Op: "RETURN", Depth: 1, Stack: []string{"0x0", "0x0"}},
	)
	return &tracer.TraceResult{
		Gas:         90000,
		ReturnValue: validationResult(t, accountData),
		StructLogs:  steps,
	}
}

func newTestValidationService(t *testing.T, sim Simulator, audit AuditLog, metrics *Metrics) *ValidationService {
	t.Helper()
	policy, err := rules.DefaultConfig().Policy(rules.DefaultMempoolID)
	require.NoError(t, err)
	return NewValidationService(sim, tracer.NewRegistry(), policy, audit, metrics, ValidationConfig{})
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) domain.DomainError {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.CodeError(code)), "expected %s, got %v", code.Name, err)
	var de domain.DomainError
	require.True(t, errors.As(err, &de))
	return de
}

func TestValidate_Accepted(t *testing.T) {
	sim := newFakeSimulator(validationTrace(t, big.NewInt(0)))
	sim.codes[testutil.TestSender] = common.HexToHash("0x01")
	audit := &fakeAudit{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := newTestValidationService(t, sim, audit, metrics)

	op := testutil.UserOperation(0)
	entry, err := svc.Validate(context.Background(), op, erc4337.EntryPointV07)
	require.NoError(t, err)

	expectedHash, err := op.GetUserOpHash(erc4337.EntryPointV07, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, expectedHash, entry.UserOpHash)
	assert.True(t, entry.IsValid())
	assert.Empty(t, entry.Violations)
	assert.Nil(t, entry.Aggregator)
	assert.Equal(t, []common.Address{testutil.TestSender}, entry.ReferencedCodeHashes.Addresses())
	assert.Equal(t, common.HexToHash("0x01"), entry.ReferencedCodeHashes.Hashes[testutil.TestSender])

	require.NotNil(t, entry.Verdict)
	require.Len(t, entry.Verdict.Frames, 2)
	assert.Equal(t, "0x19822f7c", entry.Verdict.Frames[1].Selector)

	require.Len(t, audit.records, 1)
	assert.Equal(t, domain.EntryStatusAccepted, audit.records[0].Status)
	assert.Equal(t, expectedHash.Hex(), audit.records[0].UserOpHash)
	assert.Equal(t, rules.DefaultMempoolID, audit.records[0].MempoolID)

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.Validations.WithLabelValues(OutcomeAccepted)))
}

func TestValidate_ValidationData(t *testing.T) {
	t.Run("aggregator", func(t *testing.T) {
		aggregator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
		sim := newFakeSimulator(validationTrace(t, new(big.Int).SetBytes(aggregator.Bytes())))
		entry, err := newTestValidationService(t, sim, nil, nil).Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
		require.NoError(t, err)
		require.NotNil(t, entry.Aggregator)
		assert.Equal(t, aggregator, *entry.Aggregator)
	})

	t.Run("window", func(t *testing.T) {
		until := uint64(time.Now().Add(time.Hour).Unix())
		data := new(big.Int).Lsh(new(big.Int).SetUint64(until), 160)
		data.Or(data, new(big.Int).Lsh(big.NewInt(100), 208))
		sim := newFakeSimulator(validationTrace(t, data))
		entry, err := newTestValidationService(t, sim, nil, nil).Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
		require.NoError(t, err)
		assert.Equal(t, until, entry.ValidUntil)
		assert.Equal(t, uint64(100), entry.ValidAfter)
	})

	t.Run("signature failure", func(t *testing.T) {
		audit := &fakeAudit{}
		sim := newFakeSimulator(validationTrace(t, big.NewInt(1)))
		_, err := newTestValidationService(t, sim, audit, nil).Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
		de := requireCode(t, err, domain.ErrorCodeOpcodeValidation)
		assert.Equal(t, "account signature validation failed", de.ClientMsg())

		require.Len(t, audit.records, 1)
		assert.Equal(t, domain.EntryStatusRejected, audit.records[0].Status)
		assert.Contains(t, []string(audit.records[0].Violations), "signature/sender")
	})

	t.Run("expired", func(t *testing.T) {
		data := new(big.Int).Lsh(big.NewInt(1000), 160)
		sim := newFakeSimulator(validationTrace(t, data))
		_, err := newTestValidationService(t, sim, nil, nil).Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
		de := requireCode(t, err, domain.ErrorCodeOpcodeValidation)
		assert.Equal(t, RuleExpired, de.Detail()["rule"])
	})
}

func TestValidate_RuleViolation(t *testing.T) {
	audit := &fakeAudit{}
	metrics := NewMetrics(prometheus.NewRegistry())
	sim := newFakeSimulator(validationTrace(t, big.NewInt(0), tracer.RawTraceStep{Op: "TIMESTAMP", Depth: 2}))
	svc := newTestValidationService(t, sim, audit, metrics)

	_, err := svc.Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
	de := requireCode(t, err, domain.ErrorCodeOpcodeValidation)
	assert.Contains(t, de.ClientMsg(), "TIMESTAMP")

	require.Len(t, audit.records, 1)
	assert.Equal(t, domain.EntryStatusRejected, audit.records[0].Status)
	require.NotNil(t, audit.records[0].ErrMsg)
	assert.Contains(t, *audit.records[0].ErrMsg, "TIMESTAMP")
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.Validations.WithLabelValues(OutcomeRejected)))
}

func TestValidate_SimulationFailures(t *testing.T) {
	tests := []struct {
		name  string
		trace func(t *testing.T) *tracer.TraceResult
		msg   string
	}{
		{
			name: "reverted",
			trace: func(t *testing.T) *tracer.TraceResult {
				tr := validationTrace(t, big.NewInt(0))
				tr.Failed = true
				tr.ReturnValue = "0x"
				return tr
			},
			msg: "simulation reverted",
		},
		{
			name: "malformed step",
			trace: func(t *testing.T) *tracer.TraceResult {
				return validationTrace(t, big.NewInt(0), tracer.RawTraceStep{Op: "SLOAD", Depth: 2})
			},
			msg: "invalid validation trace",
		},
		{
			name: "empty trace",
			trace: func(t *testing.T) *tracer.TraceResult {
				return &tracer.TraceResult{ReturnValue: validationResult(t, big.NewInt(0))}
			},
			msg: "empty validation trace",
		},
		{
			name: "undecodable result",
			trace: func(t *testing.T) *tracer.TraceResult {
				tr := validationTrace(t, big.NewInt(0))
				tr.ReturnValue = "0x01"
				return tr
			},
			msg: "invalid simulation result",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audit := &fakeAudit{}
			sim := newFakeSimulator(tt.trace(t))
			_, err := newTestValidationService(t, sim, audit, nil).Validate(context.Background(), testutil.UserOperation(0), erc4337.EntryPointV07)
			de := requireCode(t, err, domain.ErrorCodeSimulationFailed)
			assert.Equal(t, tt.msg, de.ClientMsg())

			require.Len(t, audit.records, 1)
			assert.Equal(t, domain.EntryStatusFailed, audit.records[0].Status)
		})
	}
}

func TestValidate_BadInput(t *testing.T) {
	sim := newFakeSimulator(validationTrace(t, big.NewInt(0)))
	svc := newTestValidationService(t, sim, nil, nil)
	ctx := context.Background()

	_, err := svc.Validate(ctx, testutil.UserOperation(0), common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"))
	requireCode(t, err, domain.ErrorCodeParameterInvalid)

	_, err = svc.Validate(ctx, nil, erc4337.EntryPointV07)
	requireCode(t, err, domain.ErrorCodeParameterInvalid)

	op := testutil.UserOperation(0)
	op.Factory = &common.Address{0x1}
	_, err = svc.Validate(ctx, op, erc4337.EntryPointV07)
	requireCode(t, err, domain.ErrorCodeParameterInvalid)

	assert.Zero(t, sim.traces, "invalid input never reaches the node")

	sim.traceErr = errors.New("connection refused")
	_, err = svc.Validate(ctx, testutil.UserOperation(0), erc4337.EntryPointV07)
	requireCode(t, err, domain.ErrorCodeRemoteProcess)
}

func TestNewValidationService_Defaults(t *testing.T) {
	svc := newTestValidationService(t, newFakeSimulator(nil), nil, nil)
	assert.Equal(t, []common.Address{erc4337.EntryPointV07}, svc.SupportedEntryPoints())
	assert.True(t, svc.SupportsEntryPoint(erc4337.EntryPointV07))
	assert.Equal(t, rules.DefaultMempoolID, svc.MempoolID())
	assert.Equal(t, tracer.CollectorName, svc.config.TracerName)
	assert.Equal(t, "1", svc.config.PaymasterGasMultiplier.String())
}
