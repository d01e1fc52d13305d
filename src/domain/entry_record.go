package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type EntryStatus string

const (
	EntryStatusAccepted EntryStatus = "accepted"
	EntryStatusRejected EntryStatus = "rejected"
	EntryStatusFailed   EntryStatus = "failed"
	EntryStatusEvicted  EntryStatus = "evicted"
)

// MempoolEntryModel is the audit row written for every admission attempt.
type MempoolEntryModel struct {
	ID            uuid.UUID       `gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	UserOpHash    string          `gorm:"type:varchar(66);not null;index"`
	Sender        string          `gorm:"type:varchar(42);not null"`
	Nonce         string          `gorm:"not null"`
	EntryPoint    string          `gorm:"type:varchar(42);not null"`
	ChainID       int64           `gorm:"not null"`
	MempoolID     string          `gorm:"type:varchar(64);not null"`
	Status        EntryStatus     `gorm:"type:varchar(16);not null"`
	UserOperation json.RawMessage `gorm:"type:jsonb;not null"`
	Verdict       json.RawMessage `gorm:"type:jsonb"`
	Violations    pq.StringArray  `gorm:"type:text[]"`
	Prefund       decimal.Decimal `gorm:"type:numeric(78,0)"`
	MaxGas        decimal.Decimal `gorm:"type:numeric(78,0)"`
	ExpectedCost  decimal.Decimal `gorm:"type:numeric(78,0)"`
	Aggregator    *string         `gorm:"type:varchar(42)"`
	ErrMsg        *string
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (MempoolEntryModel) TableName() string {
	return "mempool_entries"
}

// GetUserOperation returns the user operation as a typed struct
func (m *MempoolEntryModel) GetUserOperation() (*erc4337.UserOperation, error) {
	var userOp erc4337.UserOperation
	if err := json.Unmarshal(m.UserOperation, &userOp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user operation: %w", err)
	}
	return &userOp, nil
}

// RecordContext is what the audit row needs beyond the operation itself.
type RecordContext struct {
	ChainID    int64
	MempoolID  string
	EntryPoint common.Address
	UserOpHash common.Hash
}

func newRecord(rc RecordContext, op *erc4337.UserOperation) (*MempoolEntryModel, error) {
	userOpJSON, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return &MempoolEntryModel{
		UserOpHash:    rc.UserOpHash.Hex(),
		Sender:        op.Sender.Hex(),
		Nonce:         hexutil.EncodeBig(bigOrZero(op.Nonce)),
		EntryPoint:    rc.EntryPoint.Hex(),
		ChainID:       rc.ChainID,
		MempoolID:     rc.MempoolID,
		UserOperation: userOpJSON,
		Violations:    pq.StringArray{},
	}, nil
}

// NewEntryRecord builds the audit row for a simulated entry. The status is
// accepted unless a fatal violation was found.
func NewEntryRecord(rc RecordContext, e *MempoolEntry, multiplier decimal.Decimal) (*MempoolEntryModel, error) {
	record, err := newRecord(rc, e.UserOp)
	if err != nil {
		return nil, err
	}
	if record.Verdict, err = json.Marshal(e.Verdict); err != nil {
		return nil, err
	}
	record.Violations = lo.Map(e.Violations, func(v RuleViolation, _ int) string { return v.String() })
	record.Prefund = decimal.NewFromBigInt(e.Prefund.ToBig(), 0)
	record.MaxGas = decimal.NewFromBigInt(e.MaxGas().ToBig(), 0)
	if record.ExpectedCost, err = ExpectedCost(e.UserOp, multiplier); err != nil {
		return nil, err
	}
	if e.Aggregator != nil {
		record.Aggregator = lo.ToPtr(e.Aggregator.Hex())
	}

	record.Status = EntryStatusAccepted
	if !e.IsValid() {
		record.Status = EntryStatusRejected
		msgs := lo.Map(e.FatalViolations(), func(v RuleViolation, _ int) string { return v.Message })
		record.ErrMsg = lo.ToPtr(strings.Join(msgs, "; "))
	}
	return record, nil
}

// NewFailedRecord builds the audit row for an operation that never produced
// an entry, e.g. a reverted simulation.
func NewFailedRecord(rc RecordContext, op *erc4337.UserOperation, cause error) (*MempoolEntryModel, error) {
	record, err := newRecord(rc, op)
	if err != nil {
		return nil, err
	}
	record.Status = EntryStatusFailed
	if cause != nil {
		record.ErrMsg = lo.ToPtr(cause.Error())
	}
	if gas, err := MaxGas(op); err == nil {
		record.MaxGas = decimal.NewFromBigInt(gas.ToBig(), 0)
	}
	return record, nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}
