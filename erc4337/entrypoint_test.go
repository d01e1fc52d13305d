package erc4337

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSimulateValidation(t *testing.T) {
	op := completeUserOp()
	data, err := EncodeSimulateValidation(op)
	require.NoError(t, err)

	method := entryPointSimulationsABI.Methods["simulateValidation"]
	assert.Equal(t, method.ID, data[:4])

	packed, err := op.PackUserOp()
	require.NoError(t, err)
	tuple, err := packed.EncodeTuple()
	require.NoError(t, err)
	assert.Equal(t, tuple, data[4:])

	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, values, 1)
}

func TestDecodeValidationResult(t *testing.T) {
	aggregator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	expected := ValidationResult{
		ReturnInfo: ReturnInfo{
			PreOpGas:                big.NewInt(50000),
			Prefund:                 big.NewInt(1000000),
			AccountValidationData:   big.NewInt(0),
			PaymasterValidationData: big.NewInt(1),
			PaymasterContext:        []byte{0xca, 0xfe},
		},
		SenderInfo:    StakeInfo{Stake: big.NewInt(1), UnstakeDelaySec: big.NewInt(2)},
		FactoryInfo:   StakeInfo{Stake: big.NewInt(3), UnstakeDelaySec: big.NewInt(4)},
		PaymasterInfo: StakeInfo{Stake: big.NewInt(5), UnstakeDelaySec: big.NewInt(6)},
		AggregatorInfo: AggregatorStakeInfo{
			Aggregator: aggregator,
			StakeInfo:  StakeInfo{Stake: big.NewInt(7), UnstakeDelaySec: big.NewInt(8)},
		},
	}

	encoded, err := EncodeValidationResult(&expected)
	require.NoError(t, err)

	result, err := DecodeValidationResult(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), result.ReturnInfo.PreOpGas.Int64())
	assert.Equal(t, int64(1000000), result.ReturnInfo.Prefund.Int64())
	assert.Equal(t, int64(1), result.ReturnInfo.PaymasterValidationData.Int64())
	assert.Equal(t, []byte{0xca, 0xfe}, result.ReturnInfo.PaymasterContext)
	assert.Equal(t, int64(2), result.SenderInfo.UnstakeDelaySec.Int64())
	assert.Equal(t, int64(5), result.PaymasterInfo.Stake.Int64())
	assert.Equal(t, aggregator, result.AggregatorInfo.Aggregator)
	assert.Equal(t, int64(8), result.AggregatorInfo.StakeInfo.UnstakeDelaySec.Int64())

	_, err = DecodeValidationResult([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeValidationData(t *testing.T) {
	pack := func(aggregator *big.Int, validUntil, validAfter uint64) *big.Int {
		v := new(big.Int).Lsh(new(big.Int).SetUint64(validAfter), 208)
		v.Or(v, new(big.Int).Lsh(new(big.Int).SetUint64(validUntil), 160))
		return v.Or(v, aggregator)
	}
	aggregator := common.HexToAddress("0x1111111111111111111111111111111111111111")

	tests := []struct {
		name  string
		input *big.Int
		want  ValidationData
	}{
		{name: "nil", input: nil, want: ValidationData{}},
		{name: "zero", input: big.NewInt(0), want: ValidationData{}},
		{name: "signature failure", input: pack(big.NewInt(1), 0, 0), want: ValidationData{SigFailed: true}},
		{
			name:  "time range",
			input: pack(big.NewInt(0), 2000, 1000),
			want:  ValidationData{ValidUntil: 2000, ValidAfter: 1000},
		},
		{
			name:  "aggregator",
			input: pack(new(big.Int).SetBytes(aggregator.Bytes()), 0, 0),
			want:  ValidationData{Aggregator: aggregator},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeValidationData(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidationData_Expired(t *testing.T) {
	vd := ValidationData{ValidUntil: 2000, ValidAfter: 1000}
	assert.True(t, vd.Expired(999))
	assert.False(t, vd.Expired(1500))
	assert.True(t, vd.Expired(2001))

	open := ValidationData{}
	assert.False(t, open.Expired(1<<40))
	assert.False(t, open.HasAggregator())
}
