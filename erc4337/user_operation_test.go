package erc4337

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create address pointer
func addressPtr(addr string) *common.Address {
	a := common.HexToAddress(addr)
	return &a
}

func hexBig(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func assertBig(t *testing.T, expected int64, actual *hexutil.Big, field string) {
	t.Helper()
	require.NotNil(t, actual, "field %s is nil", field)
	assert.Equal(t, big.NewInt(expected).String(), (*big.Int)(actual).String(), "field %s mismatch", field)
}

func completeUserOp() *UserOperation {
	return &UserOperation{
		Sender:                        common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                         hexBig(123),
		Factory:                       addressPtr("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"),
		FactoryData:                   hexutil.MustDecode("0x1234"),
		CallData:                      hexutil.MustDecode("0x5678"),
		CallGasLimit:                  hexBig(1000000),
		VerificationGasLimit:          hexBig(2000000),
		PreVerificationGas:            hexBig(3000000),
		MaxPriorityFeePerGas:          hexBig(1000000000),
		MaxFeePerGas:                  hexBig(2000000000),
		Paymaster:                     addressPtr("0xfedcbafedcbafedcbafedcbafedcbafedcbafeda"),
		PaymasterVerificationGasLimit: hexBig(500000),
		PaymasterPostOpGasLimit:       hexBig(100000),
		PaymasterData:                 hexutil.MustDecode("0x9abc"),
		Signature:                     hexutil.MustDecode("0xdef0"),
	}
}

func TestUserOperation_MarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		userOp   *UserOperation
		expected map[string]interface{}
		absent   []string
	}{
		{
			name:   "complete user operation",
			userOp: completeUserOp(),
			expected: map[string]interface{}{
				"sender":                        "0x1234567890123456789012345678901234567890",
				"nonce":                         "0x7b",
				"factory":                       "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
				"factoryData":                   "0x1234",
				"callData":                      "0x5678",
				"callGasLimit":                  "0xf4240",
				"verificationGasLimit":          "0x1e8480",
				"preVerificationGas":            "0x2dc6c0",
				"maxPriorityFeePerGas":          "0x3b9aca00",
				"maxFeePerGas":                  "0x77359400",
				"paymaster":                     "0xfedcbafedcbafedcbafedcbafedcbafedcbafeda",
				"paymasterVerificationGasLimit": "0x7a120",
				"paymasterPostOpGasLimit":       "0x186a0",
				"paymasterData":                 "0x9abc",
				"signature":                     "0xdef0",
			},
		},
		{
			name: "nil quantities encode as zero",
			userOp: &UserOperation{
				Sender: common.HexToAddress("0x1234567890123456789012345678901234567890"),
			},
			expected: map[string]interface{}{
				"nonce":        "0x0",
				"callGasLimit": "0x0",
				"callData":     "0x",
				"signature":    "0x",
			},
			absent: []string{"factory", "factoryData", "paymaster", "paymasterVerificationGasLimit", "paymasterPostOpGasLimit", "paymasterData"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.userOp.MarshalJSON()
			require.NoError(t, err)

			var result map[string]interface{}
			err = json.Unmarshal(data, &result)
			require.NoError(t, err)

			for key, expectedValue := range tt.expected {
				assert.Equal(t, expectedValue, result[key], "field %s mismatch", key)
			}
			for _, key := range tt.absent {
				assert.NotContains(t, result, key)
			}
		})
	}
}

func TestUserOperation_UnmarshalJSON(t *testing.T) {
	t.Run("complete user operation with padded quantities", func(t *testing.T) {
		jsonData := `{
			"sender": "0x1234567890123456789012345678901234567890",
			"nonce": "0x000000000000000000000000000000000000000000000000000000000000007b",
			"factory": "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
			"factoryData": "0x1234",
			"callData": "0x5678",
			"callGasLimit": "0xf4240",
			"verificationGasLimit": "0x1e8480",
			"preVerificationGas": "0x2dc6c0",
			"maxPriorityFeePerGas": "0x3b9aca00",
			"maxFeePerGas": "0x77359400",
			"paymaster": "0xfedcbafedcbafedcbafedcbafedcbafedcbafeda",
			"paymasterVerificationGasLimit": "0x7a120",
			"paymasterPostOpGasLimit": "0x186a0",
			"paymasterData": "0x9abc",
			"signature": "0xdef0"
		}`

		var uo UserOperation
		require.NoError(t, json.Unmarshal([]byte(jsonData), &uo))

		expected := completeUserOp()
		assert.Equal(t, expected.Sender, uo.Sender)
		assert.Equal(t, *expected.Factory, *uo.Factory)
		assert.Equal(t, expected.FactoryData, uo.FactoryData)
		assert.Equal(t, expected.CallData, uo.CallData)
		assert.Equal(t, *expected.Paymaster, *uo.Paymaster)
		assert.Equal(t, expected.PaymasterData, uo.PaymasterData)
		assert.Equal(t, expected.Signature, uo.Signature)
		assertBig(t, 123, uo.Nonce, "nonce")
		assertBig(t, 1000000, uo.CallGasLimit, "callGasLimit")
		assertBig(t, 2000000, uo.VerificationGasLimit, "verificationGasLimit")
		assertBig(t, 3000000, uo.PreVerificationGas, "preVerificationGas")
		assertBig(t, 1000000000, uo.MaxPriorityFeePerGas, "maxPriorityFeePerGas")
		assertBig(t, 2000000000, uo.MaxFeePerGas, "maxFeePerGas")
		assertBig(t, 500000, uo.PaymasterVerificationGasLimit, "paymasterVerificationGasLimit")
		assertBig(t, 100000, uo.PaymasterPostOpGasLimit, "paymasterPostOpGasLimit")
	})

	t.Run("omitted paymaster group stays nil", func(t *testing.T) {
		var uo UserOperation
		require.NoError(t, json.Unmarshal([]byte(`{"sender":"0x1234567890123456789012345678901234567890","nonce":"0x1","callData":"0x","signature":"0x"}`), &uo))
		assert.Nil(t, uo.Paymaster)
		assert.Nil(t, uo.PaymasterVerificationGasLimit)
		assert.Nil(t, uo.PaymasterPostOpGasLimit)
		assert.False(t, uo.HasPaymaster())
		assert.False(t, uo.HasFactory())
	})

	errorTests := []struct {
		name     string
		jsonData string
		errMsg   string
	}{
		{name: "invalid nonce", jsonData: `{"nonce": "invalid"}`, errMsg: "invalid nonce"},
		{name: "invalid callGasLimit", jsonData: `{"callGasLimit": "0xzz"}`, errMsg: "invalid callGasLimit"},
		{name: "invalid JSON", jsonData: `{"incomplete": }`},
	}
	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			var uo UserOperation
			err := json.Unmarshal([]byte(tt.jsonData), &uo)
			require.Error(t, err)
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestUserOperation_RoundTrip(t *testing.T) {
	original := completeUserOp()

	data, err := original.MarshalJSON()
	require.NoError(t, err)

	var unmarshaled UserOperation
	err = json.Unmarshal(data, &unmarshaled)
	require.NoError(t, err)

	again, err := unmarshaled.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestParseHexBig(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0x0", want: "0"},
		{in: "0x", want: "0"},
		{in: "0x00ff", want: "255"},
		{in: "ff", want: "255"},
		{in: "0xg1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseHexBig(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidHex)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestUserOperation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(uo *UserOperation)
		wantErr error
	}{
		{name: "complete op is valid", mutate: func(uo *UserOperation) {}},
		{name: "factory without data", mutate: func(uo *UserOperation) { uo.FactoryData = nil }, wantErr: ErrFactoryMismatch},
		{name: "data without factory", mutate: func(uo *UserOperation) { uo.Factory = nil }, wantErr: ErrFactoryMismatch},
		{name: "paymaster without gas limits", mutate: func(uo *UserOperation) { uo.PaymasterPostOpGasLimit = nil }, wantErr: ErrPaymasterMismatch},
		{
			name: "paymaster data without paymaster",
			mutate: func(uo *UserOperation) {
				uo.Paymaster = nil
				uo.PaymasterVerificationGasLimit = nil
				uo.PaymasterPostOpGasLimit = nil
			},
			wantErr: ErrPaymasterMismatch,
		},
		{
			name:    "gas limit over 128 bits",
			mutate:  func(uo *UserOperation) { uo.CallGasLimit = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 128)) },
			wantErr: ErrGasOverflow,
		},
		{
			name:    "negative gas limit",
			mutate:  func(uo *UserOperation) { uo.VerificationGasLimit = hexBig(-1) },
			wantErr: ErrGasOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uo := completeUserOp()
			tt.mutate(uo)
			err := uo.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUserOperation_InitCodeAndEntities(t *testing.T) {
	uo := completeUserOp()
	initCode := uo.InitCode()
	assert.Equal(t, append(common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd").Bytes(), 0x12, 0x34), initCode)

	sender, factory, paymaster := uo.Entities()
	assert.Equal(t, uo.Sender, sender)
	require.NotNil(t, factory)
	require.NotNil(t, paymaster)
	assert.Equal(t, *uo.Factory, *factory)
	assert.Equal(t, *uo.Paymaster, *paymaster)

	bare := &UserOperation{Sender: uo.Sender}
	assert.Empty(t, bare.InitCode())
	_, factory, paymaster = bare.Entities()
	assert.Nil(t, factory)
	assert.Nil(t, paymaster)
}
