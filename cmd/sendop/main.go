package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// sendop builds a SimpleAccount user operation, signs it with PRIVATE_KEY
// and submits it to BUNDLER_URL.
func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Error loading .env file: %v", err)
		}
	}

	rpcURL := mustEnv("NODE_RPC_URL")
	bundlerURL := mustEnv("BUNDLER_URL")
	privateKeyHex := mustEnv("PRIVATE_KEY")
	factory := mustAddress("ACCOUNT_FACTORY")
	target := mustAddress("TARGET")

	salt := envBig("ACCOUNT_SALT", big.NewInt(0))
	value := envBig("VALUE", big.NewInt(0))
	var data []byte
	if s := os.Getenv("DATA"); s != "" {
		decoded, err := hexutil.Decode(s)
		if err != nil {
			log.Fatalf("invalid DATA: %v", err)
		}
		data = decoded
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx)

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		log.Fatalf("Failed to connect to node: %v", err)
	}
	defer client.Close()

	bundler, err := erc4337.DialContext(ctx, bundlerURL)
	if err != nil {
		log.Fatalf("Failed to connect to bundler: %v", err)
	}

	chainID, err := bundler.ChainId(ctx)
	if err != nil {
		log.Fatalf("Failed to get chain id: %v", err)
	}

	executor, err := service.NewExecutionService(bundler, privateKeyHex, chainID)
	if err != nil {
		log.Fatalf("Failed to create execution service: %v", err)
	}

	account := erc4337.NewSimpleAccount(client, erc4337.EntryPointV07, factory, executor.Owner(), salt)
	op, err := erc4337.BuildUserOperation(ctx, account, target, value, data)
	if err != nil {
		log.Fatalf("Failed to build user operation: %v", err)
	}

	maxFeePerGas, maxPriorityFeePerGas, err := gasFees(ctx, client)
	if err != nil {
		log.Fatalf("Failed to get gas fees: %v", err)
	}
	op.MaxFeePerGas = (*hexutil.Big)(maxFeePerGas)
	op.MaxPriorityFeePerGas = (*hexutil.Big)(maxPriorityFeePerGas)
	op.CallGasLimit = (*hexutil.Big)(envBig("CALL_GAS_LIMIT", big.NewInt(200_000)))
	op.VerificationGasLimit = (*hexutil.Big)(envBig("VERIFICATION_GAS_LIMIT", big.NewInt(500_000)))
	op.PreVerificationGas = (*hexutil.Big)(envBig("PRE_VERIFICATION_GAS", big.NewInt(60_000)))

	logger.Info().
		Str("sender", op.Sender.Hex()).
		Str("owner", executor.Owner().Hex()).
		Bool("deploy", op.HasFactory()).
		Str("max_fee_per_gas", maxFeePerGas.String()).
		Msg("user operation built")

	userOpHash, err := executor.Execute(ctx, op, erc4337.EntryPointV07)
	if err != nil {
		log.Fatalf("Failed to send user operation: %v", err)
	}

	logger.Info().Str("user_op_hash", userOpHash.Hex()).Msg("User Operation sent successfully")
}

// gasFees returns maxFeePerGas as 1.5x the latest base fee plus the suggested tip
func gasFees(ctx context.Context, client *ethclient.Client) (*big.Int, *big.Int, error) {
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	maxFeePerGas := new(big.Int).Mul(baseFee, big.NewInt(150))
	maxFeePerGas.Div(maxFeePerGas, big.NewInt(100))
	maxFeePerGas.Add(maxFeePerGas, tip)

	return maxFeePerGas, tip, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s not set in environment", key)
	}
	return v
}

func mustAddress(key string) common.Address {
	v := mustEnv(key)
	if !common.IsHexAddress(v) {
		log.Fatalf("invalid %s address '%s'", key, v)
	}
	return common.HexToAddress(v)
}

func envBig(key string, def *big.Int) *big.Int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return new(big.Int).SetUint64(v)
	}
	v, err := erc4337.ParseHexBig(s)
	if err != nil {
		log.Fatalf("invalid %s value '%s'", key, s)
	}
	return v
}
