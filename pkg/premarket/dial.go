package premarket

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/coldbell/premarket/pkg/evm"
	"github.com/coldbell/premarket/pkg/sol"
	"github.com/coldbell/premarket/pkg/tokencache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Config selects and configures one chain. Only the section matching Chain is read.
type Config struct {
	Chain  Chain
	EVM    EVMConfig
	Solana SolanaConfig

	// Decimals is shared by both chains; nil means a process-local cache.
	Decimals tokencache.Cache
	Logger   *slog.Logger
}

type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	// ChainID is read from the node when zero.
	ChainID          int64
	PrivateKey       string
	GasMarginPercent uint64
	ReceiptTimeout   time.Duration
	ReceiptInterval  time.Duration
}

type SolanaConfig struct {
	RPCURL    string
	ProgramID string
	// Commitment defaults to confirmed.
	Commitment                    string
	KeypairPath                   string
	PrivateKey                    string
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	SkipPreflight                 bool
	// MaxRetries is handed to sendTransaction; nil leaves it to the node.
	MaxRetries      *uint
	TxTimeout       time.Duration
	ConfirmInterval time.Duration
}

// Dial connects to the configured chain and returns its Market.
func Dial(ctx context.Context, cfg Config) (Market, error) {
	switch cfg.Chain {
	case ChainEVM:
		return dialEVM(ctx, cfg)
	case ChainSolana:
		return dialSolana(cfg)
	default:
		return nil, fmt.Errorf("unsupported chain %q: %w", cfg.Chain, ErrInvalidParams)
	}
}

func dialEVM(ctx context.Context, cfg Config) (*EVMMarket, error) {
	if cfg.EVM.RPCURL == "" {
		return nil, fmt.Errorf("evm rpc url is required: %w", ErrInvalidParams)
	}
	if !common.IsHexAddress(cfg.EVM.ContractAddress) {
		return nil, fmt.Errorf("evm contract address %q: %w", cfg.EVM.ContractAddress, ErrInvalidParams)
	}

	client, err := ethclient.DialContext(ctx, cfg.EVM.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID := big.NewInt(cfg.EVM.ChainID)
	if cfg.EVM.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
	}

	var opts []evm.Option
	if cfg.EVM.PrivateKey != "" {
		key, err := evm.ParsePrivateKey(cfg.EVM.PrivateKey)
		if err != nil {
			client.Close()
			return nil, err
		}
		opts = append(opts, evm.WithPrivateKey(key))
	}
	if cfg.Decimals != nil {
		opts = append(opts, evm.WithDecimalsCache(cfg.Decimals))
	}
	if cfg.Logger != nil {
		opts = append(opts, evm.WithLogger(cfg.Logger))
	}

	evmClient, err := evm.NewClient(client, evm.Config{
		ContractAddress:  common.HexToAddress(cfg.EVM.ContractAddress),
		ChainID:          chainID,
		GasMarginPercent: cfg.EVM.GasMarginPercent,
		ReceiptTimeout:   cfg.EVM.ReceiptTimeout,
		ReceiptInterval:  cfg.EVM.ReceiptInterval,
	}, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return NewEVMMarket(evmClient), nil
}

func dialSolana(cfg Config) (*SolanaMarket, error) {
	if cfg.Solana.RPCURL == "" {
		return nil, fmt.Errorf("solana rpc url is required: %w", ErrInvalidParams)
	}
	programID, err := parsePublicKey("program id", cfg.Solana.ProgramID)
	if err != nil {
		return nil, err
	}

	var opts []sol.Option
	switch {
	case cfg.Solana.KeypairPath != "":
		signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.Solana.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		opts = append(opts, sol.WithSigner(signer))
	case cfg.Solana.PrivateKey != "":
		signer, err := solana.PrivateKeyFromBase58(cfg.Solana.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		opts = append(opts, sol.WithSigner(signer))
	}
	if cfg.Decimals != nil {
		opts = append(opts, sol.WithDecimalsCache(cfg.Decimals))
	}
	if cfg.Logger != nil {
		opts = append(opts, sol.WithLogger(cfg.Logger))
	}

	client, err := sol.NewClient(rpc.New(cfg.Solana.RPCURL), sol.Config{
		ProgramID:                     programID,
		Commitment:                    rpc.CommitmentType(cfg.Solana.Commitment),
		ComputeUnitLimit:              cfg.Solana.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.Solana.ComputeUnitPriceMicroLamports,
		SkipPreflight:                 cfg.Solana.SkipPreflight,
		MaxRetries:                    cfg.Solana.MaxRetries,
		TxTimeout:                     cfg.Solana.TxTimeout,
		ConfirmInterval:               cfg.Solana.ConfirmInterval,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return NewSolanaMarket(client), nil
}
