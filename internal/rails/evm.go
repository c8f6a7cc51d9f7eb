package rails

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"bountyline/internal/config"
)

const transferGas = 21_000

// EVMClient is the subset of the Ethereum RPC the rail needs.
type EVMClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// EVM settles escrow in native coin on an EVM chain. Deposits go to the
// collection address; releases are signed by the collection key.
type EVM struct {
	client       EVMClient
	collection   common.Address
	chainID      *big.Int
	weiPerUnit   *big.Int
	toleranceBps int
	signer       *ecdsa.PrivateKey
}

// DialEVM connects to cfg.RPCURL and loads the signer key from the environment
// variable named by cfg.SignerKeyEnv. A missing key leaves the rail verify-only.
func DialEVM(cfg config.EVMConfig, toleranceBps int) (*EVM, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("evm rpc_url required")
	}
	client, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	var key *ecdsa.PrivateKey
	if cfg.SignerKeyEnv != "" {
		if raw := strings.TrimSpace(os.Getenv(cfg.SignerKeyEnv)); raw != "" {
			key, err = gethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", cfg.SignerKeyEnv, err)
			}
		}
	}
	return NewEVM(client, cfg, toleranceBps, key)
}

func NewEVM(client EVMClient, cfg config.EVMConfig, toleranceBps int, signer *ecdsa.PrivateKey) (*EVM, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if !common.IsHexAddress(cfg.CollectionAddress) {
		return nil, fmt.Errorf("invalid collection address %q", cfg.CollectionAddress)
	}
	weiPerUnit, ok := new(big.Int).SetString(strings.TrimSpace(cfg.WeiPerUnit), 10)
	if !ok || weiPerUnit.Sign() <= 0 {
		return nil, fmt.Errorf("invalid wei_per_unit %q", cfg.WeiPerUnit)
	}
	chainID := cfg.ChainID
	if chainID <= 0 {
		chainID = 1
	}
	return &EVM{
		client:       client,
		collection:   common.HexToAddress(cfg.CollectionAddress),
		chainID:      big.NewInt(chainID),
		weiPerUnit:   weiPerUnit,
		toleranceBps: toleranceBps,
		signer:       signer,
	}, nil
}

func (r *EVM) Name() string { return config.RailEVM }

func (r *EVM) InitializeDeposit(_ context.Context, _ string, payerAddress string, amount int64) (Deposit, error) {
	if amount <= 0 {
		return Deposit{}, fmt.Errorf("deposit amount must be positive")
	}
	if payerAddress != "" && !common.IsHexAddress(payerAddress) {
		return Deposit{}, fmt.Errorf("invalid payer address %q", payerAddress)
	}
	return Deposit{Address: r.collection.Hex(), ExpectedAmount: amount}, nil
}

func (r *EVM) VerifyDeposit(ctx context.Context, txRef string, expected int64) error {
	hash, err := parseHash(txRef)
	if err != nil {
		return err
	}
	tx, pending, err := r.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("transaction %s not found", hash.Hex())
		}
		return fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return fmt.Errorf("transaction %s is still pending", hash.Hex())
	}
	if tx.To() == nil || *tx.To() != r.collection {
		return fmt.Errorf("transaction %s does not pay the collection address", hash.Hex())
	}
	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s failed", hash.Hex())
	}
	want := r.toWei(expected)
	diff := new(big.Int).Sub(tx.Value(), want)
	diff.Abs(diff)
	// |value-want| * 10000 <= want * bps
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(want, big.NewInt(int64(r.toleranceBps)))
	if lhs.Cmp(rhs) > 0 {
		return fmt.Errorf("deposit of %s wei outside tolerance of expected %s wei", tx.Value(), want)
	}
	return nil
}

func (r *EVM) ReleaseFunds(ctx context.Context, _ string, amount int64, recipient string) (string, error) {
	if r.signer == nil {
		return "", fmt.Errorf("evm rail has no signer key; releases are disabled")
	}
	if amount <= 0 {
		return "", fmt.Errorf("release amount must be positive")
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	from := gethcrypto.PubkeyToAddress(r.signer.PublicKey)
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	to := common.HexToAddress(recipient)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    r.toWei(amount),
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(r.chainID), r.signer)
	if err != nil {
		return "", fmt.Errorf("sign release: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send release: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (r *EVM) toWei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), r.weiPerUnit)
}

func parseHash(ref string) (common.Hash, error) {
	ref = strings.TrimSpace(ref)
	raw := strings.TrimPrefix(ref, "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", ref)
	}
	return common.HexToHash(ref), nil
}
