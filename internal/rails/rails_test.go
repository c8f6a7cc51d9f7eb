package rails_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/rails"
)

const collection = "0x00000000000000000000000000000000000000c0"

type fakeClient struct {
	txs      map[common.Hash]*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	sent     []*gethtypes.Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{txs: map[common.Hash]*gethtypes.Transaction{}, receipts: map[common.Hash]*gethtypes.Receipt{}}
}

func (f *fakeClient) add(tx *gethtypes.Transaction, status uint64) {
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: status}
}

func (f *fakeClient) TransactionByHash(_ context.Context, h common.Hash) (*gethtypes.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, h common.Hash) (*gethtypes.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func evmConfig() config.EVMConfig {
	return config.EVMConfig{CollectionAddress: collection, WeiPerUnit: "1000", ChainID: 1337}
}

func depositTx(t *testing.T, to string, wei int64) *gethtypes.Transaction {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := common.HexToAddress(to)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{To: &addr, Value: big.NewInt(wei), Gas: 21_000, GasPrice: big.NewInt(1)})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(big.NewInt(1337)), key)
	require.NoError(t, err)
	return signed
}

func TestRegistry(t *testing.T) {
	reg := rails.NewRegistry(rails.NewManual())
	r, err := reg.Get("manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", r.Name())
	_, err = reg.Get("card")
	assert.ErrorContains(t, err, "available: manual")
}

func TestManualRail(t *testing.T) {
	ctx := context.Background()
	m := rails.NewManual()
	dep, err := m.InitializeDeposit(ctx, "b1", "", 105)
	require.NoError(t, err)
	assert.Equal(t, "manual:b1", dep.Address)
	assert.Error(t, m.VerifyDeposit(ctx, " ", 105))
	require.NoError(t, m.VerifyDeposit(ctx, "wire-123", 105))
	ref, err := m.ReleaseFunds(ctx, dep.Address, 50, "")
	require.NoError(t, err)
	assert.Contains(t, ref, "manual-")
}

func TestEVMVerifyDeposit(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	rail, err := rails.NewEVM(client, evmConfig(), 100, nil)
	require.NoError(t, err)

	good := depositTx(t, collection, 100_000*1000)
	client.add(good, gethtypes.ReceiptStatusSuccessful)
	require.NoError(t, rail.VerifyDeposit(ctx, good.Hash().Hex(), 100_000))

	short := depositTx(t, collection, 98_000*1000)
	client.add(short, gethtypes.ReceiptStatusSuccessful)
	assert.ErrorContains(t, rail.VerifyDeposit(ctx, short.Hash().Hex(), 100_000), "tolerance")

	elsewhere := depositTx(t, "0x00000000000000000000000000000000000000ff", 100_000*1000)
	client.add(elsewhere, gethtypes.ReceiptStatusSuccessful)
	assert.ErrorContains(t, rail.VerifyDeposit(ctx, elsewhere.Hash().Hex(), 100_000), "collection address")

	failed := depositTx(t, collection, 100_000*1000)
	client.add(failed, gethtypes.ReceiptStatusFailed)
	assert.ErrorContains(t, rail.VerifyDeposit(ctx, failed.Hash().Hex(), 100_000), "failed")

	assert.ErrorContains(t, rail.VerifyDeposit(ctx, "0x1234", 100_000), "invalid transaction hash")
	assert.ErrorContains(t, rail.VerifyDeposit(ctx, common.Hash{1}.Hex(), 100_000), "not found")
}

func TestEVMReleaseFundsSignsTransfer(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	rail, err := rails.NewEVM(client, evmConfig(), 100, key)
	require.NoError(t, err)

	recipient := "0x00000000000000000000000000000000000000aa"
	ref, err := rail.ReleaseFunds(ctx, collection, 60_000, recipient)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	sent := client.sent[0]
	assert.Equal(t, sent.Hash().Hex(), ref)
	assert.Equal(t, common.HexToAddress(recipient), *sent.To())
	assert.Equal(t, big.NewInt(60_000*1000), sent.Value())

	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1337)), sent)
	require.NoError(t, err)
	assert.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), from)

	_, err = rail.ReleaseFunds(ctx, collection, 10, "not-an-address")
	assert.Error(t, err)
}

func TestEVMWithoutSignerIsVerifyOnly(t *testing.T) {
	rail, err := rails.NewEVM(newFakeClient(), evmConfig(), 100, nil)
	require.NoError(t, err)
	_, err = rail.ReleaseFunds(context.Background(), collection, 10, collection)
	assert.ErrorContains(t, err, "no signer key")
}
