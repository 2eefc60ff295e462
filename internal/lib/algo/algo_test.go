package algo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFormattedAlgoAmount(t *testing.T) {
	tests := []struct {
		micro uint64
		want  string
	}{
		{0, "0"},
		{1, "0.000001"},
		{1_000_000, "1"},
		{1_500_000, "1.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormattedAlgoAmount(tt.micro))
	}
}

func TestParseHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"X-API-Key": "abc:def", "Other": "1"}, parseHeaders("X-API-Key: abc:def, Other:1"))
	assert.Empty(t, parseHeaders(""))
}

func TestGetNetworkConfig(t *testing.T) {
	t.Setenv("ALGO_MINTER_ACCOUNT", "MINTER")
	t.Setenv("ALGO_ALGOD_URL", "")
	t.Setenv("ALGO_ALGOD_TOKEN", "tok")
	t.Setenv("ALGO_ALGOD_ADMIN_TOKEN", "admintok")

	cfg := GetNetworkConfig("testnet")
	assert.Equal(t, "https://testnet-api.algonode.cloud", cfg.NodeURL)
	assert.Equal(t, "admintok", cfg.NodeToken)
	assert.Equal(t, "MINTER", cfg.MinterAccount)
	assert.NotContains(t, cfg.String(), "admintok")
}

func TestGetNetAndTokenFromFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "algod.net"), []byte("127.0.0.1:8080\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "algod.admin.token"), []byte(" secret \n"), 0o600))

	url, token, err := GetNetAndTokenFromFiles(filepath.Join(dir, "algod.net"), filepath.Join(dir, "algod.admin.token"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", url)
	assert.Equal(t, "secret", token)

	_, _, err = GetNetAndTokenFromFiles(filepath.Join(dir, "missing"), "")
	assert.Error(t, err)
}

func TestLocalKeyStoreSigns(t *testing.T) {
	acct := crypto.GenerateAccount()
	phrase, err := mnemonic.FromPrivateKey(acct.PrivateKey)
	require.NoError(t, err)
	t.Setenv("ALGO_MNEMONIC_MINTER", phrase)

	keys, err := NewLocalKeyStore(logger)
	require.NoError(t, err)
	addr := acct.Address.String()
	assert.True(t, keys.HasAccount(addr))
	assert.Contains(t, keys.Accounts(), addr)

	params := types.SuggestedParams{
		Fee:             1000,
		FlatFee:         true,
		FirstRoundValid: 100,
		LastRoundValid:  200,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
	}
	txn, err := transaction.MakeAssetCreateTxn(addr, []byte("note"), params, 1, 0, false, addr, "", "", "", "SRWD", "Stake Reward #1-1", "", "")
	require.NoError(t, err)

	signed, ids, err := SignGroupTransactions(context.Background(), []types.Transaction{txn}, SignWithAccount(nil, keys, addr))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, crypto.GetTxID(txn), ids[0])

	directID, direct, err := crypto.SignTransaction(acct.PrivateKey, txn)
	require.NoError(t, err)
	assert.Equal(t, direct, signed)
	assert.Equal(t, directID, ids[0])

	other := crypto.GenerateAccount()
	_, _, err = SignGroupTransactions(context.Background(), []types.Transaction{txn}, SignWithAccount(nil, keys, other.Address.String()))
	assert.Error(t, err)

	_, _, err = SignGroupTransactions(context.Background(), []types.Transaction{txn, txn}, SignWithAccount(nil, keys, addr))
	assert.Error(t, err)
}

func TestLocalKeyStoreRejectsBadMnemonic(t *testing.T) {
	t.Setenv("ALGO_MNEMONIC_BAD", "not a real mnemonic")
	_, err := NewLocalKeyStore(logger)
	assert.Error(t, err)
}
