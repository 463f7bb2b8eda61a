package crypto

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	anvilKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	anvilAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSealedKeyOpensWithPassword(t *testing.T) {
	blob, err := EncryptKey("0x"+anvilKey, "hunter2")
	require.NoError(t, err)

	var kf Keyfile
	require.NoError(t, json.Unmarshal(blob, &kf))
	assert.Equal(t, anvilAddr, kf.Address.Hex())
	assert.Equal(t, defaultIters, kf.Iterations)
	assert.NotContains(t, string(blob), anvilKey)

	key, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, anvilKey, hex.EncodeToString(ethcrypto.FromECDSA(key)))

	_, err = DecryptKey(blob, "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestDecryptKey_RejectsTamperedHeader(t *testing.T) {
	blob, err := EncryptKey(anvilKey, "pw")
	require.NoError(t, err)

	var kf Keyfile
	require.NoError(t, json.Unmarshal(blob, &kf))

	swapped := kf
	swapped.Address = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	data, err := json.Marshal(swapped)
	require.NoError(t, err)
	_, err = DecryptKey(data, "pw")
	assert.ErrorIs(t, err, ErrBadPassword)

	weak := kf
	weak.Iterations = 1000
	data, err = json.Marshal(weak)
	require.NoError(t, err)
	_, err = DecryptKey(data, "pw")
	assert.ErrorContains(t, err, "below")

	_, err = DecryptKey([]byte(`{"version":1}`), "pw")
	assert.ErrorContains(t, err, "version")
}

func TestEncryptKey_Rejects(t *testing.T) {
	_, err := EncryptKey(anvilKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey(KeyConfig{RawPrivateKey: " 0x" + anvilKey})
	require.NoError(t, err)
	assert.Equal(t, anvilAddr, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	blob, err := EncryptKey(anvilKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "deployer.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, anvilAddr, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zz"})
	assert.Error(t, err)
}
