package payment

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyfileTestPrivKeyHex = "9f6a7c2d4e8b1a3f5c6d0e2b4a8f1c3d5e7b9a0c2e4f6a8b0c2d4e6f8a0b1c2d"

func TestSaveAndLoadSignerFromKeyFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key.enc")
	require.NoError(t, SaveSignerKeyFile(path, "correct horse battery staple", keyfileTestPrivKeyHex))

	signer, err := LoadSignerFromKeyFile(path, "correct horse battery staple", big.NewInt(1), 0)
	require.NoError(t, err)

	expected, err := NewSignerFromHex(keyfileTestPrivKeyHex, big.NewInt(1), 0)
	require.NoError(t, err)
	assert.Equal(t, expected.Address(), signer.Address())
}

func TestLoadSignerFromKeyFile_WrongPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key.enc")
	require.NoError(t, SaveSignerKeyFile(path, "correct horse battery staple", keyfileTestPrivKeyHex))

	_, err := LoadSignerFromKeyFile(path, "wrong password", big.NewInt(1), 0)
	require.Error(t, err)
}

func TestLoadSignerFromKeyFile_MissingFileFails(t *testing.T) {
	_, err := LoadSignerFromKeyFile(filepath.Join(t.TempDir(), "missing.enc"), "pw", big.NewInt(1), 0)
	require.Error(t, err)
}
