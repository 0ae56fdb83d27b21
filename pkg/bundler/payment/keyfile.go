package payment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// Argon2id parameters for the signer key file, matching the teacher's
// app_config.enc parameters (internal/app/storage.go) so an operator who already
// manages wallet files with these defaults gets the same cost profile for the
// payment signer key.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// encryptedKeyFile is the on-disk shape of an Argon2id+AES-256-GCM wrapped signer
// key, the same envelope the teacher uses for app_config.enc.
type encryptedKeyFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// LoadSignerFromKeyFile decrypts an Argon2id+AES-256-GCM wrapped private key file
// and builds a Signer from it. This is the file-backed alternative to
// NewSignerFromHex for operators who prefer not to pass PAYMENT_SIGNER_PRIVATE_KEY
// as a bare environment variable (spec.md §6 allows env-indirection but does not
// forbid an encrypted-at-rest source for it).
func LoadSignerFromKeyFile(path, password string, chainID *big.Int, startNonce uint64) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "failed to read signer key file", err)
	}

	var enc encryptedKeyFile
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "failed to parse signer key file", err)
	}

	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "invalid salt encoding in signer key file", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "invalid nonce encoding in signer key file", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "invalid ciphertext encoding in signer key file", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer zero(key)

	plaintext, err := decryptAESGCM(key, nonce, ciphertext)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "failed to decrypt signer key file (incorrect password?)", err)
	}
	defer zero(plaintext)

	return NewSignerFromHex(string(plaintext), chainID, startNonce)
}

// SaveSignerKeyFile writes privateKeyHex to path wrapped in the same Argon2id+AES-
// 256-GCM envelope LoadSignerFromKeyFile reads. cmd/bundlerd does not call it; the
// process reads the key from PAYMENT_SIGNER_PRIVATE_KEY.
func SaveSignerKeyFile(path, password, privateKeyHex string) error {
	plaintext := []byte(privateKeyHex)
	defer zero(plaintext)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return bundlerr.Wrap(bundlerr.SignerFailure, "failed to generate salt", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer zero(key)

	nonce, ciphertext, err := encryptAESGCM(key, plaintext)
	if err != nil {
		return bundlerr.Wrap(bundlerr.SignerFailure, "failed to encrypt signer key", err)
	}

	enc := encryptedKeyFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return bundlerr.Wrap(bundlerr.SignerFailure, "failed to serialize signer key file", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return bundlerr.Wrap(bundlerr.SignerFailure, "failed to write signer key file", err)
	}
	return nil
}

func encryptAESGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func decryptAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
