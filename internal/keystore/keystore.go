// Package keystore wraps and unwraps the master encryption key. No
// platform secret-store binding exists anywhere in the retrieved example
// corpus (see DESIGN.md), so the concrete implementation here is a
// restrictive-permission file-backed wrapping key rather than a call into
// an OS keychain/credential manager — the interface is the seam a real
// OS-integration later plugs into without touching internal/crypto.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"shardvault/internal/model"
)

// KeyStore wraps (encrypts) and unwraps (decrypts) the master key so it
// is never persisted in the clear.
type KeyStore interface {
	Wrap(plaintext []byte) (wrapped []byte, err error)
	Unwrap(wrapped []byte) (plaintext []byte, err error)
	Available() bool
}

const wrappingKeyFile = "wrapping.key"

// FileKeyStore holds a randomly generated wrapping key in
// securityDir/wrapping.key (mode 0600) and uses it to AES-GCM-seal the
// master key blob. The wrapping key is generated once on first use.
type FileKeyStore struct {
	securityDir string
	wrapKey     []byte
}

// Open loads (or creates) the wrapping key under securityDir.
func Open(securityDir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(securityDir, 0700); err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "create security directory", err)
	}

	path := filepath.Join(securityDir, wrappingKeyFile)
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, model.Wrap(model.EncryptionUnavailable, "read wrapping key", err)
		}
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, model.Wrap(model.EncryptionUnavailable, "generate wrapping key", err)
		}
		if err := os.WriteFile(path, key, 0600); err != nil {
			return nil, model.Wrap(model.EncryptionUnavailable, "persist wrapping key", err)
		}
	}
	if len(key) != 32 {
		return nil, model.New(model.EncryptionUnavailable, "wrapping key has unexpected length")
	}

	return &FileKeyStore{securityDir: securityDir, wrapKey: key}, nil
}

// Available reports whether the wrapping key was loaded successfully.
func (f *FileKeyStore) Available() bool { return len(f.wrapKey) == 32 }

// Wrap AES-256-GCM-seals plaintext under the wrapping key, prefixing the
// nonce to the output.
func (f *FileKeyStore) Wrap(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.wrapKey)
	if err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "build wrapping cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "build wrapping AEAD", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "generate wrapping nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap reverses Wrap.
func (f *FileKeyStore) Unwrap(wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.wrapKey)
	if err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "build wrapping cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.Wrap(model.EncryptionUnavailable, "build wrapping AEAD", err)
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, model.New(model.EncryptionUnavailable, "wrapped key blob too short")
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, model.Wrap(model.IntegrityViolation, "unwrap master key", err)
	}
	return plaintext, nil
}
