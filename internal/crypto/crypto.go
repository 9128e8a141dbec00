// Package crypto implements the AEAD encryption service (C4): master-key
// lifecycle, per-record key derivation, and authenticated encrypt/decrypt
// over the envelope shape model.EncryptionRecord defines.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"shardvault/internal/config"
	"shardvault/internal/keystore"
	"shardvault/internal/logging"
	"shardvault/internal/model"
)

const masterKeyFile = "master.key"

// masterKeyBlob is the on-disk envelope for the wrapped master key.
type masterKeyBlob struct {
	Salt    []byte `json:"salt"`
	Wrapped []byte `json:"wrapped"`
}

// Service is the AEAD encryption service. One Service guards one master
// key for the lifetime of the process; ChangePassphrase rotates it under
// a write lock that blocks concurrent Encrypt/Decrypt calls until the
// rotation completes.
type Service struct {
	ks  keystore.KeyStore
	cfg config.EncryptionConfig

	mu        sync.RWMutex
	masterKey []byte
	salt      []byte
	path      string
}

// NewService constructs a Service backed by ks, using cfg's algorithm
// parameters.
func NewService(ks keystore.KeyStore, cfg config.EncryptionConfig) *Service {
	return &Service{ks: ks, cfg: cfg}
}

// Initialize loads the master key from securityDir, or derives and
// persists a fresh one if none exists. An empty passphrase generates a
// random master key instead of deriving one (no human secret to rotate
// later via ChangePassphrase in that mode).
func (s *Service) Initialize(securityDir, passphrase string) error {
	if !s.ks.Available() {
		return model.New(model.EncryptionUnavailable, "key store unavailable")
	}

	s.path = filepath.Join(securityDir, masterKeyFile)
	data, err := os.ReadFile(s.path)
	if err == nil {
		var blob masterKeyBlob
		if err := json.Unmarshal(data, &blob); err != nil {
			return model.Wrap(model.EncryptionUnavailable, "parse master key file", err)
		}
		key, err := s.ks.Unwrap(blob.Wrapped)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.masterKey, s.salt = key, blob.Salt
		s.mu.Unlock()
		logging.CryptoDebug("master key loaded from %s", s.path)
		return nil
	}
	if !os.IsNotExist(err) {
		return model.Wrap(model.EncryptionUnavailable, "read master key file", err)
	}

	salt, err := randomBytes(s.cfg.SaltLength)
	if err != nil {
		return model.Wrap(model.EncryptionUnavailable, "generate master key salt", err)
	}
	var key []byte
	if passphrase != "" {
		key = s.deriveKey(passphrase, salt)
	} else {
		key, err = randomBytes(s.cfg.KeyLength)
		if err != nil {
			return model.Wrap(model.EncryptionUnavailable, "generate master key", err)
		}
	}

	if err := s.persist(key, salt); err != nil {
		return err
	}
	s.mu.Lock()
	s.masterKey, s.salt = key, salt
	s.mu.Unlock()
	logging.CryptoDebug("master key generated and persisted to %s", s.path)
	return nil
}

func (s *Service) persist(key, salt []byte) error {
	wrapped, err := s.ks.Wrap(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(masterKeyBlob{Salt: salt, Wrapped: wrapped})
	if err != nil {
		return model.Wrap(model.EncryptionUnavailable, "marshal master key blob", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return model.Wrap(model.EncryptionUnavailable, "persist master key blob", err)
	}
	return nil
}

func (s *Service) deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, s.cfg.Iterations, s.cfg.KeyLength, sha512.New)
}

// Available reports whether a master key has been loaded.
func (s *Service) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.masterKey) > 0
}

// Encrypt seals plaintext under a key derived from the master key and a
// fresh per-record salt, making the resulting record self-contained:
// no external key material is needed to decrypt besides the master
// key itself.
func (s *Service) Encrypt(plaintext []byte) (model.EncryptionRecord, error) {
	s.mu.RLock()
	masterKey := s.masterKey
	s.mu.RUnlock()
	if len(masterKey) == 0 {
		return model.EncryptionRecord{}, model.New(model.EncryptionUnavailable, "master key not initialized")
	}

	recordSalt, err := randomBytes(s.cfg.SaltLength)
	if err != nil {
		return model.EncryptionRecord{}, model.Wrap(model.EncryptionUnavailable, "generate record salt", err)
	}
	dataKey := pbkdf2.Key(masterKey, recordSalt, s.cfg.Iterations, s.cfg.KeyLength, sha512.New)

	gcm, err := s.gcm(dataKey)
	if err != nil {
		return model.EncryptionRecord{}, err
	}
	iv, err := randomBytes(s.cfg.IVLength)
	if err != nil {
		return model.EncryptionRecord{}, model.Wrap(model.EncryptionUnavailable, "generate iv", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	logging.CryptoDebug("encrypted %d bytes with %s", len(plaintext), s.cfg.Algorithm)
	return model.EncryptionRecord{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		Salt:       recordSalt,
		Tag:        sealed[tagStart:],
		Algorithm:  s.cfg.Algorithm,
	}, nil
}

// Decrypt opens a record sealed by Encrypt. Authentication failure
// (tampered ciphertext or tag) surfaces as IntegrityViolation and is
// audited at critical severity.
func (s *Service) Decrypt(rec model.EncryptionRecord) ([]byte, error) {
	if rec.Algorithm != s.cfg.Algorithm {
		return nil, model.New(model.AlgorithmUnsupported, "record algorithm "+rec.Algorithm+" is not supported")
	}

	s.mu.RLock()
	masterKey := s.masterKey
	s.mu.RUnlock()
	if len(masterKey) == 0 {
		return nil, model.New(model.EncryptionUnavailable, "master key not initialized")
	}

	dataKey := pbkdf2.Key(masterKey, rec.Salt, s.cfg.Iterations, s.cfg.KeyLength, sha512.New)
	gcm, err := s.gcm(dataKey)
	if err != nil {
		return nil, err
	}

	sealed := append(append([]byte{}, rec.Ciphertext...), rec.Tag...)
	plaintext, err := gcm.Open(nil, rec.IV, sealed, nil)
	if err != nil {
		logging.Audit().IntegrityViolation("crypto", "encryption-record")
		return nil, model.Wrap(model.IntegrityViolation, "decrypt failed authentication", err)
	}

	logging.CryptoDebug("decrypted %d bytes with %s", len(plaintext), s.cfg.Algorithm)
	return plaintext, nil
}

func (s *Service) gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, model.Wrap(model.AlgorithmUnsupported, "build cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.Wrap(model.AlgorithmUnsupported, "build AEAD", err)
	}
	return gcm, nil
}

// ChangePassphrase verifies oldPassphrase against the current master
// key's derivation, then rotates to a key derived from newPassphrase
// under a fresh salt. The rotation holds the write lock for its
// duration, blocking concurrent Encrypt/Decrypt calls as a serialized
// administrative operation. Records sealed under the prior master key
// are not re-encrypted by this call; callers that need
// that must re-run classifyAndProtect over existing records themselves.
func (s *Service) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.masterKey) == 0 {
		return model.New(model.EncryptionUnavailable, "master key not initialized")
	}

	check := s.deriveKey(oldPassphrase, s.salt)
	if subtle.ConstantTimeCompare(check, s.masterKey) != 1 {
		return model.New(model.PassphraseMismatch, "old passphrase does not match current master key")
	}

	newSalt, err := randomBytes(s.cfg.SaltLength)
	if err != nil {
		return model.Wrap(model.EncryptionUnavailable, "generate new salt", err)
	}
	newKey := s.deriveKey(newPassphrase, newSalt)

	if err := s.persist(newKey, newSalt); err != nil {
		return err
	}
	s.masterKey, s.salt = newKey, newSalt

	logging.Audit().PassphraseChanged("crypto")
	logging.Crypto("master key passphrase rotated")
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
